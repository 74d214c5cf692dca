// Package scheduler is a collaborator plugin (spec.md §6.3): cron-driven
// job scheduling with a distributed lock over PluginStorage so only one
// database instance runs a given job tick at a time, per spec.md §5's
// locking policy ("implemented as a pointer object under
// plugin=<id>/locks/<jobname> with a TTL field and an ifMatch:"*"-style
// precondition to prevent two holders").
//
// Grounded on the cron wiring shown in the retrieval pack's plugin
// runtime (cron.New/AddFunc/Start/Stop), using
// github.com/robfig/cron/v3 since the teacher itself has no cron
// dependency.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/s3db-go/s3db/pkg/logger"
	"github.com/s3db-go/s3db/pkg/plugin"
)

// Job is one scheduled unit of work: a standard five-field cron
// expression, a lock TTL (how long a held lock blocks other instances
// from running the same tick), and the function to run while holding it.
type Job struct {
	Name     string
	Schedule string
	LockTTL  time.Duration
	Fn       func(ctx context.Context) error
}

// Scheduler is the plugin: it owns a cron.Cron instance and a set of
// jobs, each guarded by a PluginStorage-backed lock.
type Scheduler struct {
	id   string
	jobs []Job
	log  *logger.Logger

	cron    *cron.Cron
	storage *plugin.Storage
	bus     func(event string, payload any)
}

// New builds a Scheduler plugin with the given id and job set.
func New(id string, jobs []Job, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.New("s3db", "dev")
	}
	return &Scheduler{id: id, jobs: jobs, log: log}
}

func (s *Scheduler) ID() string { return s.id }

// Setup acquires this plugin's PluginStorage handle and the event bus,
// per plugin.Plugin's lifecycle contract; it does not start the cron
// loop itself.
func (s *Scheduler) Setup(ctx context.Context, host *plugin.Framework) error {
	s.storage = host.Storage(s.id)
	s.bus = host.Events().Emit
	s.cron = cron.New()
	for _, job := range s.jobs {
		j := job
		if _, err := s.cron.AddFunc(j.Schedule, func() { s.runLocked(context.Background(), j) }); err != nil {
			return err
		}
	}
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	return nil
}

// Stop drains in-flight job runs before returning, per cron/v3's
// Stop() context cancellation signal.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

func lockKey(jobName string) string { return fmt.Sprintf("locks/%s", jobName) }

// lockRecord carries a per-acquisition fencing token alongside the TTL
// so releaseLock can tell its own lock apart from one a later instance
// took over after this one expired mid-run — without it, an instance
// whose lock expired while job.Fn was still running would delete
// whichever instance's lock happens to be there by the time it returns.
type lockRecord struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// runLocked attempts to acquire job's distributed lock before running
// Fn, skipping the tick entirely if another instance currently holds an
// unexpired lock.
func (s *Scheduler) runLocked(ctx context.Context, job Job) {
	token, ok := s.acquireLock(ctx, job)
	if !ok {
		s.log.Debugf("scheduler %s: skipping %s, lock held elsewhere", s.id, job.Name)
		return
	}
	defer s.releaseLock(ctx, job, token)

	if err := job.Fn(ctx); err != nil {
		s.log.Errorf("scheduler %s: job %s failed: %v", s.id, job.Name, err)
		if s.bus != nil {
			s.bus(fmt.Sprintf("scheduler:%s:job_failed", s.id), err)
		}
	}
}

// acquireLock returns the fencing token it wrote on success, so the
// matching releaseLock call only removes the lock if it's still the one
// this call created.
func (s *Scheduler) acquireLock(ctx context.Context, job Job) (string, bool) {
	ttl := job.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	token := uuid.NewString()
	rec := lockRecord{Token: token, ExpiresAt: time.Now().Add(ttl)}
	body := encodeLock(rec)
	key := lockKey(job.Name)

	if err := s.storage.PutIfAbsent(ctx, key, body, nil); err == nil {
		return token, true
	}

	existing, err := s.storage.Get(ctx, key)
	if err != nil {
		return "", false
	}
	if held, ok := decodeLock(existing.Body); ok && time.Now().After(held.ExpiresAt) {
		_ = s.storage.Delete(ctx, key)
		if s.storage.PutIfAbsent(ctx, key, body, nil) == nil {
			return token, true
		}
	}
	return "", false
}

// releaseLock only deletes the lock if it still holds the token this
// call's acquireLock wrote — if a later instance has since taken over
// (because this lock expired while job.Fn was still running), that
// instance's lock is left alone.
func (s *Scheduler) releaseLock(ctx context.Context, job Job, token string) {
	key := lockKey(job.Name)
	existing, err := s.storage.Get(ctx, key)
	if err != nil {
		return
	}
	if held, ok := decodeLock(existing.Body); ok && held.Token == token {
		_ = s.storage.Delete(ctx, key)
	}
}

func encodeLock(r lockRecord) []byte {
	data, _ := json.Marshal(r)
	return data
}

func decodeLock(body []byte) (lockRecord, bool) {
	var r lockRecord
	if err := json.Unmarshal(body, &r); err != nil {
		return lockRecord{}, false
	}
	return r, true
}
