// Package cost implements the per-Database CostAccountant: additive
// counters over requests and bytes, with a derived monetary estimate
// from a configurable, tier-aware pricing table. It never affects
// operation results — it is purely observational.
package cost

import "sync"

// Command is the kind of object-store request being accounted for.
type Command string

const (
	CommandPut    Command = "PUT"
	CommandGet    Command = "GET"
	CommandHead   Command = "HEAD"
	CommandDelete Command = "DELETE"
	CommandList   Command = "LIST"
)

// Tier is one band of a tiered pricing table, e.g. "first 50 TB/month".
type Tier struct {
	UpToBytes      int64 // 0 means unbounded (last tier)
	PricePerGByte  float64
}

// PricingTable prices requests and storage. Amounts are in an abstract
// currency unit (e.g. USD); callers decide the unit.
type PricingTable struct {
	PricePerRequest map[Command]float64
	StorageTiers    []Tier
}

// DefaultPricingTable is a representative tiered S3-like pricing model,
// not tied to any specific vendor's published rates.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		PricePerRequest: map[Command]float64{
			CommandPut:    0.000005,
			CommandGet:    0.0000004,
			CommandHead:   0.0000004,
			CommandDelete: 0,
			CommandList:   0.0000005,
		},
		StorageTiers: []Tier{
			{UpToBytes: 50 * 1 << 40, PricePerGByte: 0.023},
			{UpToBytes: 450 * 1 << 40, PricePerGByte: 0.022},
			{UpToBytes: 0, PricePerGByte: 0.021},
		},
	}
}

// Snapshot is the structured cost object returned by Accountant.Snapshot.
type Snapshot struct {
	RequestCounts   map[Command]int64
	RequestBytes    int64
	ResponseBytes   int64
	StoredBytes     int64
	EstimatedCost   float64
}

// Accountant maintains running counters for one Database instance. It is
// never a package-level singleton (per the redesign flag in spec.md §9):
// the Database owns one instance and passes it explicitly to the
// ObjectClient.
type Accountant struct {
	mu       sync.Mutex
	pricing  PricingTable
	counts   map[Command]int64
	reqBytes int64
	respBytes int64
	storedBytes int64
}

// New creates an Accountant using the given pricing table.
func New(pricing PricingTable) *Accountant {
	return &Accountant{
		pricing: pricing,
		counts:  make(map[Command]int64),
	}
}

// Record adds one completed request to the running totals.
func (a *Accountant) Record(cmd Command, requestBytes, responseBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[cmd]++
	a.reqBytes += requestBytes
	a.respBytes += responseBytes
}

// SetStoredBytes overwrites the estimated total bytes stored, typically
// refreshed from a periodic bucket-size scan.
func (a *Accountant) SetStoredBytes(n int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.storedBytes = n
}

// Snapshot returns a structured cost object for the counters accumulated
// so far, including a derived monetary estimate.
func (a *Accountant) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[Command]int64, len(a.counts))
	var requestCost float64
	for cmd, n := range a.counts {
		counts[cmd] = n
		requestCost += float64(n) * a.pricing.PricePerRequest[cmd]
	}

	storageCost := a.storageCostLocked()

	return Snapshot{
		RequestCounts: counts,
		RequestBytes:  a.reqBytes,
		ResponseBytes: a.respBytes,
		StoredBytes:   a.storedBytes,
		EstimatedCost: requestCost + storageCost,
	}
}

func (a *Accountant) storageCostLocked() float64 {
	remaining := a.storedBytes
	var cost float64
	var floor int64
	for _, tier := range a.pricing.StorageTiers {
		var tierBytes int64
		if tier.UpToBytes == 0 || remaining <= tier.UpToBytes-floor {
			tierBytes = remaining
		} else {
			tierBytes = tier.UpToBytes - floor
		}
		if tierBytes < 0 {
			tierBytes = 0
		}
		gib := float64(tierBytes) / (1 << 30)
		cost += gib * tier.PricePerGByte
		remaining -= tierBytes
		floor = tier.UpToBytes
		if remaining <= 0 {
			break
		}
	}
	return cost
}
