// Package oauth2 is a collaborator plugin (spec.md §6.3): a minimal
// password-grant authorization server that issues and verifies JWTs,
// storing credentials and sessions through its own PluginStorage
// namespace rather than a Resource.
//
// Grounded directly on the teacher's own JWT issuance code
// (services/security/internal/engine/server.go's JWTClaims struct and
// generateTokens: jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
// .SignedString(secret)), using github.com/golang-jwt/jwt/v5.
package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/s3db-go/s3db/pkg/dberrors"
	"github.com/s3db-go/s3db/pkg/plugin"
)

// Claims mirrors the teacher's JWTClaims shape, scoped to a subject
// rather than a tenant/user pair since the engine has no multi-tenant
// concept of its own.
type Claims struct {
	Subject string `json:"subject"`
	Scopes  []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Credential is one registered client's stored secret, hashed and kept
// under this plugin's storage namespace.
type credential struct {
	Subject      string   `json:"subject"`
	SecretHash   string   `json:"secretHash"`
	Scopes       []string `json:"scopes"`
}

// OAuth2 is the plugin: it exposes IssueToken/VerifyToken for a
// gateway (or any in-process caller) to authenticate requests.
type OAuth2 struct {
	id         string
	signingKey []byte
	tokenTTL   time.Duration

	storage *plugin.Storage
}

// Config seeds the signing key and token lifetime; a random key is
// generated if SigningKey is empty, which only makes sense for a
// single-process deployment since restarts would invalidate live
// tokens.
type Config struct {
	SigningKey string
	TokenTTL   time.Duration
}

func New(id string, cfg Config) *OAuth2 {
	key := []byte(cfg.SigningKey)
	if len(key) == 0 {
		key = []byte(uuid.NewString() + uuid.NewString())
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &OAuth2{id: id, signingKey: key, tokenTTL: ttl}
}

func (o *OAuth2) ID() string { return o.id }

func (o *OAuth2) Setup(ctx context.Context, host *plugin.Framework) error {
	o.storage = host.Storage(o.id)
	return nil
}

func (o *OAuth2) Start(ctx context.Context) error { return nil }
func (o *OAuth2) Stop(ctx context.Context) error  { return nil }

func credentialKey(subject string) string { return fmt.Sprintf("credentials/%s", subject) }

// RegisterClient stores a new client credential. secretHash must
// already be hashed by the caller; this plugin never hashes or
// compares secrets itself, matching spec.md's "engine stores only what
// plugins hand it" boundary.
func (o *OAuth2) RegisterClient(ctx context.Context, subject, secretHash string, scopes []string) error {
	body, err := json.Marshal(credential{Subject: subject, SecretHash: secretHash, Scopes: scopes})
	if err != nil {
		return err
	}
	return o.storage.Put(ctx, credentialKey(subject), body, nil)
}

// IssueToken signs a JWT for subject with scopes, without checking any
// stored credential — callers that need password verification should
// look up the credential via Credential first and compare hashes
// themselves before calling this.
func (o *OAuth2) IssueToken(subject string, scopes []string) (string, error) {
	claims := &Claims{
		Subject: subject,
		Scopes:  scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(o.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   subject,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(o.signingKey)
	if err != nil {
		return "", dberrors.Wrap(dberrors.ValidationFailed, "token_sign_failed", "failed to sign token", err)
	}
	return signed, nil
}

// VerifyToken parses and validates tokenString, returning its claims.
func (o *OAuth2) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return o.signingKey, nil
	})
	if err != nil || !token.Valid {
		return nil, dberrors.New(dberrors.ValidationFailed, "invalid_token", "token is invalid or expired")
	}
	return claims, nil
}

// Credential looks up a registered client's stored credential.
func (o *OAuth2) Credential(ctx context.Context, subject string) (string, []string, error) {
	res, err := o.storage.Get(ctx, credentialKey(subject))
	if err != nil {
		return "", nil, err
	}
	var cred credential
	if err := json.Unmarshal(res.Body, &cred); err != nil {
		return "", nil, dberrors.Wrap(dberrors.ValidationFailed, "corrupt_credential", "stored credential is not valid JSON", err)
	}
	return cred.SecretHash, cred.Scopes, nil
}
