package oauth2_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/plugins/oauth2"
)

func newOAuth2(t *testing.T, cfg oauth2.Config) *oauth2.OAuth2 {
	t.Helper()
	o := oauth2.New("identity", cfg)
	framework := plugin.New(objectclient.NewFake(cost.New(cost.DefaultPricingTable())), eventbus.New(nil))
	require.NoError(t, o.Setup(context.Background(), framework))
	return o
}

func TestIssueAndVerifyTokenRoundtrips(t *testing.T) {
	o := newOAuth2(t, oauth2.Config{SigningKey: "shared-secret", TokenTTL: time.Hour})

	token, err := o.IssueToken("alice", []string{"read", "write"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := o.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"read", "write"}, claims.Scopes)
}

func TestVerifyTokenRejectsWrongSigningKey(t *testing.T) {
	issuer := newOAuth2(t, oauth2.Config{SigningKey: "key-one"})
	verifier := newOAuth2(t, oauth2.Config{SigningKey: "key-two"})

	token, err := issuer.IssueToken("bob", nil)
	require.NoError(t, err)

	_, err = verifier.VerifyToken(token)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsExpiredToken(t *testing.T) {
	o := newOAuth2(t, oauth2.Config{SigningKey: "k", TokenTTL: -time.Second})

	token, err := o.IssueToken("carol", nil)
	require.NoError(t, err)

	_, err = o.VerifyToken(token)
	assert.Error(t, err)
}

func TestRegisterClientAndLookupCredential(t *testing.T) {
	o := newOAuth2(t, oauth2.Config{SigningKey: "k"})
	ctx := context.Background()

	require.NoError(t, o.RegisterClient(ctx, "svc-1", "hashed-secret", []string{"admin"}))

	hash, scopes, err := o.Credential(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, "hashed-secret", hash)
	assert.Equal(t, []string{"admin"}, scopes)
}

func TestCredentialNotFoundForUnknownSubject(t *testing.T) {
	o := newOAuth2(t, oauth2.Config{SigningKey: "k"})
	_, _, err := o.Credential(context.Background(), "nobody")
	assert.Error(t, err)
}
