package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3db-go/s3db/pkg/codec"
	"github.com/s3db-go/s3db/pkg/database"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/pkg/schema"
	"github.com/s3db-go/s3db/plugins/gateway"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(context.Background(), "s3://k:s@fake-host/bucket/root?useFake=true", database.Options{EncryptionKey: "k"})
	require.NoError(t, err)
	require.NoError(t, db.Connect(context.Background()))
	_, err = db.CreateResource(context.Background(), database.CreateResourceSpec{
		Name: "orders",
		Attributes: schema.RawSchema{
			"status": {Rule: "string|required"},
		},
		Behavior: codec.Mixed,
	})
	require.NoError(t, err)
	return db
}

func newTestGateway(t *testing.T, db *database.Database) *gateway.Gateway {
	t.Helper()
	g := gateway.New("gateway", db, nil)
	framework := plugin.New(objectclient.NewFake(nil), eventbus.New(nil))
	require.NoError(t, g.Setup(context.Background(), framework))
	return g
}

func TestGatewayInsertThenGet(t *testing.T) {
	db := newTestDB(t)
	g := newTestGateway(t, db)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"id": "o1", "status": "new"})
	resp, err := http.Post(srv.URL+"/resources/orders", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	getResp, err := http.Get(srv.URL + "/resources/orders/o1")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var rec map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&rec))
	assert.Equal(t, "new", rec["Attributes"].(map[string]any)["status"])
}

func TestGatewayGetUnknownResourceReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	g := newTestGateway(t, db)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/resources/missing/x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGatewayDeleteIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	g := newTestGateway(t, db)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"id": "o2", "status": "new"})
	_, err := http.Post(srv.URL+"/resources/orders", "application/json", bytes.NewReader(body))
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/resources/orders/o2", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/resources/orders/o2", nil)
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
	resp2.Body.Close()
}
