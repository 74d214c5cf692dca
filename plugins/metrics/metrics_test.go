package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/pkg/resource"
	"github.com/s3db-go/s3db/plugins/metrics"
)

func TestHandlerExposesCostAccountantSnapshot(t *testing.T) {
	accountant := cost.New(cost.DefaultPricingTable())
	accountant.Record(cost.CommandGet, 10, 200)

	m := metrics.New("metrics", accountant)
	bus := eventbus.New(nil)
	framework := plugin.New(objectclient.NewFake(cost.New(cost.DefaultPricingTable())), bus)
	require.NoError(t, m.Setup(context.Background(), framework))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "s3db_store_response_bytes_total 200")
}

func TestResourceOperationEventsIncrementCounters(t *testing.T) {
	accountant := cost.New(cost.DefaultPricingTable())
	m := metrics.New("metrics", accountant)
	bus := eventbus.New(nil)
	framework := plugin.New(objectclient.NewFake(cost.New(cost.DefaultPricingTable())), bus)
	require.NoError(t, m.Setup(context.Background(), framework))

	bus.Emit("orders:after:insert", resource.EventPayload{
		Record: map[string]any{"id": "o1"}, ResourceName: "orders", Op: "insert",
	})

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `s3db_resource_operations_total{op="insert",resource="orders"} 1`)
	}, time.Second, 10*time.Millisecond)
}
