package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corci.pub/agent/internal/builder"
	"corci.pub/agent/internal/events"
	"corci.pub/agent/internal/protocol"
)

type discard struct{}

func (discard) Send(context.Context, *protocol.Envelope) error { return nil }

func (discard) SendBulk(context.Context, *protocol.Envelope) error { return nil }

func (discard) TrySend(*protocol.Envelope) bool { return true }

func TestStatusHandler(t *testing.T) {
	agent := builder.NewAgent(builder.Identity{AID: "a1b2c3d4", Platform: "android", Name: "brave-lion"}, t.TempDir(), discard{})
	handler := newStatusHandler(agent)

	// Test Cases
	tests := []struct {
		name string
		w    *httptest.ResponseRecorder
		r    *http.Request

		wantCode int
		wantBody []string
	}{
		{
			name: "Successful",
			w:    httptest.NewRecorder(),
			r:    httptest.NewRequest(http.MethodGet, "/status", nil),

			wantCode: http.StatusOK,
			wantBody: []string{OKStatusText, "aid: a1b2c3d4", "platform: android", "name: brave-lion"},
		},
	}

	// Run Tests
	for _, tc := range tests {
		handler(tc.w, tc.r)

		body, err := io.ReadAll(tc.w.Body)
		require.NoError(t, err)

		assert.Equal(t, tc.wantCode, tc.w.Code)
		for _, want := range tc.wantBody {
			assert.Contains(t, string(body), want)
		}
	}
}

func TestMetricsServer(t *testing.T) {
	agent := builder.NewAgent(builder.Identity{AID: "a1b2c3d4", Platform: "android"}, t.TempDir(), discard{})
	srv := httptest.NewServer(newMetricsServer("", agent).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "corci_agent_reconnects_total")
}

func TestRecordEvent(t *testing.T) {
	bus := events.NewBus(context.Background())
	subscribeMetrics(bus)

	concluded := testutil.ToFloat64(metricJobs.WithLabelValues("concluded"))
	inboundErrors := testutil.ToFloat64(metricTransfers.WithLabelValues(events.DirectionInbound, "error"))
	reconnects := testutil.ToFloat64(metricReconnects)

	bus.Publish(events.Event{Type: events.TaskConcludedEvent, BID: "b1", Platform: "android", Duration: 3 * time.Second})
	bus.Publish(events.Event{Type: events.TransferEvent, BID: "b1", Direction: events.DirectionInbound})
	observeReconnect(1, time.Second)
	require.NoError(t, bus.Close())

	assert.Equal(t, concluded+1, testutil.ToFloat64(metricJobs.WithLabelValues("concluded")))
	assert.Equal(t, inboundErrors+1, testutil.ToFloat64(metricTransfers.WithLabelValues(events.DirectionInbound, "error")))
	assert.Equal(t, reconnects+1, testutil.ToFloat64(metricReconnects))
}
