package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSyncState(t *testing.T) {
	all := []string{"disconnected", "seeding", "idle", "processing_range"}
	SetSyncState("idle", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(SyncState.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(SyncState.WithLabelValues("seeding")))

	SetSyncState("seeding", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(SyncState.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(SyncState.WithLabelValues("seeding")))
}

func TestHandlerExposesPipelineMetrics(t *testing.T) {
	MessagesTotal.WithLabelValues("simulated").Inc()
	CursorUID.Set(12)

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "inbox_payout_messages_total"))
	assert.True(t, strings.Contains(body, "inbox_payout_cursor_uid 12"))
}
