package stats

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleMetrics(t *testing.T) {
	RecordsRejected.Add(2)
	defer RecordsRejected.Add(-2)

	rec := httptest.NewRecorder()
	HandleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, "text/plain; version=0.0.4", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "telemetry_records_rejected_total 2\n")
	assert.Contains(t, rec.Body.String(), "feed_clients ")
}
