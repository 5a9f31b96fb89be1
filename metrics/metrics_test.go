package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func Test_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Registered("ref")
	m.Confirmed(42)
	m.DedupHit()
	m.ShareResolved("exhausted")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsRegistered.WithLabelValues("ref")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.BytesStored))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DedupHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShareResolutions.WithLabelValues("exhausted")))
}

func Test_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Confirmed(1)
	m.Defect()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, w.Code)
}

func Test_Handler(t *testing.T) {
	m := New(nil)
	m.BlobDeleted()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(w.Body)
	assert.Contains(t, string(body), "dedupfs_blobs_deleted_total 1")
}
