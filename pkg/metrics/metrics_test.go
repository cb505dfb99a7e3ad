package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yeisme/indexsync/pkg/configs"
)

func TestInitMetricsIsIdempotent(t *testing.T) {
	cfg := configs.MetricsConfig{Enabled: true}

	require.NoError(t, InitMetrics(cfg))
	require.NoError(t, InitMetrics(cfg))
}

func TestMetricsEndpointExportsDomainCounters(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := configs.MetricsConfig{Enabled: true}
	require.NoError(t, InitMetrics(cfg))

	Transitions.WithLabelValues("untracked", "uploading").Inc()

	engine := gin.New()
	require.NoError(t, StartMetricsServer(cfg, engine))

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `indexsync_transitions_total{from="untracked",to="uploading"}`)
}
