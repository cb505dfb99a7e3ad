package handle

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/types"
	"github.com/yeisme/indexsync/pkg/metrics"
)

// Stats 返回各状态的记录数，同时刷新 files_by_state 指标.
//
//	GET /api/v1/stats
func Stats(c *gin.Context) {
	s, ok := getStore(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()

	counts, err := s.CountByState(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	eligible, err := s.Count(ctx, store.Filter{EligibleOnly: true})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	open, err := s.OpenIntents(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := types.StatsResponse{ByState: make(map[string]int64, len(counts)), Eligible: eligible, OpenIntents: len(open)}
	for st, n := range counts {
		resp.ByState[st.String()] = n
		resp.Total += n

		metrics.FilesByState.WithLabelValues(st.String()).Set(float64(n))
	}

	c.JSON(http.StatusOK, resp)
}
