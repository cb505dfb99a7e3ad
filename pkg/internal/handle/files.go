package handle

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yeisme/indexsync/pkg/internal/model"
	"github.com/yeisme/indexsync/pkg/internal/store"
	"github.com/yeisme/indexsync/pkg/internal/types"
	"github.com/yeisme/indexsync/pkg/rule"
)

// ListFiles 按状态与路径前缀分页列出记录.
//
//	GET /api/v1/files?state=failed,processing&prefix=docs/&page=1&page_size=100
func ListFiles(c *gin.Context) {
	var req types.ListFilesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := rule.ValidateStruct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	states, err := parseStates(req.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, ok := getStore(c)
	if !ok {
		return
	}

	page := max(req.Page, 1)

	size := req.PageSize
	if size == 0 {
		size = types.DefaultPageSize
	}

	f := store.Filter{
		States:       states,
		EligibleOnly: req.Eligible,
		PathPrefix:   req.Prefix,
		Limit:        size,
		Offset:       (page - 1) * size,
	}

	ctx := c.Request.Context()

	total, err := s.Count(ctx, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	recs, err := s.List(ctx, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := types.ListFilesResponse{Total: total, Page: page, Size: size, Files: make([]types.FileView, 0, len(recs))}
	for _, rec := range recs {
		resp.Files = append(resp.Files, types.NewFileView(rec))
	}

	c.JSON(http.StatusOK, resp)
}

// GetFile 返回单条记录.
//
//	GET /api/v1/files/*path
func GetFile(c *gin.Context) {
	p := strings.TrimPrefix(c.Param("path"), "/")
	if !rule.IsRelPath(p) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}

	s, ok := getStore(c)
	if !ok {
		return
	}

	rec, err := s.Get(c.Request.Context(), p)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "file not tracked", "path": p})
		return
	}

	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, types.NewFileView(rec))
}

func parseStates(raw string) ([]model.LifecycleState, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var states []model.LifecycleState

	for _, part := range strings.Split(raw, ",") {
		st, err := model.ParseLifecycleState(strings.ToLower(strings.TrimSpace(part)))
		if err != nil {
			return nil, err
		}

		states = append(states, st)
	}

	return states, nil
}
