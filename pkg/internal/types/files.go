// Package types 定义只读 API 使用的请求与响应结构体.
package types

import (
	"time"

	"github.com/yeisme/indexsync/pkg/internal/model"
)

// 列表分页默认值.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// ListFilesRequest 文件列表查询参数.
type ListFilesRequest struct {
	// 逗号分隔的状态，例如 "failed,processing"
	State    string `form:"state"     json:"state,omitempty"`
	Prefix   string `form:"prefix"    json:"prefix,omitempty"    rule:"max=1024"`
	Eligible bool   `form:"eligible"  json:"eligible,omitempty"`
	Page     int    `form:"page"      json:"page,omitempty"      rule:"min=0"`
	PageSize int    `form:"page_size" json:"page_size,omitempty" rule:"min=0,max=1000"`
}

// FileView 单条记录的对外视图.
type FileView struct {
	Path                string      `json:"path"`
	State               string      `json:"state"`
	Version             int64       `json:"version"`
	ContentID           string      `json:"content_id,omitempty"`
	Eligible            bool        `json:"eligible"`
	Missing             bool        `json:"missing"`
	TransientResourceID string      `json:"transient_resource_id,omitempty"`
	PermanentResourceID string      `json:"permanent_resource_id,omitempty"`
	FailureReason       string      `json:"failure_reason,omitempty"`
	Intent              *IntentView `json:"intent,omitempty"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// IntentView 未完成的写前意图.
type IntentView struct {
	Kind           string    `json:"kind"`
	StartedAt      time.Time `json:"started_at"`
	StepsCompleted int       `json:"steps_completed"`
}

// NewFileView 从持久化记录构造视图.
func NewFileView(rec model.FileRecord) FileView {
	v := FileView{
		Path:                rec.Path,
		State:               rec.LifecycleState.String(),
		Version:             rec.Version,
		ContentID:           rec.ContentID,
		Eligible:            rec.Eligible,
		Missing:             rec.Missing,
		TransientResourceID: rec.TransientID(),
		PermanentResourceID: rec.PermanentID(),
		FailureReason:       rec.FailureReason,
		UpdatedAt:           rec.UpdatedAt,
	}

	if rec.HasIntent() && rec.IntentStartedAt != nil {
		v.Intent = &IntentView{
			Kind:           rec.IntentKind.String(),
			StartedAt:      *rec.IntentStartedAt,
			StepsCompleted: rec.Steps(),
		}
	}

	return v
}

// ListFilesResponse 文件列表响应.
type ListFilesResponse struct {
	Total int64      `json:"total"`
	Page  int        `json:"page"`
	Size  int        `json:"size"`
	Files []FileView `json:"files"`
}
