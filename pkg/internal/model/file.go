// Package model 定义状态库的持久化模型.
package model

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"time"
)

// LifecycleState 文件生命周期状态，封闭枚举，持久化为小写字符串.
type LifecycleState uint8

const (
	Untracked LifecycleState = iota
	Uploading
	Processing
	Indexed
	Failed
)

var stateNames = [...]string{
	Untracked:  "untracked",
	Uploading:  "uploading",
	Processing: "processing",
	Indexed:    "indexed",
	Failed:     "failed",
}

// AllStates 按声明顺序返回全部状态.
func AllStates() []LifecycleState {
	return []LifecycleState{Untracked, Uploading, Processing, Indexed, Failed}
}

// ErrUnknownState 无法识别的状态字符串.
var ErrUnknownState = errors.New("unknown lifecycle state")

func (s LifecycleState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("LifecycleState(%d)", uint8(s))
}

// Valid 判断 s 是否为已定义的状态.
func (s LifecycleState) Valid() bool {
	return int(s) < len(stateNames)
}

// ParseLifecycleState 把持久化字符串解析为状态.
func ParseLifecycleState(v string) (LifecycleState, error) {
	for i, name := range stateNames {
		if name == v {
			return LifecycleState(i), nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownState, v)
}

// Value 实现 driver.Valuer，列中只保存纯字符串.
func (s LifecycleState) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, uint8(s))
	}

	return s.String(), nil
}

// Scan 实现 sql.Scanner.
func (s *LifecycleState) Scan(src any) error {
	var raw string

	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into LifecycleState", src)
	}

	parsed, err := ParseLifecycleState(raw)
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

func (s LifecycleState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownState, uint8(s))
	}

	return []byte(s.String()), nil
}

func (s *LifecycleState) UnmarshalText(b []byte) error {
	parsed, err := ParseLifecycleState(string(b))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// IntentKind 多步迁移的意图类型. IntentNone 持久化为 NULL.
type IntentKind uint8

const (
	IntentNone IntentKind = iota
	IntentReset
)

func (k IntentKind) String() string {
	switch k {
	case IntentNone:
		return ""
	case IntentReset:
		return "reset"
	default:
		return fmt.Sprintf("IntentKind(%d)", uint8(k))
	}
}

// Value 实现 driver.Valuer.
func (k IntentKind) Value() (driver.Value, error) {
	switch k {
	case IntentNone:
		return nil, nil
	case IntentReset:
		return "reset", nil
	default:
		return nil, fmt.Errorf("unknown intent kind %d", uint8(k))
	}
}

// Scan 实现 sql.Scanner.
func (k *IntentKind) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*k = IntentNone
	case string:
		return k.parse(v)
	case []byte:
		return k.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into IntentKind", src)
	}

	return nil
}

func (k *IntentKind) parse(v string) error {
	switch v {
	case "":
		*k = IntentNone
	case "reset":
		*k = IntentReset
	default:
		return fmt.Errorf("unknown intent kind %q", v)
	}

	return nil
}

func (k IntentKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *IntentKind) UnmarshalText(b []byte) error {
	return k.parse(string(b))
}

// FileRecord 每个被跟踪文件一行. 行永不删除，本地消失的文件只标记 Missing.
type FileRecord struct {
	Path           string         `gorm:"primaryKey;size:1024"                json:"path"`
	LifecycleState LifecycleState `gorm:"type:varchar(16);not null;index"     json:"lifecycle_state"`
	Version        int64          `gorm:"not null;default:0"                  json:"version"`
	ContentID      string         `gorm:"size:64"                             json:"content_id"`
	Eligible       bool           `gorm:"not null;default:false"              json:"eligible"`
	// 提取协作者附加的不透明元数据，原样随上传发送
	Metadata            string  `gorm:"type:text"       json:"metadata,omitempty"`
	TransientResourceID *string `gorm:"size:512"        json:"transient_resource_id"`
	PermanentResourceID *string `gorm:"size:512;index"  json:"permanent_resource_id"`
	// 写前意图，三个字段同时为空或同时非空
	IntentKind           IntentKind `gorm:"type:varchar(16);index:idx_intent,priority:1" json:"intent_kind,omitempty"`
	IntentStartedAt      *time.Time `gorm:"index:idx_intent,priority:2"                  json:"intent_started_at,omitempty"`
	IntentStepsCompleted *int       `json:"intent_steps_completed,omitempty"`
	FailureReason        string     `gorm:"type:text" json:"failure_reason,omitempty"`
	Missing              bool       `gorm:"not null;default:false" json:"missing"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// TableName 固定表名，外部工具可以直接读取.
func (FileRecord) TableName() string {
	return "file_records"
}

// HasIntent 是否存在未完成的多步迁移.
func (r *FileRecord) HasIntent() bool {
	return r.IntentKind != IntentNone
}

// Steps 返回已完成的意图步骤数，无意图时为 0.
func (r *FileRecord) Steps() int {
	if r.IntentStepsCompleted == nil {
		return 0
	}

	return *r.IntentStepsCompleted
}

// TransientID 返回临时资源 ID，为空时返回 "".
func (r *FileRecord) TransientID() string {
	return deref(r.TransientResourceID)
}

// PermanentID 返回永久资源 ID，为空时返回 "".
func (r *FileRecord) PermanentID() string {
	return deref(r.PermanentResourceID)
}

// ErrInvariant 记录违反持久化约束.
var ErrInvariant = errors.New("record invariant violated")

// MaxIntentSteps 重置迁移中远端调用的数量.
const MaxIntentSteps = 2

// CheckInvariants 校验单条记录的结构约束，返回所有违反项.
func (r *FileRecord) CheckInvariants() error {
	var errs []error

	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s: "+format, append([]any{ErrInvariant, r.Path}, args...)...))
	}

	if !r.LifecycleState.Valid() {
		fail("unknown state %d", uint8(r.LifecycleState))
	}

	if r.Version < 0 {
		fail("negative version %d", r.Version)
	}

	hasKind := r.IntentKind != IntentNone
	hasStarted := r.IntentStartedAt != nil
	hasSteps := r.IntentStepsCompleted != nil

	if hasKind != hasStarted || hasKind != hasSteps {
		fail("intent fields partially set (kind=%t started_at=%t steps=%t)", hasKind, hasStarted, hasSteps)
	}

	if hasSteps && (*r.IntentStepsCompleted < 0 || *r.IntentStepsCompleted > MaxIntentSteps) {
		fail("intent_steps_completed %d out of range", *r.IntentStepsCompleted)
	}

	if hasKind && r.LifecycleState != Indexed {
		fail("intent %s open on %s record", r.IntentKind, r.LifecycleState)
	}

	hasTransient := r.TransientResourceID != nil
	hasPermanent := r.PermanentResourceID != nil

	switch r.LifecycleState {
	case Indexed:
		// 重置意图完成前两个 ID 都保留，远端删除只推进步骤计数
		if !hasTransient || !hasPermanent {
			fail("indexed without both resource ids")
		}
	case Untracked, Failed, Uploading:
		if hasTransient || hasPermanent {
			fail("%s with resource ids", r.LifecycleState)
		}
	case Processing:
		if !hasTransient || hasPermanent {
			fail("processing must carry only the transient id")
		}
	}

	return errors.Join(errs...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}
