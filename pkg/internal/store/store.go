// Package store 是文件记录的唯一持久化入口.
//
// 每个方法都是一条短语句（或读后写的两条语句），不会跨网络调用持有事务.
// 状态迁移全部以 version 列做乐观并发控制：条件不满足时返回 ErrConflict，
// 由调用方重新读取后决定重试或放弃.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yeisme/indexsync/pkg/internal/model"
)

var (
	// ErrNotFound 记录不存在.
	ErrNotFound = errors.New("file record not found")
	// ErrConflict 条件写入未命中任何行（版本或状态已被其他写者改变）.
	ErrConflict = errors.New("version conflict")
)

// Store 基于 gorm 的状态库.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Option 配置 Store.
type Option func(*Store)

// WithClock 替换时间来源，测试中用于固定 intent_started_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New 创建 Store.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Now 返回 Store 使用的当前时间.
func (s *Store) Now() time.Time {
	return s.now()
}

func (s *Store) records(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Model(&model.FileRecord{})
}

// Migrate 创建或更新 file_records 表.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&model.FileRecord{}); err != nil {
		return fmt.Errorf("migrate file_records: %w", err)
	}

	return nil
}

// TrackResult 扫描输入的处理结果.
type TrackResult struct {
	Created        bool
	ContentChanged bool
	Record         model.FileRecord
}

// Track 登记扫描器发现的文件. 新文件以 Untracked、version 0 创建；
// 已存在的记录只更新内容标识并清除 missing 标记，不改变版本.
func (s *Store) Track(ctx context.Context, path, contentID string) (TrackResult, error) {
	now := s.now()
	rec := model.FileRecord{
		Path:           path,
		LifecycleState: model.Untracked,
		ContentID:      contentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return TrackResult{}, fmt.Errorf("track %s: %w", path, res.Error)
	}

	if res.RowsAffected == 1 {
		return TrackResult{Created: true, Record: rec}, nil
	}

	existing, err := s.Get(ctx, path)
	if err != nil {
		return TrackResult{}, err
	}

	changed := existing.ContentID != contentID
	if !changed && !existing.Missing {
		return TrackResult{Record: existing}, nil
	}

	err = s.records(ctx).
		Where("path = ?", path).
		Updates(map[string]any{"content_id": contentID, "missing": false, "updated_at": now}).Error
	if err != nil {
		return TrackResult{}, fmt.Errorf("track %s: %w", path, err)
	}

	existing.ContentID = contentID
	existing.Missing = false
	existing.UpdatedAt = now

	return TrackResult{ContentChanged: changed, Record: existing}, nil
}

// MarkMissing 标记本地已消失的文件. 记录本身永不删除.
func (s *Store) MarkMissing(ctx context.Context, path string) error {
	res := s.records(ctx).
		Where("path = ?", path).
		Updates(map[string]any{"missing": true, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("mark missing %s: %w", path, res.Error)
	}

	if res.RowsAffected == 0 {
		return s.existsOr(ctx, path, nil)
	}

	return nil
}

// SetEligibility 写入提取协作者的上传资格与元数据. metadata 为 nil 时保留原值.
func (s *Store) SetEligibility(ctx context.Context, path string, eligible bool, metadata *string) error {
	values := map[string]any{"eligible": eligible, "updated_at": s.now()}
	if metadata != nil {
		values["metadata"] = *metadata
	}

	res := s.records(ctx).Where("path = ?", path).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("set eligibility %s: %w", path, res.Error)
	}

	if res.RowsAffected == 0 {
		return s.existsOr(ctx, path, nil)
	}

	return nil
}

// Get 读取单条记录.
func (s *Store) Get(ctx context.Context, path string) (model.FileRecord, error) {
	var rec model.FileRecord

	err := s.db.WithContext(ctx).Where("path = ?", path).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err != nil {
		return model.FileRecord{}, fmt.Errorf("get %s: %w", path, err)
	}

	return rec, nil
}

// existsOr 在零行命中后区分记录不存在与 fallback.
func (s *Store) existsOr(ctx context.Context, path string, fallback error) error {
	if _, err := s.Get(ctx, path); err != nil {
		return err
	}

	return fallback
}

// Fields 迁移时附带写入的列. nil 字段不修改.
type Fields struct {
	TransientResourceID *string
	PermanentResourceID *string
	ClearResourceIDs    bool
	FailureReason       *string
}

// Transition 一次 OCC 状态迁移.
type Transition struct {
	Path            string
	ExpectedVersion int64
	From            model.LifecycleState
	To              model.LifecycleState
	Set             Fields
}

// Transition 执行单条条件更新：
//
//	UPDATE file_records SET lifecycle_state=?, version=version+1, ...
//	WHERE path=? AND version=? AND lifecycle_state=? AND intent_kind IS NULL
//
// 零行命中返回 ErrConflict.
func (s *Store) Transition(ctx context.Context, t Transition) error {
	values := map[string]any{
		"lifecycle_state": t.To,
		"version":         gorm.Expr("version + 1"),
		"updated_at":      s.now(),
	}

	if t.Set.ClearResourceIDs {
		values["transient_resource_id"] = nil
		values["permanent_resource_id"] = nil
	}

	if t.Set.TransientResourceID != nil {
		values["transient_resource_id"] = *t.Set.TransientResourceID
	}

	if t.Set.PermanentResourceID != nil {
		values["permanent_resource_id"] = *t.Set.PermanentResourceID
	}

	if t.Set.FailureReason != nil {
		values["failure_reason"] = *t.Set.FailureReason
	}

	res := s.records(ctx).
		Where("path = ? AND version = ? AND lifecycle_state = ? AND intent_kind IS NULL", t.Path, t.ExpectedVersion, t.From).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("transition %s %s->%s: %w", t.Path, t.From, t.To, res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrConflict
	}

	return nil
}

// WriteResetIntent 事务 A：在 Indexed 记录上写入重置意图，不增加版本.
func (s *Store) WriteResetIntent(ctx context.Context, path string, version int64, startedAt time.Time) error {
	res := s.records(ctx).
		Where("path = ? AND version = ? AND lifecycle_state = ? AND intent_kind IS NULL", path, version, model.Indexed).
		Updates(map[string]any{
			"intent_kind":            model.IntentReset,
			"intent_started_at":      startedAt,
			"intent_steps_completed": 0,
			"updated_at":             s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("write reset intent %s: %w", path, res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrConflict
	}

	return nil
}

// RecordIntentProgress 记录已完成的远端调用数. 此时该行由进行中的迁移独占，不做版本检查.
func (s *Store) RecordIntentProgress(ctx context.Context, path string, steps int) error {
	if steps < 0 || steps > model.MaxIntentSteps {
		return fmt.Errorf("record intent progress %s: steps %d out of range", path, steps)
	}

	res := s.records(ctx).
		Where("path = ? AND intent_kind = ?", path, model.IntentReset).
		Updates(map[string]any{"intent_steps_completed": steps, "updated_at": s.now()})
	if res.Error != nil {
		return fmt.Errorf("record intent progress %s: %w", path, res.Error)
	}

	if res.RowsAffected > 0 {
		return nil
	}

	// 部分驱动只统计实际变化的行，重写相同值时也会是 0
	rec, err := s.Get(ctx, path)
	if err != nil {
		return err
	}

	if rec.IntentKind == model.IntentReset && rec.Steps() == steps {
		return nil
	}

	return ErrConflict
}

// FinalizeReset 事务 B：清除资源 ID 与意图字段，回到 Untracked，这是重置中唯一的版本递增.
func (s *Store) FinalizeReset(ctx context.Context, path string, version int64) error {
	res := s.records(ctx).
		Where("path = ? AND version = ? AND intent_kind = ?", path, version, model.IntentReset).
		Updates(map[string]any{
			"lifecycle_state":        model.Untracked,
			"transient_resource_id":  nil,
			"permanent_resource_id":  nil,
			"intent_kind":            nil,
			"intent_started_at":      nil,
			"intent_steps_completed": nil,
			"failure_reason":         "",
			"version":                gorm.Expr("version + 1"),
			"updated_at":             s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("finalize reset %s: %w", path, res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrConflict
	}

	return nil
}

// OpenIntents 返回所有未完成的意图，按开始时间排序.
func (s *Store) OpenIntents(ctx context.Context) ([]model.FileRecord, error) {
	var recs []model.FileRecord

	err := s.db.WithContext(ctx).
		Where("intent_kind IS NOT NULL").
		Order("intent_started_at ASC").
		Order("path ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list open intents: %w", err)
	}

	return recs, nil
}

// EscapeFailed 显式把 Failed 记录送回 Untracked，清除资源 ID 并递增版本.
func (s *Store) EscapeFailed(ctx context.Context, path string, version int64) error {
	res := s.records(ctx).
		Where("path = ? AND version = ? AND lifecycle_state = ? AND intent_kind IS NULL", path, version, model.Failed).
		Updates(map[string]any{
			"lifecycle_state":       model.Untracked,
			"transient_resource_id": nil,
			"permanent_resource_id": nil,
			"failure_reason":        "",
			"version":               gorm.Expr("version + 1"),
			"updated_at":            s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("escape failed %s: %w", path, res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrConflict
	}

	return nil
}

// Filter 列表查询条件.
type Filter struct {
	States         []model.LifecycleState
	EligibleOnly   bool
	ExcludeMissing bool
	PathPrefix     string
	Limit          int
	Offset         int
}

func (s *Store) filtered(ctx context.Context, f Filter) *gorm.DB {
	q := s.records(ctx)

	if len(f.States) > 0 {
		q = q.Where("lifecycle_state IN ?", f.States)
	}

	if f.EligibleOnly {
		q = q.Where("eligible = ?", true)
	}

	if f.ExcludeMissing {
		q = q.Where("missing = ?", false)
	}

	if f.PathPrefix != "" {
		q = q.Where("path LIKE ? ESCAPE '!'", escapeLike(f.PathPrefix)+"%")
	}

	return q
}

// List 按路径排序返回满足条件的记录.
func (s *Store) List(ctx context.Context, f Filter) ([]model.FileRecord, error) {
	q := s.filtered(ctx, f).Order("path ASC")

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var recs []model.FileRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}

	return recs, nil
}

// Count 返回满足条件的记录数，忽略 Limit/Offset.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := s.filtered(ctx, f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count file records: %w", err)
	}

	return n, nil
}

// CountByState 返回各状态的记录数，未出现的状态计为 0.
func (s *Store) CountByState(ctx context.Context) (map[model.LifecycleState]int64, error) {
	var rows []struct {
		LifecycleState model.LifecycleState
		N              int64
	}

	err := s.records(ctx).
		Select("lifecycle_state, COUNT(*) AS n").
		Group("lifecycle_state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}

	counts := make(map[model.LifecycleState]int64, len(model.AllStates()))
	for _, st := range model.AllStates() {
		counts[st] = 0
	}

	for _, r := range rows {
		counts[r.LifecycleState] = r.N
	}

	return counts, nil
}

// CanonicalPermanentIDs 返回所有 Indexed 记录引用的永久资源 ID.
func (s *Store) CanonicalPermanentIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string

	err := s.records(ctx).
		Where("lifecycle_state = ? AND permanent_resource_id IS NOT NULL", model.Indexed).
		Pluck("permanent_resource_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("read canonical set: %w", err)
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set, nil
}

// ReferencesPermanent 是否有任何记录（不论状态）引用该永久文档.
func (s *Store) ReferencesPermanent(ctx context.Context, id string) (bool, error) {
	var n int64

	if err := s.records(ctx).Where("permanent_resource_id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check permanent reference %s: %w", id, err)
	}

	return n > 0, nil
}

// Violation 审计发现的不一致记录.
type Violation struct {
	Path string
	Err  error
}

const verifyBatchSize = 500

// VerifyInvariants 逐批扫描全表并校验每条记录.
func (s *Store) VerifyInvariants(ctx context.Context) ([]Violation, error) {
	var (
		violations []Violation
		batch      []model.FileRecord
	)

	res := s.db.WithContext(ctx).FindInBatches(&batch, verifyBatchSize, func(_ *gorm.DB, _ int) error {
		for i := range batch {
			if err := batch[i].CheckInvariants(); err != nil {
				violations = append(violations, Violation{Path: batch[i].Path, Err: err})
			}
		}

		return nil
	})
	if res.Error != nil {
		return nil, fmt.Errorf("verify invariants: %w", res.Error)
	}

	return violations, nil
}

// Paths 返回以 prefix 开头的全部路径，用于扫描时识别消失的文件.
func (s *Store) Paths(ctx context.Context, prefix string) ([]string, error) {
	var paths []string

	err := s.filtered(ctx, Filter{PathPrefix: prefix}).Order("path ASC").Pluck("path", &paths).Error
	if err != nil {
		return nil, fmt.Errorf("list paths: %w", err)
	}

	return paths, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}
