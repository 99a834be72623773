package gormstore

import (
	"context"
	"strings"
	"time"

	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"

	"gorm.io/gorm"
)

// CreateConfig 新增跟踪配置，Sequence 取该用户当前最大值 +1。
func (s *GormStore) CreateConfig(ctx context.Context, cfg market.TrackingConfig) (market.TrackingConfig, error) {
	const op = "gormstore.create_config"
	if err := s.ready(op); err != nil {
		return market.TrackingConfig{}, err
	}
	cfg.UserID = strings.TrimSpace(cfg.UserID)
	if cfg.UserID == "" {
		return market.TrackingConfig{}, errkind.New(errkind.InvalidArgument, op, "user id 必填")
	}
	model := newTrackingConfigModel(cfg)
	model.LastFetchAt = nil
	model.LastOutcome = string(market.OutcomeUnknown)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dup int64
		if err := tx.Model(&trackingConfigModel{}).
			Where("user_id = ? AND engine = ? AND market = ? AND code = ? AND interval_code = ? AND depth = ?",
				model.UserID, model.Engine, model.Market, model.Code, model.IntervalCode, model.Depth).
			Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return errkind.New(errkind.Conflict, op, "%s 已存在相同配置 %s@%s depth=%d",
				model.UserID, cfg.Instrument, cfg.Setting.Interval, model.Depth)
		}
		var maxSeq int
		if err := tx.Model(&trackingConfigModel{}).
			Where("user_id = ?", model.UserID).
			Select("COALESCE(MAX(sequence), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}
		model.Sequence = maxSeq + 1
		return tx.Create(&model).Error
	})
	if err != nil {
		return market.TrackingConfig{}, storageErr(op, err)
	}
	return model.toConfig(), nil
}

// ListConfigs 返回用户的配置，按 Sequence 排序。
func (s *GormStore) ListConfigs(ctx context.Context, userID string) ([]market.TrackingConfig, error) {
	const op = "gormstore.list_configs"
	if err := s.ready(op); err != nil {
		return nil, err
	}
	var models []trackingConfigModel
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("sequence ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return toConfigs(models), nil
}

// AllConfigs 返回全部用户的配置，供后台定时刷新使用。
func (s *GormStore) AllConfigs(ctx context.Context) ([]market.TrackingConfig, error) {
	const op = "gormstore.all_configs"
	if err := s.ready(op); err != nil {
		return nil, err
	}
	var models []trackingConfigModel
	if err := s.db.WithContext(ctx).Order("user_id ASC, sequence ASC, id ASC").Find(&models).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return toConfigs(models), nil
}

func (s *GormStore) ConfigsByIDs(ctx context.Context, ids []int64) ([]market.TrackingConfig, error) {
	const op = "gormstore.configs_by_ids"
	if err := s.ready(op); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []market.TrackingConfig{}, nil
	}
	var models []trackingConfigModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("sequence ASC, id ASC").Find(&models).Error; err != nil {
		return nil, storageErr(op, err)
	}
	return toConfigs(models), nil
}

// ReorderConfigs 按 ids 顺序把 Sequence 重写为 1..n；ids 必须全部属于该用户。
func (s *GormStore) ReorderConfigs(ctx context.Context, userID string, ids []int64) error {
	const op = "gormstore.reorder_configs"
	if err := s.ready(op); err != nil {
		return err
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return errkind.New(errkind.InvalidArgument, op, "ids 不能为空")
	}
	userID = strings.TrimSpace(userID)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owned int64
		if err := tx.Model(&trackingConfigModel{}).
			Where("user_id = ? AND id IN ?", userID, ids).
			Count(&owned).Error; err != nil {
			return err
		}
		if int(owned) != len(ids) {
			return errkind.New(errkind.NotFound, op, "%s 只拥有 %d/%d 个配置", userID, owned, len(ids))
		}
		for i, id := range ids {
			if err := tx.Model(&trackingConfigModel{}).
				Where("id = ?", id).
				Update("sequence", i+1).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr(op, err)
}

// DeleteConfigs 删除用户名下的配置，返回实际删除的行数。
func (s *GormStore) DeleteConfigs(ctx context.Context, userID string, ids []int64) (int64, error) {
	const op = "gormstore.delete_configs"
	if err := s.ready(op); err != nil {
		return 0, err
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND id IN ?", strings.TrimSpace(userID), ids).
		Delete(&trackingConfigModel{})
	if res.Error != nil {
		return 0, storageErr(op, res.Error)
	}
	return res.RowsAffected, nil
}

// RecordFetch 更新拉取结果；at 为空时只写 LastOutcome，保留上次成功时间。
func (s *GormStore) RecordFetch(ctx context.Context, configID int64, outcome market.Outcome, at *time.Time) error {
	const op = "gormstore.record_fetch"
	if err := s.ready(op); err != nil {
		return err
	}
	updates := map[string]interface{}{"last_outcome": string(outcome)}
	if at != nil {
		ts := at.UTC()
		updates["last_fetch_at"] = ts
	}
	res := s.db.WithContext(ctx).Model(&trackingConfigModel{}).Where("id = ?", configID).Updates(updates)
	if res.Error != nil {
		return storageErr(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return errkind.New(errkind.NotFound, op, "config %d 不存在", configID)
	}
	return nil
}

// ReferencedSeries 返回仍被任意配置引用的 (品种, 周期)。
func (s *GormStore) ReferencedSeries(ctx context.Context) ([]market.SeriesKey, error) {
	const op = "gormstore.referenced_series"
	if err := s.ready(op); err != nil {
		return nil, err
	}
	var rows []struct {
		Engine       string
		Market       string
		Code         string
		IntervalCode int
	}
	if err := s.db.WithContext(ctx).Model(&trackingConfigModel{}).
		Distinct("engine", "market", "code", "interval_code").
		Order("engine, market, code, interval_code").
		Scan(&rows).Error; err != nil {
		return nil, storageErr(op, err)
	}
	out := make([]market.SeriesKey, 0, len(rows))
	for _, r := range rows {
		out = append(out, market.SeriesKey{
			Instrument: market.NewInstrumentRef(r.Engine, r.Market, r.Code),
			Interval:   market.Interval(r.IntervalCode),
		})
	}
	return out, nil
}

func newTrackingConfigModel(cfg market.TrackingConfig) trackingConfigModel {
	ref := market.NewInstrumentRef(cfg.Instrument.Engine, cfg.Instrument.Market, cfg.Instrument.Code)
	outcome := cfg.LastOutcome
	if outcome == "" {
		outcome = market.OutcomeUnknown
	}
	return trackingConfigModel{
		ID:               cfg.ID,
		UserID:           strings.TrimSpace(cfg.UserID),
		Engine:           ref.Engine,
		Market:           ref.Market,
		Code:             ref.Code,
		IntervalCode:     cfg.Setting.Interval.Code(),
		Depth:            cfg.Setting.Depth,
		MaxUpdateRateSec: int64(cfg.Setting.MaxUpdateRate / time.Second),
		Sequence:         cfg.Sequence,
		LastFetchAt:      cfg.LastFetchAt,
		LastOutcome:      string(outcome),
	}
}

func (m trackingConfigModel) toConfig() market.TrackingConfig {
	var last *time.Time
	if m.LastFetchAt != nil {
		ts := m.LastFetchAt.UTC()
		last = &ts
	}
	return market.TrackingConfig{
		ID:     m.ID,
		UserID: m.UserID,
		Instrument: market.InstrumentRef{
			Engine: m.Engine,
			Market: m.Market,
			Code:   m.Code,
		},
		Setting: market.FetchSetting{
			Interval:      market.Interval(m.IntervalCode),
			Depth:         m.Depth,
			MaxUpdateRate: time.Duration(m.MaxUpdateRateSec) * time.Second,
		},
		Sequence:    m.Sequence,
		LastFetchAt: last,
		LastOutcome: market.Outcome(m.LastOutcome),
	}
}

func toConfigs(models []trackingConfigModel) []market.TrackingConfig {
	out := make([]market.TrackingConfig, 0, len(models))
	for _, m := range models {
		out = append(out, m.toConfig())
	}
	return out
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
