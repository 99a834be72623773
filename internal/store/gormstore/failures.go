package gormstore

import (
	"context"
	"time"

	"dealscan/internal/ingest"
	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"
	"dealscan/internal/pkg/text"
)

const maxFailureMessage = 1024

func (s *GormStore) LogFetchFailure(ctx context.Context, f ingest.FetchFailure) error {
	const op = "gormstore.log_fetch_failure"
	if err := s.ready(op); err != nil {
		return err
	}
	msg := text.Truncate(f.Message, maxFailureMessage)
	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	model := fetchFailureModel{
		Engine:       f.Instrument.Engine,
		Market:       f.Instrument.Market,
		Code:         f.Instrument.Code,
		IntervalCode: f.Interval.Code(),
		Source:       f.Source,
		Kind:         string(f.Kind),
		Status:       f.Status,
		Message:      msg,
		At:           at.UTC(),
	}
	return storageErr(op, s.db.WithContext(ctx).Create(&model).Error)
}

// RecentFailures 返回最近的失败记录，最新的在前。
func (s *GormStore) RecentFailures(ctx context.Context, limit int) ([]ingest.FetchFailure, error) {
	const op = "gormstore.recent_failures"
	if err := s.ready(op); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var models []fetchFailureModel
	if err := s.db.WithContext(ctx).Order("occurred_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, storageErr(op, err)
	}
	out := make([]ingest.FetchFailure, 0, len(models))
	for _, m := range models {
		out = append(out, ingest.FetchFailure{
			Instrument: market.InstrumentRef{Engine: m.Engine, Market: m.Market, Code: m.Code},
			Interval:   market.Interval(m.IntervalCode),
			Source:     m.Source,
			Kind:       errkind.Kind(m.Kind),
			Status:     m.Status,
			Message:    m.Message,
			At:         m.At.UTC(),
		})
	}
	return out, nil
}
