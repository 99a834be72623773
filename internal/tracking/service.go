// Package tracking 管理用户的品种跟踪配置，并负责清理无人引用的K线序列。
package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dealscan/internal/logger"
	"dealscan/internal/market"
	"dealscan/internal/pkg/errkind"
	"dealscan/internal/store"

	"github.com/go-playground/validator/v10"
)

type Repository interface {
	CreateConfig(ctx context.Context, cfg market.TrackingConfig) (market.TrackingConfig, error)
	ListConfigs(ctx context.Context, userID string) ([]market.TrackingConfig, error)
	ReorderConfigs(ctx context.Context, userID string, ids []int64) error
	DeleteConfigs(ctx context.Context, userID string, ids []int64) (int64, error)
	ReferencedSeries(ctx context.Context) ([]market.SeriesKey, error)
}

// SeriesPruner 是清理孤立序列所需的 CandleStore 子集。
type SeriesPruner interface {
	ListSeries(ctx context.Context) ([]store.SeriesInfo, error)
	DeleteSeries(ctx context.Context, key market.SeriesKey) error
}

// CapitalizationSource 返回按市值降序排列的前 n 只股票。
type CapitalizationSource interface {
	TopByCapitalization(ctx context.Context, n int) ([]market.InstrumentRef, error)
}

type Service struct {
	repo     Repository
	candles  SeriesPruner
	caps     CapitalizationSource
	kept     map[market.InstrumentRef]struct{}
	validate *validator.Validate
	log      logger.Entry
}

type Option func(*Service)

// WithKeptInstruments 标记不随配置删除而清理的品种（例如基准指数）。
func WithKeptInstruments(refs ...market.InstrumentRef) Option {
	return func(s *Service) {
		for _, ref := range refs {
			s.kept[ref] = struct{}{}
		}
	}
}

func WithCapitalization(src CapitalizationSource) Option {
	return func(s *Service) { s.caps = src }
}

func NewService(repo Repository, candles SeriesPruner, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		candles:  candles,
		kept:     make(map[market.InstrumentRef]struct{}),
		validate: validator.New(),
		log:      logger.Named("tracking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type createInput struct {
	UserID        string        `validate:"required,max=128"`
	Engine        string        `validate:"required,max=32"`
	Market        string        `validate:"required,max=32"`
	Code          string        `validate:"required,max=64"`
	Depth         int           `validate:"gte=1,lte=10000"`
	MaxUpdateRate time.Duration `validate:"gte=1m"`
}

// Create 校验并新增配置；同一用户重复的 (品种, 周期, 深度) 返回 conflict。
func (s *Service) Create(ctx context.Context, userID string, ref market.InstrumentRef, setting market.FetchSetting) (market.TrackingConfig, error) {
	const op = "tracking.create"
	ref = market.NewInstrumentRef(ref.Engine, ref.Market, ref.Code)
	in := createInput{
		UserID:        strings.TrimSpace(userID),
		Engine:        ref.Engine,
		Market:        ref.Market,
		Code:          ref.Code,
		Depth:         setting.Depth,
		MaxUpdateRate: setting.MaxUpdateRate,
	}
	if err := s.validate.Struct(in); err != nil {
		return market.TrackingConfig{}, errkind.Wrap(errkind.InvalidArgument, op, err)
	}
	if err := setting.Validate(); err != nil {
		return market.TrackingConfig{}, errkind.Wrap(errkind.InvalidArgument, op, err)
	}
	cfg, err := s.repo.CreateConfig(ctx, market.TrackingConfig{
		UserID:     in.UserID,
		Instrument: ref,
		Setting:    setting,
	})
	if err != nil {
		return market.TrackingConfig{}, err
	}
	s.log.Infof("%s 新增跟踪 %s depth=%d rate=%s", cfg.UserID, cfg.SeriesKey(), setting.Depth, setting.MaxUpdateRate)
	return cfg, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]market.TrackingConfig, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errkind.New(errkind.InvalidArgument, "tracking.list", "user id 必填")
	}
	return s.repo.ListConfigs(ctx, userID)
}

func (s *Service) Reorder(ctx context.Context, userID string, ids []int64) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errkind.New(errkind.InvalidArgument, "tracking.reorder", "user id 必填")
	}
	return s.repo.ReorderConfigs(ctx, userID, ids)
}

// Delete 删除配置后清理不再被任何配置引用的序列，返回删除的配置数。
func (s *Service) Delete(ctx context.Context, userID string, ids []int64) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, errkind.New(errkind.InvalidArgument, "tracking.delete", "user id 必填")
	}
	n, err := s.repo.DeleteConfigs(ctx, userID, ids)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := s.PruneOrphans(ctx); err != nil {
		return n, fmt.Errorf("配置已删除，但清理孤立序列失败: %w", err)
	}
	return n, nil
}

// PruneOrphans 删除没有任何配置引用的序列。先列出序列再读取引用：
// 期间新建的配置引用的序列要么不在列表中，要么已经出现在引用里。
func (s *Service) PruneOrphans(ctx context.Context) (int, error) {
	if s.candles == nil {
		return 0, nil
	}
	series, err := s.candles.ListSeries(ctx)
	if err != nil {
		return 0, err
	}
	refs, err := s.repo.ReferencedSeries(ctx)
	if err != nil {
		return 0, err
	}
	keep := make(map[market.SeriesKey]struct{}, len(refs))
	for _, k := range refs {
		keep[k] = struct{}{}
	}
	pruned := 0
	for _, info := range series {
		if _, ok := keep[info.Key]; ok {
			continue
		}
		if _, ok := s.kept[info.Key.Instrument]; ok {
			continue
		}
		if err := s.candles.DeleteSeries(ctx, info.Key); err != nil {
			return pruned, err
		}
		pruned++
		s.log.Infof("清理孤立序列 %s (%d 行)", info.Key, info.Rows)
	}
	return pruned, nil
}
