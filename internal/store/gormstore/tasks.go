package gormstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"dealscan/internal/pkg/errkind"
	"dealscan/internal/returns"
	"dealscan/internal/tasks"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"
)

var _ tasks.Repository = (*GormStore)(nil)

// SaveTask 按 ID upsert 任务快照。
func (s *GormStore) SaveTask(ctx context.Context, t tasks.Task) error {
	const op = "gormstore.save_task"
	if err := s.ready(op); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" {
		return errkind.New(errkind.InvalidArgument, op, "task id 必填")
	}
	model, err := newReturnTaskModel(t)
	if err != nil {
		return errkind.Wrap(errkind.StorageUnavailable, op, err)
	}
	return storageErr(op, s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state", "reason", "params", "longs", "shorts", "started_at", "finished_at"}),
		}).
		Create(&model).Error)
}

func (s *GormStore) LoadTask(ctx context.Context, id string) (tasks.Task, error) {
	const op = "gormstore.load_task"
	if err := s.ready(op); err != nil {
		return tasks.Task{}, err
	}
	var model returnTaskModel
	if err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).First(&model).Error; err != nil {
		return tasks.Task{}, storageErr(op, err)
	}
	t, err := model.toTask()
	if err != nil {
		return tasks.Task{}, errkind.Wrap(errkind.StorageUnavailable, op, err)
	}
	return t, nil
}

func (s *GormStore) ListTasksByState(ctx context.Context, states ...tasks.State) ([]tasks.Task, error) {
	const op = "gormstore.list_tasks"
	if err := s.ready(op); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if len(states) > 0 {
		names := make([]string, 0, len(states))
		for _, st := range states {
			names = append(names, string(st))
		}
		q = q.Where("state IN ?", names)
	}
	var models []returnTaskModel
	if err := q.Find(&models).Error; err != nil {
		return nil, storageErr(op, err)
	}
	out := make([]tasks.Task, 0, len(models))
	for _, m := range models {
		t, err := m.toTask()
		if err != nil {
			return nil, errkind.Wrap(errkind.StorageUnavailable, op, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// DeleteFinishedBefore 删除终态且 FinishedAt 早于 before 的任务。
func (s *GormStore) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	const op = "gormstore.delete_finished"
	if err := s.ready(op); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at IS NOT NULL AND finished_at < ?",
			[]string{string(tasks.StateSucceeded), string(tasks.StateFailed)}, before.UTC()).
		Delete(&returnTaskModel{})
	if res.Error != nil {
		return 0, storageErr(op, res.Error)
	}
	return res.RowsAffected, nil
}

func newReturnTaskModel(t tasks.Task) (returnTaskModel, error) {
	params, err := json.Marshal(t.Params)
	if err != nil {
		return returnTaskModel{}, err
	}
	longs, err := marshalDeals(t.Longs)
	if err != nil {
		return returnTaskModel{}, err
	}
	shorts, err := marshalDeals(t.Shorts)
	if err != nil {
		return returnTaskModel{}, err
	}
	return returnTaskModel{
		ID:         t.ID,
		State:      string(t.State),
		Reason:     t.Reason,
		Params:     datatypes.JSON(params),
		Longs:      longs,
		Shorts:     shorts,
		CreatedAt:  t.CreatedAt.UTC(),
		StartedAt:  utcPtr(t.StartedAt),
		FinishedAt: utcPtr(t.FinishedAt),
	}, nil
}

func (m returnTaskModel) toTask() (tasks.Task, error) {
	t := tasks.Task{
		ID:         m.ID,
		State:      tasks.State(m.State),
		Reason:     m.Reason,
		CreatedAt:  m.CreatedAt.UTC(),
		StartedAt:  utcPtr(m.StartedAt),
		FinishedAt: utcPtr(m.FinishedAt),
	}
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &t.Params); err != nil {
			return tasks.Task{}, err
		}
	}
	if err := unmarshalDeals(m.Longs, &t.Longs); err != nil {
		return tasks.Task{}, err
	}
	if err := unmarshalDeals(m.Shorts, &t.Shorts); err != nil {
		return tasks.Task{}, err
	}
	return t, nil
}

func marshalDeals(deals []returns.Deal) (datatypes.JSON, error) {
	if deals == nil {
		deals = []returns.Deal{}
	}
	raw, err := json.Marshal(deals)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalDeals(raw datatypes.JSON, out *[]returns.Deal) error {
	*out = []returns.Deal{}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := t.UTC()
	return &ts
}
