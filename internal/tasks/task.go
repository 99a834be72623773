package tasks

import (
	"errors"
	"fmt"
	"time"

	"dealscan/internal/returns"
)

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrTerminal 表示任务已处于终态，不允许再次迁移。
var ErrTerminal = errors.New("task already terminal")

// Task 是一次收益排名计算；终态写入后不可变。
type Task struct {
	ID         string         `json:"id"`
	Params     returns.Params `json:"params"`
	State      State          `json:"state"`
	Reason     string         `json:"reason,omitempty"`
	Longs      []returns.Deal `json:"longs"`
	Shorts     []returns.Deal `json:"shorts"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

var allowed = map[State][]State{
	StatePending: {StateRunning, StateFailed},
	StateRunning: {StateSucceeded, StateFailed},
}

// transition 执行一次状态迁移，终态之后的任何迁移都返回 ErrTerminal。
func (t *Task) transition(to State, at time.Time) error {
	if t.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, t.ID, t.State)
	}
	ok := false
	for _, next := range allowed[t.State] {
		if next == to {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.State, to)
	}
	t.State = to
	switch {
	case to == StateRunning:
		t.StartedAt = &at
	case to.Terminal():
		t.FinishedAt = &at
	}
	return nil
}

func (t Task) clone() Task {
	out := t
	out.Longs = append([]returns.Deal(nil), t.Longs...)
	out.Shorts = append([]returns.Deal(nil), t.Shorts...)
	return out
}
