package store

import (
	"context"
	"errors"

	"github.com/seantiz/anvil/internal/model"
)

// ErrInvalidTransition is returned when an execution status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	CountByScriptType map[string]int `json:"count_by_script_type"`
	CountByErrorKind  map[string]int `json:"count_by_error_kind"`
	AvgDurationMS     float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for executions.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, limit, offset int) ([]*model.Execution, int, error)
	UpdateExecutionStatus(ctx context.Context, id, status string) error
	FinishExecution(ctx context.Context, e *model.Execution) error
	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertLogLine(ctx context.Context, executionID string, seq int, level, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error)
	Close() error
}
