package remediation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
)

// Task is deferred remediation work such as a human review request
type Task struct {
	ID        string                       `json:"id"`
	Kind      compliance.RemediationAction `json:"kind"`
	ResultID  string                       `json:"result_id,omitempty"`
	ThreatID  string                       `json:"threat_id,omitempty"`
	UserID    string                       `json:"user_id,omitempty"`
	Score     float64                      `json:"score"`
	Rules     []string                     `json:"rules,omitempty"`
	Reason    string                       `json:"reason,omitempty"`
	CreatedAt time.Time                    `json:"created_at"`
}

func taskFromResult(kind compliance.RemediationAction, result *compliance.ComplianceResult) Task {
	return Task{
		Kind:     kind,
		ResultID: result.ID,
		UserID:   result.Context.UserID,
		Score:    result.OverallComplianceScore,
		Rules:    result.NonCompliantRules(),
		Reason:   result.Explanation,
	}
}

// TaskSink receives drained tasks, e.g. a review queue or ticketing system
type TaskSink interface {
	HandleTask(ctx context.Context, task Task) error
}

// TaskSinkFunc adapts a function to TaskSink
type TaskSinkFunc func(ctx context.Context, task Task) error

func (f TaskSinkFunc) HandleTask(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// LogSink logs tasks and otherwise discards them
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a logging sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) HandleTask(_ context.Context, task Task) error {
	s.logger.Info("Remediation task",
		zap.String("task_id", task.ID),
		zap.String("kind", string(task.Kind)),
		zap.String("result_id", task.ResultID),
		zap.String("threat_id", task.ThreatID),
		zap.Float64("score", task.Score),
		zap.Strings("rules", task.Rules),
		zap.String("reason", task.Reason),
	)
	return nil
}
