package remediation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/compliance"
	"github.com/davidleathers/policy-guardian/internal/domain/errors"
	"github.com/davidleathers/policy-guardian/internal/ring"
)

// Handler applies one remediation action. It may mutate the result and the
// payload. A returned error is recorded and does not stop later actions.
type Handler func(ctx context.Context, result *compliance.ComplianceResult, payload map[string]interface{}) error

// Record is one entry of the remediation history
type Record struct {
	ResultID   string                       `json:"result_id"`
	Action     compliance.RemediationAction `json:"action"`
	Success    bool                         `json:"success"`
	Skipped    bool                         `json:"skipped,omitempty"`
	Error      string                       `json:"error,omitempty"`
	Duration   time.Duration                `json:"duration"`
	ExecutedAt time.Time                    `json:"executed_at"`
}

// Config holds dispatcher settings
type Config struct {
	HistorySize        int      `json:"history_size"`
	QueueSize          int      `json:"queue_size"`
	ConfidencePenalty  float64  `json:"confidence_penalty"`
	Disclaimer         string   `json:"disclaimer"`
	ModificationNotice string   `json:"modification_notice"`
	TextFields         []string `json:"text_fields"`
}

// DefaultConfig returns the standard dispatcher settings
func DefaultConfig() Config {
	return Config{
		HistorySize:        500,
		QueueSize:          256,
		ConfidencePenalty:  0.7,
		Disclaimer:         "\n\nThis response was generated by an AI system and may be inaccurate.",
		ModificationNotice: "[This response was modified to meet policy requirements] ",
		TextFields:         []string{"ai_response", "response", "content", "text"},
	}
}

// Stats summarises dispatcher activity
type Stats struct {
	Dispatched  uint64 `json:"dispatched"`
	Failed      int64  `json:"failed"`
	QueueDepth  int    `json:"queue_depth"`
	QueueCap    int    `json:"queue_capacity"`
	Enqueued    int64  `json:"enqueued"`
	Dropped     int64  `json:"dropped"`
	Processed   int64  `json:"processed"`
	TaskFailure int64  `json:"task_failures"`
}

// Dispatcher maps required actions to handlers and queues deferred work
type Dispatcher struct {
	logger *zap.Logger
	config Config
	sink   TaskSink

	mu       sync.RWMutex
	handlers map[compliance.RemediationAction]Handler

	history *ring.Buffer[Record]
	queue   chan Task

	failed       atomic.Int64
	enqueued     atomic.Int64
	dropped      atomic.Int64
	processed    atomic.Int64
	taskFailures atomic.Int64
}

// NewDispatcher creates a dispatcher with the built-in handlers. Deferred
// tasks are delivered to sink when drained; a nil sink logs them.
func NewDispatcher(logger *zap.Logger, config Config, sink TaskSink) *Dispatcher {
	if sink == nil {
		sink = NewLogSink(logger.Named("tasks"))
	}
	if config.ConfidencePenalty <= 0 || config.ConfidencePenalty > 1 {
		config.ConfidencePenalty = 0.7
	}
	if len(config.TextFields) == 0 {
		config.TextFields = DefaultConfig().TextFields
	}

	d := &Dispatcher{
		logger:   logger,
		config:   config,
		sink:     sink,
		handlers: make(map[compliance.RemediationAction]Handler),
		history:  ring.New[Record](config.HistorySize),
		queue:    make(chan Task, max(1, config.QueueSize)),
	}

	d.handlers[compliance.ActionBlockDecision] = d.blockDecision
	d.handlers[compliance.ActionModifyResponse] = d.modifyResponse
	d.handlers[compliance.ActionAddDisclaimer] = d.addDisclaimer
	d.handlers[compliance.ActionRequestHumanReview] = d.requestHumanReview
	d.handlers[compliance.ActionEscalateToSupervisor] = d.escalate
	d.handlers[compliance.ActionLogViolation] = d.logViolation
	d.handlers[compliance.ActionAdjustConfidence] = d.adjustConfidence
	d.handlers[compliance.ActionTriggerRetraining] = d.triggerRetraining

	return d
}

// Register installs or replaces the handler for action
func (d *Dispatcher) Register(action compliance.RemediationAction, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = handler
}

// Dispatch runs the handler of every required action in order. Successful
// actions are appended to result.AppliedActions. The records are also kept
// in the bounded history.
func (d *Dispatcher) Dispatch(ctx context.Context, result *compliance.ComplianceResult, payload map[string]interface{}) []Record {
	if result == nil {
		return nil
	}

	records := make([]Record, 0, len(result.RequiredActions))
	for _, action := range result.RequiredActions {
		d.mu.RLock()
		handler, ok := d.handlers[action]
		d.mu.RUnlock()

		rec := Record{
			ResultID:   result.ID,
			Action:     action,
			ExecutedAt: time.Now(),
		}

		if !ok {
			d.logger.Warn("No handler for remediation action, skipping",
				zap.String("result_id", result.ID),
				zap.String("action", string(action)),
			)
			rec.Skipped = true
			rec.Error = "no handler registered"
		} else if err := d.run(ctx, handler, result, payload); err != nil {
			appErr := errors.NewRemediationError(string(action), "remediation handler failed").WithCause(err)
			d.failed.Add(1)
			d.logger.Error("Remediation action failed",
				zap.String("result_id", result.ID),
				zap.String("action", string(action)),
				zap.Error(appErr),
			)
			rec.Error = appErr.Error()
		} else {
			rec.Success = true
			result.AppliedActions = append(result.AppliedActions, action)
		}

		rec.Duration = time.Since(rec.ExecutedAt)
		d.history.Push(rec)
		records = append(records, rec)
	}

	if len(records) > 0 {
		result.Trace("remediated", fmt.Sprintf("applied=%d required=%d", len(result.AppliedActions), len(result.RequiredActions)))
	}
	return records
}

func (d *Dispatcher) run(ctx context.Context, handler Handler, result *compliance.ComplianceResult, payload map[string]interface{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, result, payload)
}

// Enqueue adds a deferred task without blocking. A full queue drops the
// task and returns an error.
func (d *Dispatcher) Enqueue(task Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	select {
	case d.queue <- task:
		d.enqueued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		d.logger.Warn("Remediation queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Int("capacity", cap(d.queue)),
		)
		return errors.NewRemediationError(string(task.Kind), "remediation queue is full")
	}
}

// Drain delivers queued tasks to the sink until the queue is empty, ctx is
// done, or limit tasks were processed. A non-positive limit drains all
// currently queued tasks. It returns the number processed.
func (d *Dispatcher) Drain(ctx context.Context, limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		if ctx.Err() != nil {
			return n
		}
		select {
		case task := <-d.queue:
			if err := d.sink.HandleTask(ctx, task); err != nil {
				d.taskFailures.Add(1)
				d.logger.Error("Deferred remediation task failed",
					zap.String("task_id", task.ID),
					zap.String("kind", string(task.Kind)),
					zap.Error(err),
				)
			}
			d.processed.Add(1)
			n++
		default:
			return n
		}
	}
	return n
}

// History returns up to n recent dispatch records, oldest first
func (d *Dispatcher) History(n int) []Record {
	return d.history.Last(n)
}

// QueueDepth returns the number of tasks waiting to be drained
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Stats returns dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:  d.history.Total(),
		Failed:      d.failed.Load(),
		QueueDepth:  len(d.queue),
		QueueCap:    cap(d.queue),
		Enqueued:    d.enqueued.Load(),
		Dropped:     d.dropped.Load(),
		Processed:   d.processed.Load(),
		TaskFailure: d.taskFailures.Load(),
	}
}
