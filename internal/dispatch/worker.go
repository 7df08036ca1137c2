package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/insightpilot/insightpilot/internal/observability"
)

// Runner executes one turn. Implemented by the agent run loop.
type Runner interface {
	RunTurn(ctx context.Context, userID, sessionID, messageID string) error
}

// ErrQueueFull indicates the worker's job queue is saturated.
var ErrQueueFull = errors.New("worker queue full")

// Worker is the execution substrate's entry point. Invoke is
// idempotent: the run loop's conditional pending -> processing
// transition makes a duplicate delivery for an already-started message
// a no-op, so the substrate may deliver the same job more than once.
//
// Worker doubles as the in-process substrate: Enqueue hands tokens to
// a bounded pool of goroutines that call Invoke.
type Worker struct {
	runner      Runner
	codec       *TokenCodec
	logger      *observability.Logger
	metrics     *observability.Metrics
	concurrency int

	jobs chan string
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewWorker creates a worker pool. concurrency bounds turns running at
// once across all sessions.
func NewWorker(runner Runner, codec *TokenCodec, concurrency int, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Worker{
		runner:      runner,
		codec:       codec,
		logger:      logger,
		metrics:     metrics,
		concurrency: concurrency,
		jobs:        make(chan string, concurrency*4),
		done:        make(chan struct{}),
	}
}

// Start launches the pool.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		for i := 0; i < w.concurrency; i++ {
			w.wg.Add(1)
			go w.run()
		}
	})
}

// Stop stops the pool after in-flight invocations finish. Jobs still
// queued are dropped; their turns stay pending and are re-runnable.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
}

// Enqueue accepts a signed job for asynchronous execution. It never
// blocks the caller; a saturated queue fails fast.
func (w *Worker) Enqueue(token string) error {
	select {
	case w.jobs <- token:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case token := <-w.jobs:
			if err := w.Invoke(context.Background(), token); err != nil {
				w.logger.Error(context.Background(), "job invocation failed", "error", err)
			}
		}
	}
}

// Invoke verifies the job token and runs the turn. The returned error
// reflects delivery problems only (bad token, unreachable store); the
// turn's own outcome is finalized on the message, never propagated
// here, so the substrate does not redeliver a turn that failed on its
// merits.
func (w *Worker) Invoke(ctx context.Context, token string) error {
	claims, err := w.codec.Verify(token)
	if err != nil {
		if w.metrics != nil {
			w.metrics.ErrorCounter.WithLabelValues("dispatch", "bad_token").Inc()
		}
		return err
	}

	ctx = observability.WithSessionID(ctx, claims.SessionID)
	ctx = observability.WithTurnID(ctx, claims.MessageID)

	if err := w.runner.RunTurn(ctx, claims.UserID, claims.SessionID, claims.MessageID); err != nil {
		if w.metrics != nil {
			w.metrics.ErrorCounter.WithLabelValues("dispatch", "run_failed").Inc()
		}
		return fmt.Errorf("run turn %s: %w", claims.MessageID, err)
	}
	return nil
}
