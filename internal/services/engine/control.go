package engine

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/bobmcallan/animus/internal/common"
	"github.com/bobmcallan/animus/internal/errors"
	"github.com/bobmcallan/animus/internal/interfaces"
	"github.com/bobmcallan/animus/internal/metrics"
	"github.com/bobmcallan/animus/internal/models"
	"github.com/bobmcallan/animus/internal/services/faculty"
)

// ControlConfig holds the dispatch loop's settings.
type ControlConfig struct {
	FocusBaseDir             string
	QueueName                string
	VisibilityTimeoutSeconds int
	PollInterval             time.Duration
	MaxConcurrent            int
	DefaultMaxAttempts       int
	// BreakerFailureThreshold opens a work type's circuit after this many
	// consecutive focus failures. Zero disables the breaker.
	BreakerFailureThreshold int
	BreakerOpenTimeout      time.Duration
}

// ControlConfigFrom maps the daemon configuration into a ControlConfig.
func ControlConfigFrom(c common.ControlPlaneConfig) ControlConfig {
	return ControlConfig{
		FocusBaseDir:             c.FocusBaseDir,
		QueueName:                c.QueueName,
		VisibilityTimeoutSeconds: c.VisibilityTimeoutSeconds,
		PollInterval:             c.GetPollInterval(),
		MaxConcurrent:            c.GetMaxConcurrent(),
		DefaultMaxAttempts:       c.GetDefaultMaxAttempts(),
		BreakerFailureThreshold:  c.BreakerFailureThreshold,
		BreakerOpenTimeout:       c.GetBreakerOpenTimeout(),
	}
}

// ControlPlane moves work from queued through execution to a terminal
// state. It wakes on work_ready notifications with a poll fallback, claims
// one message at a time under the visibility timeout, and runs each item's
// focus pipeline in its own goroutine up to MaxConcurrent.
type ControlPlane struct {
	storage  interfaces.StorageManager
	registry *faculty.Registry
	logger   *common.Logger
	config   ControlConfig
	workerID string

	activeFoci atomic.Int64

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControlPlane creates a control plane.
func NewControlPlane(
	storage interfaces.StorageManager,
	registry *faculty.Registry,
	logger *common.Logger,
	config ControlConfig,
) *ControlPlane {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &ControlPlane{
		storage:  storage,
		registry: registry,
		logger:   logger,
		config:   config,
		workerID: fmt.Sprintf("%s/%s", host, uuid.New().String()[:8]),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// safeGo launches a goroutine with panic recovery and logging.
func (cp *ControlPlane) safeGo(name string, fn func()) {
	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				cp.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in control plane goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the dispatch loop. Safe to call multiple times; stops any
// existing loop before starting.
func (cp *ControlPlane) Start() {
	if cp.cancel != nil {
		cp.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cp.cancel = cancel

	cp.safeGo("dispatch", func() { cp.run(ctx) })

	cp.logger.Info().
		Str("worker_id", cp.workerID).
		Str("queue", cp.config.QueueName).
		Int("max_concurrent", cp.config.MaxConcurrent).
		Dur("poll_interval", cp.config.PollInterval).
		Msg("Control plane started")
}

// Stop cancels the loop and drains in-flight foci. Running hooks are not
// force-killed; the visibility timeout covers a crash mid-execution.
func (cp *ControlPlane) Stop() {
	if cp.cancel != nil {
		cp.cancel()
		cp.cancel = nil
	}
	cp.wg.Wait()
	cp.logger.Info().Msg("Control plane stopped")
}

// run is the main loop: wait for shutdown, a work_ready notification, or
// the poll tick; then drain whatever is dispatchable. Errors are logged,
// never fatal: a single transient failure must not kill the loop.
func (cp *ControlPlane) run(ctx context.Context) {
	if err := os.MkdirAll(cp.config.FocusBaseDir, 0o755); err != nil {
		cp.logger.Error().Err(err).Str("dir", cp.config.FocusBaseDir).Msg("Cannot create focus base dir")
		return
	}

	notifications, err := cp.storage.Notifier().Subscribe(ctx, "work_ready")
	if err != nil {
		// Poll-only operation still makes progress; notifications are an
		// optimization, not a correctness requirement.
		cp.logger.Warn().Err(err).Msg("work_ready subscription failed, polling only")
		notifications = nil
	}

	ticker := time.NewTicker(cp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cp.logger.Info().Msg("Control plane shutting down")
			return

		case workType, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			cp.logger.Debug().Str("work_type", workType).Msg("Notified of new work")

		case <-ticker.C:
		}

		cp.drain(ctx)
	}
}

// drain dispatches until processOne reports nothing more to dispatch (an
// empty queue, capacity reached, or a message it did not dispatch) or fails.
func (cp *ControlPlane) drain(ctx context.Context) {
	for {
		dispatched, err := cp.processOne(ctx)
		if err != nil {
			cp.logger.Warn().Err(err).Msg("process_one error")
			return
		}
		if !dispatched {
			return
		}
	}
}

// processOne claims and dispatches at most one work item. It returns true
// when a focus was dispatched or a circuit-broken item was dead-lettered,
// and the caller should immediately try again. It returns false when there
// is nothing to do, at capacity, and when the message was left for
// redelivery or archived after a lost claim race.
func (cp *ControlPlane) processOne(ctx context.Context) (bool, error) {
	if int(cp.activeFoci.Load()) >= cp.config.MaxConcurrent {
		return false, nil
	}

	msg, err := cp.storage.WorkQueue().Read(ctx, cp.config.QueueName, cp.config.VisibilityTimeoutSeconds)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}

	payload, err := models.DecodeWorkPayload(msg.Payload)
	if err != nil {
		// Leave the message; the visibility timeout returns it for another
		// reader that might understand it.
		cp.logger.Warn().
			Int64("msg_id", msg.MsgID).
			Err(err).
			Msg("Bad queue payload, leaving for redelivery")
		return false, nil
	}

	item, err := cp.storage.WorkStore().Get(ctx, payload.WorkItemID)
	if err != nil {
		return false, err
	}

	fac := cp.registry.ForWorkType(item.WorkType)
	if fac == nil {
		// Unroutable work stays queued: the operator adds a faculty and the
		// visibility timeout redelivers the message.
		cp.logger.Warn().
			Str("work_id", item.ID.String()).
			Str("work_type", item.WorkType).
			Msg("No faculty for work type, leaving queued")
		return false, nil
	}

	if cb := cp.breakerFor(item.WorkType); cb != nil && cb.State() == gobreaker.StateOpen {
		cp.logger.Warn().
			Str("work_id", item.ID.String()).
			Str("work_type", item.WorkType).
			Msg("Circuit open, dead-lettering queued work")
		if err := cp.storage.WorkStore().DeadLetter(ctx, item.ID, models.StateQueued, "circuit open"); err != nil {
			return false, err
		}
		cp.archive(ctx, msg.MsgID)
		return true, nil
	}

	if err := cp.storage.WorkStore().Claim(ctx, item.ID, cp.workerID); err != nil {
		if errors.IsInvalidTransition(err) {
			// Lost the claim race: another dispatcher owns this item.
			cp.archive(ctx, msg.MsgID)
			return false, nil
		}
		return false, err
	}

	if err := cp.storage.WorkStore().Start(ctx, item.ID, cp.workerID); err != nil {
		// The executor failed to start; put the item back for redelivery.
		if reqErr := cp.storage.WorkStore().Transition(ctx, item.ID, models.StateClaimed, models.StateQueued); reqErr != nil {
			cp.logger.Error().Str("work_id", item.ID.String()).Err(reqErr).Msg("Failed to re-queue after start failure")
		}
		return false, err
	}

	cp.activeFoci.Add(1)
	metrics.ActiveFoci.Inc()

	cp.safeGo("focus-"+item.ID.String()[:8], func() {
		defer func() {
			cp.activeFoci.Add(-1)
			metrics.ActiveFoci.Dec()
		}()
		// Retirement must outlive loop shutdown so in-flight work drains to
		// a consistent state.
		cp.execute(context.Background(), item, fac, msg.MsgID)
	})

	return true, nil
}

// execute runs the focus pipeline and retires the work item.
func (cp *ControlPlane) execute(ctx context.Context, item *models.WorkItem, fac *faculty.Meta, msgID int64) {
	start := time.Now()

	focus, err := NewFocus(cp.config.FocusBaseDir, item, cp.logger)
	if err != nil {
		cp.retire(ctx, item, msgID, FocusResult{
			FailedPhase: "orient",
			Error:       err.Error(),
			DurationMS:  time.Since(start).Milliseconds(),
		}, fac.Name)
		return
	}

	cp.logger.Info().
		Str("focus_id", focus.ID.String()).
		Str("work_id", item.ID.String()).
		Str("faculty", fac.Name).
		Msg("Focus spawned")

	result := cp.runThroughBreaker(item.WorkType, func() FocusResult {
		return focus.Run(fac)
	})

	cp.retire(ctx, item, msgID, result, fac.Name)

	if err := focus.Cleanup(); err != nil {
		cp.logger.Warn().Str("focus_id", focus.ID.String()).Err(err).Msg("Focus cleanup failed")
	}
}

// retire applies the terminal transition and the retry policy for one
// focus result.
func (cp *ControlPlane) retire(ctx context.Context, item *models.WorkItem, msgID int64, result FocusResult, facultyName string) {
	if result.Completed() {
		cp.logger.Info().
			Str("work_id", item.ID.String()).
			Int64("duration_ms", result.DurationMS).
			Msg("Focus completed")

		metrics.FocusDuration.WithLabelValues(facultyName, "completed").
			Observe(float64(result.DurationMS) / 1000)

		if err := cp.storage.WorkStore().Complete(ctx, item.ID, models.Outcome{
			Success:    true,
			Data:       result.OutcomeData,
			DurationMS: result.DurationMS,
		}); err != nil {
			cp.logger.Error().Str("work_id", item.ID.String()).Err(err).Msg("Failed to complete work item")
			return
		}
		cp.archive(ctx, msgID)
		return
	}

	errMsg := fmt.Sprintf("%s: %s", result.FailedPhase, result.Error)
	cp.logger.Error().
		Str("work_id", item.ID.String()).
		Str("phase", result.FailedPhase).
		Str("error", result.Error).
		Int64("duration_ms", result.DurationMS).
		Msg("Focus failed")

	metrics.FocusDuration.WithLabelValues(facultyName, "failed").
		Observe(float64(result.DurationMS) / 1000)

	if err := cp.storage.WorkStore().Fail(ctx, item.ID, errMsg, true, result.DurationMS); err != nil {
		cp.logger.Error().Str("work_id", item.ID.String()).Err(err).Msg("Failed to record work failure")
		return
	}

	// Start bumped attempts past the value we fetched before claiming.
	attempts := item.Attempts + 1
	maxAttempts := item.EffectiveMaxAttempts(cp.config.DefaultMaxAttempts)

	if attempts < maxAttempts {
		// Leave the queue message: the visibility timeout redelivers it for
		// the next attempt.
		cp.logger.Info().
			Str("work_id", item.ID.String()).
			Int("attempt", attempts).
			Int("max", maxAttempts).
			Msg("Re-queuing failed work")
		if err := cp.storage.WorkStore().Retry(ctx, item.ID); err != nil {
			cp.logger.Error().Str("work_id", item.ID.String()).Err(err).Msg("Failed to re-queue work item")
		}
		return
	}

	reason := fmt.Sprintf("exhausted %d/%d attempts: %s", attempts, maxAttempts, errMsg)
	if err := cp.storage.WorkStore().DeadLetter(ctx, item.ID, models.StateFailed, reason); err != nil {
		cp.logger.Error().Str("work_id", item.ID.String()).Err(err).Msg("Failed to dead-letter work item")
		return
	}
	cp.archive(ctx, msgID)
}

func (cp *ControlPlane) archive(ctx context.Context, msgID int64) {
	if err := cp.storage.WorkQueue().Archive(ctx, cp.config.QueueName, msgID); err != nil {
		cp.logger.Warn().Int64("msg_id", msgID).Err(err).Msg("Failed to archive queue message")
	}
}

// breakerFor returns the circuit breaker for a work type, or nil when the
// breaker is disabled.
func (cp *ControlPlane) breakerFor(workType string) *gobreaker.CircuitBreaker {
	if cp.config.BreakerFailureThreshold <= 0 {
		return nil
	}

	cp.breakerMu.Lock()
	defer cp.breakerMu.Unlock()

	if cb, ok := cp.breakers[workType]; ok {
		return cb
	}

	threshold := uint32(cp.config.BreakerFailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workType,
		MaxRequests: 1,
		Timeout:     cp.config.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	cp.breakers[workType] = cb
	return cb
}

// runThroughBreaker feeds focus results into the work type's breaker so
// repeated failures open the circuit. With the breaker disabled the
// pipeline runs directly.
func (cp *ControlPlane) runThroughBreaker(workType string, run func() FocusResult) FocusResult {
	cb := cp.breakerFor(workType)
	if cb == nil {
		return run()
	}

	var result FocusResult
	_, err := cb.Execute(func() (any, error) {
		result = run()
		if !result.Completed() {
			return nil, fmt.Errorf("%s: %s", result.FailedPhase, result.Error)
		}
		return nil, nil
	})
	if err != nil && result.FailedPhase == "" {
		// The breaker refused to run the pipeline at all.
		return FocusResult{FailedPhase: "engage", Error: err.Error()}
	}
	return result
}
