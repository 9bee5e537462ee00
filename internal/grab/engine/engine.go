// Package engine runs the purchase race for one job at a time: building
// order parameters, calibrating network delay, waiting out the approach to
// zero-hour, firing timed attempts and settling exactly one result.
//
// A job enters the engine only through the dispatch scheduler, which owns the
// job's status; the engine owns everything after that, through to the
// result row and the job row's deletion.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/Berry-MI/quickgrab/internal/grab/calibrate"
	"github.com/Berry-MI/quickgrab/internal/grab/classify"
	"github.com/Berry-MI/quickgrab/internal/grab/domain"
	"github.com/Berry-MI/quickgrab/internal/grab/notify"
	"github.com/Berry-MI/quickgrab/internal/grab/params"
	"github.com/Berry-MI/quickgrab/internal/grab/pool"
	"github.com/Berry-MI/quickgrab/internal/grab/transport"
)

const (
	// processingAllowance covers serialization and header assembly between
	// the computed fire instant and the request leaving the socket.
	processingAllowance = 19 * time.Millisecond

	// Jobs with an intentional delay under this threshold park close to the
	// start instant and warm the connection pool first.
	nearFireThreshold = 500 * time.Millisecond
	parkLead          = 3 * time.Second
	warmupInterval    = 50 * time.Second

	maxSubmitRetries  = 3
	submitBackoffBase = 100 * time.Millisecond
	submitWaitFloor   = 50 * time.Millisecond

	refreshPause       = 300 * time.Millisecond
	rebuildTries       = 5
	rebuildBackoffBase = 50 * time.Millisecond
	rebuildBackoffCap  = 400 * time.Millisecond

	defaultTimedBudget  = 40
	defaultManualBudget = 10

	defaultPickFrequencyMs = 1000
)

// timeoutResponseMessage is the canned result payload for a poller that ran
// past its job's end time.
const timeoutResponseMessage = `{"status":{"code":400,"message":"抢购失败","description":"运行超时"},"result":null}`

// Store is the persistence surface the engine needs to settle races and spawn
// follow-up jobs.
type Store interface {
	InsertJob(ctx context.Context, job *domain.Job) error
	InsertResult(ctx context.Context, result *domain.Result) error
	DeleteJob(ctx context.Context, id int64) error
	UpdateOrderParameters(ctx context.Context, id int64, orderParameters string) error
}

// Transport is the vendor endpoint surface, satisfied by transport.Client.
type Transport interface {
	SubmitOrder(ctx context.Context, orderParameters, cookies string) ([]byte, error)
	ConfirmOrder(ctx context.Context, orderParameters, cookies string) ([]byte, error)
	CheckStock(ctx context.Context, item transport.ItemRef) ([]byte, error)
	FetchSkuInfo(ctx context.Context, itemID string) ([]byte, error)
	FetchListing(ctx context.Context, shopID string) ([]byte, error)
	FetchCatalogData(ctx context.Context, job *domain.Job) (json.RawMessage, error)
	WarmUp(job *domain.Job)
}

// Calibrator estimates one-way network delay for a job.
type Calibrator interface {
	EstimateDelay(ctx context.Context, job *domain.Job) calibrate.Estimate
}

// Config holds the per-strategy attempt budgets.
type Config struct {
	TimedAttemptBudget  int
	ManualAttemptBudget int
}

// Engine executes purchase races. One Engine is shared by all jobs; per-race
// state lives on the stack of the executing pool task.
type Engine struct {
	store      Store
	transport  Transport
	builder    params.Builder
	notifier   notify.Notifier
	classifier *classify.Classifier
	calibrator Calibrator
	pool       *pool.Pool
	logger     *slog.Logger
	cfg        Config

	overhead time.Duration

	mu         sync.Mutex
	lastWarmup time.Time

	// Seams for tests; production uses the real clock.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates an engine. Zero budget values fall back to the defaults.
func New(
	store Store,
	tr Transport,
	builder params.Builder,
	notifier notify.Notifier,
	classifier *classify.Classifier,
	calibrator Calibrator,
	p *pool.Pool,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if cfg.TimedAttemptBudget <= 0 {
		cfg.TimedAttemptBudget = defaultTimedBudget
	}
	if cfg.ManualAttemptBudget <= 0 {
		cfg.ManualAttemptBudget = defaultManualBudget
	}

	return &Engine{
		store:      store,
		transport:  tr,
		builder:    builder,
		notifier:   notifier,
		classifier: classifier,
		calibrator: calibrator,
		pool:       p,
		logger:     logger,
		cfg:        cfg,
		overhead:   2 * time.Millisecond,
		now:        time.Now,
		sleep:      sleepContext,
	}
}

// CalibrateSchedulingOverhead measures the pool's queueing latency once at
// startup so fire instants can compensate for it.
func (e *Engine) CalibrateSchedulingOverhead() {
	e.overhead = calibrate.EstimateSchedulingOverhead(e.pool, e.logger)
	e.logger.Info("Scheduling overhead calibrated",
		slog.Duration("overhead", e.overhead),
	)
}

// Execute routes a dispatched job to its strategy's entry point. It is the
// body the scheduler submits to the worker pool.
func (e *Engine) Execute(ctx context.Context, job *domain.Job) {
	switch job.Strategy {
	case domain.StrategyManual:
		e.ExecuteWatch(ctx, job)
	case domain.StrategyPick:
		e.ExecutePick(ctx, job)
	default:
		e.ExecuteRace(ctx, job)
	}
}

// ExecuteRace runs the timed purchase race: build, calibrate, wait, fire.
func (e *Engine) ExecuteRace(ctx context.Context, job *domain.Job) {
	defer e.recoverFault(ctx, job)

	e.logger.Info("Race starting",
		slog.Int64("job_id", job.ID),
		slog.String("strategy", job.Strategy.String()),
		slog.Time("start_time", job.StartTime),
	)

	if err := e.prepareParameters(ctx, job); err != nil {
		if job.OrderParameters == "" {
			e.settleFault(ctx, job, err)
			return
		}
		e.logger.Warn("Parameter build failed, falling back to stored parameters",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}

	if job.Strategy != domain.StrategyTimed {
		e.runAttempts(ctx, job, 0)
		return
	}

	est := e.calibrator.EstimateDelay(ctx, job)
	netDelay := est.DelayMs

	fireDelay := time.Duration(job.DelayMs-netDelay)*time.Millisecond - processingAllowance

	// A tight computed fire delay leaves no room to schedule lazily: park just
	// ahead of the start instant and warm the connection pool up.
	if fireDelay < nearFireThreshold {
		parkUntil := job.StartTime.Add(-time.Duration(netDelay)*time.Millisecond - parkLead)
		if wait := parkUntil.Sub(e.now()); wait > 0 {
			e.sleep(ctx, wait)
		}
		e.maybeWarmUp(job)
	}

	fireIn := job.StartTime.Sub(e.now()) + fireDelay - e.overhead
	if fireIn < 0 {
		fireIn = 0
	}

	e.logger.Info("Fire instant scheduled",
		slog.Int64("job_id", job.ID),
		slog.Int64("net_delay_ms", netDelay),
		slog.Duration("fire_in", fireIn),
	)

	e.pool.Schedule(fireIn, func() {
		defer e.recoverFault(ctx, job)
		e.runAttempts(ctx, job, netDelay)
	})
}

// prepareParameters builds fresh order parameters from the job's add-order
// page. Quick-mode jobs with stored parameters skip the rebuild; the whole
// point of quick mode is to fire with what was captured at submission.
func (e *Engine) prepareParameters(ctx context.Context, job *domain.Job) error {
	if job.Flags().QuickMode && job.OrderParameters != "" {
		return nil
	}

	catalog, err := e.transport.FetchCatalogData(ctx, job)
	if err != nil {
		return err
	}

	// Before the sale opens the target item sits in the invalid list, so it
	// is folded in here.
	blob, err := e.builder.BuildOrderParameters(job, catalog, true)
	if err != nil {
		return err
	}
	job.OrderParameters = string(blob)

	if job.ID != 0 {
		if err := e.store.UpdateOrderParameters(ctx, job.ID, job.OrderParameters); err != nil {
			e.logger.Debug("Failed to persist rebuilt parameters",
				slog.Int64("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (e *Engine) maybeWarmUp(job *domain.Job) {
	e.mu.Lock()
	due := e.now().Sub(e.lastWarmup) > warmupInterval
	if due {
		e.lastWarmup = e.now()
	}
	e.mu.Unlock()

	if due {
		e.transport.WarmUp(job)
	}
}

// attemptProfile is the retry shape for one strategy class.
type attemptProfile struct {
	budget       int
	busyBase     time.Duration
	busyCap      time.Duration
	refreshCycle time.Duration
}

func (e *Engine) profileFor(strategy domain.Strategy) attemptProfile {
	if strategy == domain.StrategyTimed {
		return attemptProfile{
			budget:       e.cfg.TimedAttemptBudget,
			busyBase:     150 * time.Millisecond,
			busyCap:      800 * time.Millisecond,
			refreshCycle: 700 * time.Millisecond,
		}
	}
	return attemptProfile{
		budget:       e.cfg.ManualAttemptBudget,
		busyBase:     985 * time.Millisecond,
		busyCap:      985 * time.Millisecond,
		refreshCycle: time.Second,
	}
}

// runAttempts is the attempt loop. It always settles the job: success,
// terminal rejection, budget exhaustion and cancellation all produce exactly
// one persisted result.
func (e *Engine) runAttempts(ctx context.Context, job *domain.Job, netDelay int64) {
	profile := e.profileFor(job.Strategy)
	steady := job.Flags().SteadyOrder
	raceLog := &raceLog{}
	busyWait := profile.busyBase

	for attempt := 1; attempt <= profile.budget; attempt++ {
		cycleStart := e.now()

		body, err := e.submitWithRetry(ctx, job)
		outcome := e.classifier.Classify(body, err)
		raceLog.record(e.now(), attempt, body, err)

		e.logger.Info("Order attempt classified",
			slog.Int64("job_id", job.ID),
			slog.Int("attempt", attempt),
			slog.String("outcome", outcome.String()),
		)

		switch outcome {
		case classify.OutcomeSuccess:
			e.settle(ctx, job, domain.ResultSuccess, raceLog)
			return
		case classify.OutcomeTerminalReject:
			e.settle(ctx, job, domain.ResultRecoverable, raceLog)
			return
		case classify.OutcomeRetryNeedsRefresh:
			e.refreshCycle(ctx, job, profile, cycleStart, netDelay)
		default:
			// Busy and transport failures retry with the same parameters.
			// Steady-order jobs reconfirm on every retry instead.
			if steady {
				e.refreshCycle(ctx, job, profile, cycleStart, netDelay)
				break
			}
			e.sleep(ctx, busyWait)
			busyWait *= 2
			if busyWait > profile.busyCap {
				busyWait = profile.busyCap
			}
			if attempt == profile.budget/2 {
				busyWait = profile.busyBase
			}
		}

		if ctx.Err() != nil {
			e.logger.Warn("Race cancelled mid-attempt",
				slog.Int64("job_id", job.ID),
				slog.Int("attempt", attempt),
			)
			break
		}
	}

	e.settle(ctx, job, domain.ResultRecoverable, raceLog)
}

// submitWithRetry fires one order attempt, retrying the HTTP exchange itself
// up to 3 times with jittered exponential backoff. A vendor rejection is not
// a transport error and comes back as a body.
func (e *Engine) submitWithRetry(ctx context.Context, job *domain.Job) ([]byte, error) {
	var lastErr error
	for try := 0; ; try++ {
		body, err := e.transport.SubmitOrder(ctx, job.OrderParameters, job.Cookies)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if try >= maxSubmitRetries {
			break
		}

		wait := submitBackoffBase * time.Duration(1<<uint(try))
		if wait < submitWaitFloor {
			wait = submitWaitFloor
		}
		wait = time.Duration(float64(wait) * (0.8 + 0.4*rand.Float64()))

		e.logger.Warn("Order submission failed, retrying",
			slog.Int64("job_id", job.ID),
			slog.Int("try", try+1),
			slog.Duration("wait", wait),
			slog.Any("error", err),
		)
		e.sleep(ctx, wait)
	}
	return nil, lastErr
}

// refreshCycle re-confirms the order server side, rebuilds the parameters
// from the confirmed state and pads the cycle out to the profile's period so
// refresh retries hold a steady rhythm regardless of how long the rebuild
// took.
func (e *Engine) refreshCycle(ctx context.Context, job *domain.Job, profile attemptProfile, cycleStart time.Time, netDelay int64) {
	e.sleep(ctx, refreshPause)

	if !e.refreshParameters(ctx, job) {
		e.logger.Warn("Parameter refresh failed, retrying with stale parameters",
			slog.Int64("job_id", job.ID),
		)
	}

	elapsed := e.now().Sub(cycleStart)
	rest := profile.refreshCycle - elapsed - time.Duration(netDelay)*time.Millisecond - processingAllowance
	if rest > 0 {
		e.sleep(ctx, rest)
	}
}

// refreshParameters reconfirms the order and rebuilds the parameter blob from
// the response, up to 5 tries with capped exponential backoff.
func (e *Engine) refreshParameters(ctx context.Context, job *domain.Job) bool {
	backoff := rebuildBackoffBase

	for try := 1; try <= rebuildTries; try++ {
		body, err := e.transport.ConfirmOrder(ctx, job.OrderParameters, job.Cookies)
		if err == nil {
			var resp classify.VendorResponse
			if jsonErr := json.Unmarshal(body, &resp); jsonErr == nil && resp.Status.Code == 0 && len(resp.Result) > 0 {
				blob, buildErr := e.builder.BuildOrderParameters(job, resp.Result, false)
				if buildErr == nil {
					job.OrderParameters = string(blob)
					return true
				}
				err = buildErr
			}
		}

		e.logger.Debug("Parameter rebuild try failed",
			slog.Int64("job_id", job.ID),
			slog.Int("try", try),
			slog.Any("error", err),
		)

		if try < rebuildTries {
			e.sleep(ctx, backoff)
			backoff *= 2
			if backoff > rebuildBackoffCap {
				backoff = rebuildBackoffCap
			}
		}
	}
	return false
}

// settle persists the race's terminal record, removes the job and fires
// notifications. Recoverable settlements of auto-pick jobs spawn a stock
// poller clone.
func (e *Engine) settle(ctx context.Context, job *domain.Job, status domain.ResultStatus, raceLog *raceLog) {
	result := domain.ResultFromJob(job)
	result.EndTime = e.now()
	result.Status = status
	result.ResponseMessage = raceLog.responseMessage()

	e.persistResult(ctx, job, result)

	e.logger.Info("Race settled",
		slog.Int64("job_id", job.ID),
		slog.Int("status", int(status)),
		slog.Int("attempts", len(raceLog.attempts)),
	)

	if status == domain.ResultSuccess {
		e.notifier.NotifySuccess(job, result)
		return
	}
	e.notifier.NotifyFailure(job, result)

	if status == domain.ResultRecoverable && job.Flags().AutoPick && job.Strategy != domain.StrategyPick {
		e.resubmitAsPick(ctx, job)
	}
}

// settleTimeout records a poller that outlived its window.
func (e *Engine) settleTimeout(ctx context.Context, job *domain.Job) {
	result := domain.ResultFromJob(job)
	result.EndTime = e.now()
	result.Status = domain.ResultRecoverable
	result.ResponseMessage = timeoutResponseMessage

	e.persistResult(ctx, job, result)
	e.notifier.NotifyFailure(job, result)

	e.logger.Info("Poller timed out",
		slog.Int64("job_id", job.ID),
		slog.String("strategy", job.Strategy.String()),
	)
}

// settleFault records an engine-side failure. The job still gets its result
// row and still leaves the pending store; a fault must not wedge a job in
// flight forever.
func (e *Engine) settleFault(ctx context.Context, job *domain.Job, cause error) {
	result := domain.ResultFromJob(job)
	result.EndTime = e.now()
	result.Status = domain.ResultFault
	result.ResponseMessage = string(syntheticFailure(cause, nil))

	e.persistResult(ctx, job, result)
	e.notifier.NotifyFailure(job, result)

	e.logger.Error("Race faulted",
		slog.Int64("job_id", job.ID),
		slog.Any("error", cause),
	)
}

func (e *Engine) persistResult(ctx context.Context, job *domain.Job, result *domain.Result) {
	if err := e.store.InsertResult(ctx, result); err != nil {
		e.logger.Error("Failed to insert result",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	if err := e.store.DeleteJob(ctx, job.ID); err != nil {
		e.logger.Error("Failed to delete settled job",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

// resubmitAsPick clones a failed job into a stock poller and starts it
// immediately, so a sellout can still be caught on a restock.
func (e *Engine) resubmitAsPick(ctx context.Context, job *domain.Job) {
	clone := *job
	clone.ID = 0
	clone.Strategy = domain.StrategyPick
	clone.Status = domain.StatusPending
	if clone.FrequencyMs <= 0 {
		clone.FrequencyMs = defaultPickFrequencyMs
	}

	if err := e.store.InsertJob(ctx, &clone); err != nil {
		e.logger.Error("Failed to insert auto-pick job",
			slog.Int64("source_job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	e.logger.Info("Auto-pick job spawned",
		slog.Int64("source_job_id", job.ID),
		slog.Int64("pick_job_id", clone.ID),
	)

	if err := e.pool.Submit(func() {
		e.ExecutePick(context.Background(), &clone)
	}); err != nil {
		e.logger.Error("Failed to start auto-pick job",
			slog.Int64("pick_job_id", clone.ID),
			slog.Any("error", err),
		)
	}
}

// recoverFault converts a panic anywhere in a race body into a fault
// settlement.
func (e *Engine) recoverFault(ctx context.Context, job *domain.Job) {
	if r := recover(); r != nil {
		e.logger.Error("Race panicked",
			slog.Int64("job_id", job.ID),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())),
		)
		e.settleFault(ctx, job, fmt.Errorf("race panicked: %v", r))
	}
}

// raceLog is the append-only attempt history of one race.
type raceLog struct {
	attempts []domain.AttemptRecord
	last     json.RawMessage
}

func (l *raceLog) record(at time.Time, attempt int, body []byte, err error) {
	status := json.RawMessage(body)
	if err != nil || !json.Valid(body) {
		status = syntheticFailure(err, body)
	}
	l.attempts = append(l.attempts, domain.AttemptRecord{
		Timestamp: at,
		Attempt:   attempt,
		Status:    status,
	})
	l.last = status
}

// responseMessage serializes the race history into the result's response
// message blob.
func (l *raceLog) responseMessage() string {
	last := l.last
	if len(last) == 0 {
		last = json.RawMessage("null")
	}
	attempts := l.attempts
	if attempts == nil {
		attempts = []domain.AttemptRecord{}
	}

	blob := struct {
		Status           json.RawMessage        `json:"status"`
		Count            int                    `json:"count"`
		ResponsesHistory []domain.AttemptRecord `json:"responses_history"`
	}{last, len(attempts), attempts}

	out, err := json.Marshal(blob)
	if err != nil {
		return ""
	}
	return string(out)
}

// syntheticFailure builds a vendor-shaped failure envelope for exchanges that
// produced no parseable response. The diagnostic is capped at three lines.
func syntheticFailure(err error, body []byte) json.RawMessage {
	detail := ""
	switch {
	case err != nil:
		detail = err.Error()
	case len(body) > 0:
		detail = string(body)
	}

	blob, marshalErr := json.Marshal(map[string]any{
		"status": map[string]any{
			"code":        -1,
			"message":     "网络异常",
			"description": firstLines(detail, 3),
		},
	})
	if marshalErr != nil {
		return json.RawMessage(`{"status":{"code":-1,"message":"网络异常"}}`)
	}
	return blob
}

// firstLines truncates s to at most n lines.
func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
