// Package scheduler owns job status. It scans the pending store on a fixed
// tick, flips jobs to in-flight and hands them to the engine exactly once,
// and runs the slower housekeeping ticks (pre-start validation, the daily
// digest).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
	"github.com/Berry-MI/quickgrab/internal/grab/notify"
	"github.com/Berry-MI/quickgrab/internal/grab/pool"
)

const (
	scanSpec     = "@every 5s"
	validateSpec = "@every 30m"
	digestSpec   = "0 8 * * *"

	// defaultDispatchWindow is how far ahead of its start time a job is
	// handed to the engine; the engine does its own fine-grained waiting.
	defaultDispatchWindow = 20 * time.Second

	// dispatchJitterMax spreads calibration probes of jobs racing the same
	// instant so they do not all hit the reference endpoint together.
	dispatchJitterMax = 2 * time.Second

	// Validation looks at timed jobs starting this far ahead, one bracket
	// per 30-minute tick so each job is validated once.
	validateHorizonMin = 25 * time.Minute
	validateHorizonMax = 35 * time.Minute
)

// validationPhrases flag confirm responses describing a dead purchase: item
// deleted, changed or over the purchase limit.
var validationPhrases = []string{"删除", "变更", "限购"}

// Store is the job store surface the scheduler drives.
type Store interface {
	SelectPendingByStatus(ctx context.Context, status domain.JobStatus) ([]domain.Job, error)
	UpdateStatus(ctx context.Context, id int64, status domain.JobStatus) error
	UpdateWorkerTag(ctx context.Context, id int64, tag string) error
}

// Executor runs a dispatched job to settlement. Satisfied by the engine.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job)
}

// Validator reconfirms a pending order without mutating anything vendor
// side. Satisfied by the transport client.
type Validator interface {
	ConfirmOrder(ctx context.Context, orderParameters, cookies string) ([]byte, error)
}

// Config holds scheduler tuning.
type Config struct {
	DispatchWindow time.Duration
}

// Scheduler drives the cron ticks.
type Scheduler struct {
	store     Store
	executor  Executor
	validator Validator
	notifier  notify.Notifier
	racePool  *pool.Pool
	cron      *cron.Cron
	logger    *slog.Logger
	cfg       Config

	// workerTag identifies this process in dispatched job rows.
	workerTag string

	now func() time.Time
}

// New creates a scheduler. Ticks do not run until Start.
func New(
	store Store,
	executor Executor,
	validator Validator,
	notifier notify.Notifier,
	racePool *pool.Pool,
	cfg Config,
	logger *slog.Logger,
) *Scheduler {
	if cfg.DispatchWindow <= 0 {
		cfg.DispatchWindow = defaultDispatchWindow
	}

	return &Scheduler{
		store:     store,
		executor:  executor,
		validator: validator,
		notifier:  notifier,
		racePool:  racePool,
		cron:      cron.New(),
		logger:    logger,
		cfg:       cfg,
		workerTag: uuid.NewString(),
		now:       time.Now,
	}
}

// WorkerTag returns this process's dispatch tag.
func (s *Scheduler) WorkerTag() string {
	return s.workerTag
}

// Start registers the ticks, re-adopts jobs left in flight by a previous
// process, and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(scanSpec, s.ScanTick); err != nil {
		return fmt.Errorf("failed to register scan tick: %w", err)
	}
	if _, err := s.cron.AddFunc(validateSpec, s.ValidateTick); err != nil {
		return fmt.Errorf("failed to register validation tick: %w", err)
	}
	if _, err := s.cron.AddFunc(digestSpec, s.DigestTick); err != nil {
		return fmt.Errorf("failed to register digest tick: %w", err)
	}

	s.recoverInFlight()
	s.cron.Start()

	s.logger.Info("Scheduler started",
		slog.String("worker_tag", s.workerTag),
		slog.Duration("dispatch_window", s.cfg.DispatchWindow),
	)
	return nil
}

// Stop halts the ticks. Races already dispatched keep running on the pool.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// ScanTick dispatches every pending job whose start time is inside the
// dispatch window. The status flip happens before the handoff, so a job that
// is dispatched is never dispatched again, even if a later tick overlaps a
// slow one.
func (s *Scheduler) ScanTick() {
	ctx := context.Background()

	jobs, err := s.store.SelectPendingByStatus(ctx, domain.StatusPending)
	if err != nil {
		s.logger.Error("Pending scan failed", slog.Any("error", err))
		return
	}

	for i := range jobs {
		job := jobs[i]
		if job.StartTime.Sub(s.now()) > s.cfg.DispatchWindow {
			continue
		}
		s.dispatch(ctx, &job)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job *domain.Job) {
	if err := s.store.UpdateStatus(ctx, job.ID, domain.StatusInFlight); err != nil {
		s.logger.Error("Failed to flip job in flight",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	if err := s.store.UpdateWorkerTag(ctx, job.ID, s.workerTag); err != nil {
		s.logger.Warn("Failed to record worker tag",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
	}
	job.Status = domain.StatusInFlight
	job.WorkerTag = s.workerTag

	var jitter time.Duration
	if job.Strategy == domain.StrategyTimed {
		jitter = time.Duration(rand.Int63n(int64(dispatchJitterMax)))
	}

	s.logger.Info("Job dispatched",
		slog.Int64("job_id", job.ID),
		slog.String("strategy", job.Strategy.String()),
		slog.Duration("jitter", jitter),
	)

	s.racePool.Schedule(jitter, func() {
		s.executor.Execute(context.Background(), job)
	})
}

// recoverInFlight re-adopts jobs a previous process flipped but never
// settled. Their rows survived the crash; the races restart from building.
func (s *Scheduler) recoverInFlight() {
	ctx := context.Background()

	jobs, err := s.store.SelectPendingByStatus(ctx, domain.StatusInFlight)
	if err != nil {
		s.logger.Error("In-flight recovery scan failed", slog.Any("error", err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	s.logger.Warn("Re-adopting in-flight jobs from a previous run",
		slog.Int("count", len(jobs)),
	)

	for i := range jobs {
		job := jobs[i]
		if err := s.store.UpdateWorkerTag(ctx, job.ID, s.workerTag); err != nil {
			s.logger.Warn("Failed to re-tag recovered job",
				slog.Int64("job_id", job.ID),
				slog.Any("error", err),
			)
		}
		job.WorkerTag = s.workerTag
		s.racePool.Schedule(0, func() {
			s.executor.Execute(context.Background(), &job)
		})
	}
}

// ValidateTick reconfirms timed jobs starting 25 to 35 minutes from now and
// warns their owners about dead purchases. It never touches job status; the
// user decides whether to pull the job.
func (s *Scheduler) ValidateTick() {
	ctx := context.Background()

	jobs, err := s.store.SelectPendingByStatus(ctx, domain.StatusPending)
	if err != nil {
		s.logger.Error("Validation scan failed", slog.Any("error", err))
		return
	}

	for i := range jobs {
		job := jobs[i]
		if job.Strategy != domain.StrategyTimed || job.OrderParameters == "" {
			continue
		}
		until := job.StartTime.Sub(s.now())
		if until < validateHorizonMin || until > validateHorizonMax {
			continue
		}
		s.validateJob(ctx, &job)
	}
}

func (s *Scheduler) validateJob(ctx context.Context, job *domain.Job) {
	body, err := s.validator.ConfirmOrder(ctx, job.OrderParameters, job.Cookies)
	if err != nil {
		s.logger.Warn("Pre-start validation probe failed",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}

	reasons := invalidReasons(body)
	if len(reasons) == 0 {
		return
	}

	reason := strings.Join(reasons, "; ")
	s.logger.Warn("Pending job no longer confirms",
		slog.Int64("job_id", job.ID),
		slog.String("reason", reason),
	)
	s.notifier.NotifyValidationIssue(job, reason)
}

// invalidReasons extracts problem descriptions from a confirm response that
// point at a dead purchase.
func invalidReasons(body []byte) []string {
	var resp struct {
		Status struct {
			Description string `json:"description"`
		} `json:"status"`
		Result struct {
			ShopList []struct {
				InvalidItemList []invalidItem `json:"invalid_item_list"`
			} `json:"shop_list"`
			InvalidShopList []struct {
				InvalidItemList []invalidItem `json:"invalid_item_list"`
			} `json:"invalid_shop_list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}

	var reasons []string
	appendFlagged := func(items []invalidItem) {
		for _, item := range items {
			if !containsValidationPhrase(item.Reason) {
				continue
			}
			if item.ItemName != "" {
				reasons = append(reasons, item.ItemName+": "+item.Reason)
			} else {
				reasons = append(reasons, item.Reason)
			}
		}
	}
	for _, shop := range resp.Result.ShopList {
		appendFlagged(shop.InvalidItemList)
	}
	for _, shop := range resp.Result.InvalidShopList {
		appendFlagged(shop.InvalidItemList)
	}
	if containsValidationPhrase(resp.Status.Description) {
		reasons = append(reasons, resp.Status.Description)
	}
	return reasons
}

type invalidItem struct {
	ItemName string `json:"item_name"`
	Reason   string `json:"reason"`
}

func containsValidationPhrase(s string) bool {
	for _, phrase := range validationPhrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}

// DigestTick logs the morning backlog snapshot.
func (s *Scheduler) DigestTick() {
	ctx := context.Background()

	pending, err := s.store.SelectPendingByStatus(ctx, domain.StatusPending)
	if err != nil {
		s.logger.Error("Digest scan failed", slog.Any("error", err))
		return
	}
	inFlight, err := s.store.SelectPendingByStatus(ctx, domain.StatusInFlight)
	if err != nil {
		s.logger.Error("Digest scan failed", slog.Any("error", err))
		return
	}

	s.logger.Info("Daily job digest",
		slog.Int("pending", len(pending)),
		slog.Int("in_flight", len(inFlight)),
	)
}
