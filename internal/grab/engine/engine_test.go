package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Berry-MI/quickgrab/internal/grab/calibrate"
	"github.com/Berry-MI/quickgrab/internal/grab/classify"
	"github.com/Berry-MI/quickgrab/internal/grab/domain"
	"github.com/Berry-MI/quickgrab/internal/grab/pool"
	"github.com/Berry-MI/quickgrab/internal/grab/transport"
	"github.com/Berry-MI/quickgrab/shared/logger"
)

const (
	validParams = `{"shop_list":[{"shop_id":"88001","item_list":[{"item_id":"7001","item_sku_id":"0","quantity":1}]}]}`

	successBody = `{"status":{"code":0,"message":"OK"},"result":{"order_id":"20001"}}`
	busyBody    = `{"status":{"code":1,"description":"啊哦~ 人潮拥挤，请稍后重试~"},"result":null}`
	refreshBody = `{"status":{"code":1,"description":"应付总额有变动，请再次确认"},"result":null}`
	rejectBody  = `{"status":{"code":99,"description":"商品已下架"},"result":null}`

	confirmOKBody = `{"status":{"code":0},"result":{"shop_list":[{"shop_id":"88001","item_list":[{"item_id":"7001"}]}]}}`
)

type fakeStore struct {
	mu            sync.Mutex
	jobs          []domain.Job
	results       []domain.Result
	deleted       []int64
	updatedParams map[int64]string
	insertJobErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{updatedParams: make(map[int64]string)}
}

func (s *fakeStore) InsertJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertJobErr != nil {
		return s.insertJobErr
	}
	job.ID = int64(100 + len(s.jobs))
	s.jobs = append(s.jobs, *job)
	return nil
}

func (s *fakeStore) InsertResult(ctx context.Context, result *domain.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, *result)
	return nil
}

func (s *fakeStore) DeleteJob(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) UpdateOrderParameters(ctx context.Context, id int64, orderParameters string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedParams[id] = orderParameters
	return nil
}

func (s *fakeStore) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *fakeStore) lastResult() domain.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[len(s.results)-1]
}

func (s *fakeStore) deletedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.deleted...)
}

func (s *fakeStore) insertedJobs() []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Job(nil), s.jobs...)
}

// fakeTransport scripts each endpoint with a per-call function; nil means the
// endpoint is not expected in that scenario.
type fakeTransport struct {
	mu sync.Mutex

	submitFn    func(call int, params string) ([]byte, error)
	confirmFn   func(call int) ([]byte, error)
	stockFn     func(call int) ([]byte, error)
	skuFn       func() ([]byte, error)
	listingFn   func(call int) ([]byte, error)
	catalog     json.RawMessage
	catalogErr  error
	submitted   []string
	confirmed   int
	stockProbes int
	listings    int
	warmups     int
}

func (t *fakeTransport) SubmitOrder(ctx context.Context, orderParameters, cookies string) ([]byte, error) {
	t.mu.Lock()
	call := len(t.submitted)
	t.submitted = append(t.submitted, orderParameters)
	fn := t.submitFn
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected order submission")
	}
	return fn(call, orderParameters)
}

func (t *fakeTransport) ConfirmOrder(ctx context.Context, orderParameters, cookies string) ([]byte, error) {
	t.mu.Lock()
	call := t.confirmed
	t.confirmed++
	fn := t.confirmFn
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected order confirmation")
	}
	return fn(call)
}

func (t *fakeTransport) CheckStock(ctx context.Context, item transport.ItemRef) ([]byte, error) {
	t.mu.Lock()
	call := t.stockProbes
	t.stockProbes++
	fn := t.stockFn
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected stock probe")
	}
	return fn(call)
}

func (t *fakeTransport) FetchSkuInfo(ctx context.Context, itemID string) ([]byte, error) {
	t.mu.Lock()
	fn := t.skuFn
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected sku probe")
	}
	return fn()
}

func (t *fakeTransport) FetchListing(ctx context.Context, shopID string) ([]byte, error) {
	t.mu.Lock()
	call := t.listings
	t.listings++
	fn := t.listingFn
	t.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected listing probe")
	}
	return fn(call)
}

func (t *fakeTransport) FetchCatalogData(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.catalogErr != nil {
		return nil, t.catalogErr
	}
	if t.catalog == nil {
		return nil, domain.ErrNoCatalogData
	}
	return t.catalog, nil
}

func (t *fakeTransport) WarmUp(job *domain.Job) {
	t.mu.Lock()
	t.warmups++
	t.mu.Unlock()
}

func (t *fakeTransport) submitCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.submitted)
}

func (t *fakeTransport) submittedParams() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.submitted...)
}

func (t *fakeTransport) confirmCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.confirmed
}

func (t *fakeTransport) warmupCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warmups
}

func (t *fakeTransport) stockProbeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stockProbes
}

type fakeBuilder struct {
	mu             sync.Mutex
	blob           json.RawMessage
	err            error
	includeInvalid []bool
}

func (b *fakeBuilder) BuildOrderParameters(job *domain.Job, catalog json.RawMessage, includeInvalid bool) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.includeInvalid = append(b.includeInvalid, includeInvalid)
	if b.err != nil {
		return nil, b.err
	}
	return b.blob, nil
}

func (b *fakeBuilder) calls() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.includeInvalid...)
}

type fakeCalibrator struct {
	est calibrate.Estimate
}

func (c *fakeCalibrator) EstimateDelay(ctx context.Context, job *domain.Job) calibrate.Estimate {
	return c.est
}

type fakeNotifier struct {
	mu         sync.Mutex
	successes  int
	failures   int
	foundLinks []string
	issues     []string
}

func (n *fakeNotifier) NotifySuccess(job *domain.Job, result *domain.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes++
}

func (n *fakeNotifier) NotifyFailure(job *domain.Job, result *domain.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures++
}

func (n *fakeNotifier) NotifyItemFound(job *domain.Job, itemTitle, orderLink string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.foundLinks = append(n.foundLinks, orderLink)
}

func (n *fakeNotifier) NotifyValidationIssue(job *domain.Job, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issues = append(n.issues, reason)
}

func (n *fakeNotifier) counts() (successes, failures int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.successes, n.failures
}

func (n *fakeNotifier) foundItems() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.foundLinks...)
}

type engineFixture struct {
	store    *fakeStore
	tr       *fakeTransport
	builder  *fakeBuilder
	notifier *fakeNotifier
	cal      *fakeCalibrator
	engine   *Engine
}

// newEngineFixture wires an engine onto fakes with the real classifier, a
// no-op sleep and small attempt budgets so scenarios run in microseconds.
func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()

	if cfg.TimedAttemptBudget == 0 {
		cfg.TimedAttemptBudget = 4
	}
	if cfg.ManualAttemptBudget == 0 {
		cfg.ManualAttemptBudget = 4
	}

	log := logger.NewDefault().Logger
	store := newFakeStore()
	tr := &fakeTransport{}
	builder := &fakeBuilder{blob: json.RawMessage(validParams)}
	notifier := &fakeNotifier{}
	cal := &fakeCalibrator{}
	p := pool.New("engine-test", 2, 32, log)
	t.Cleanup(p.Stop)

	eng := New(store, tr, builder, notifier, classify.New(nil, nil), cal, p, cfg, log)
	eng.sleep = func(context.Context, time.Duration) {}

	return &engineFixture{store: store, tr: tr, builder: builder, notifier: notifier, cal: cal, engine: eng}
}

// timedJob is a quick-mode timed job whose fire instant is already due.
func timedJob() *domain.Job {
	return &domain.Job{
		ID:              1,
		DeviceID:        3,
		BuyerID:         7,
		Link:            "https://weidian.com/buy/add-order/index.php?items=7001_1_0_0",
		Strategy:        domain.StrategyTimed,
		Status:          domain.StatusInFlight,
		StartTime:       time.Now().Add(-time.Second),
		DelayMs:         600,
		Quantity:        1,
		OrderParameters: validParams,
		Extension:       `{"quickMode":true}`,
	}
}

func waitSettled(t *testing.T, store *fakeStore, results int) domain.Result {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.resultCount() >= results
	}, 3*time.Second, 5*time.Millisecond)
	return store.lastResult()
}

type settledMessage struct {
	Status struct {
		Code int `json:"code"`
	} `json:"status"`
	Count            int                    `json:"count"`
	ResponsesHistory []domain.AttemptRecord `json:"responses_history"`
}

func parseResponseMessage(t *testing.T, result domain.Result) settledMessage {
	t.Helper()
	var msg settledMessage
	require.NoError(t, json.Unmarshal([]byte(result.ResponseMessage), &msg))
	return msg
}

func TestEngine_ExecuteRace_SuccessFirstAttempt(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(successBody), nil
	}

	job := timedJob()
	f.engine.ExecuteRace(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, int64(1), result.JobID)
	assert.Equal(t, domain.StrategyTimed, result.Strategy)
	assert.False(t, result.EndTime.IsZero())

	msg := parseResponseMessage(t, result)
	assert.Equal(t, 0, msg.Status.Code)
	assert.Equal(t, 1, msg.Count)
	require.Len(t, msg.ResponsesHistory, 1)
	assert.Equal(t, 1, msg.ResponsesHistory[0].Attempt)

	assert.Equal(t, []int64{1}, f.store.deletedIDs())
	successes, failures := f.notifier.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 0, failures)
}

// The park and warm-up gate watches the computed fire delay, not the raw
// configured one: a roomy delay_ms shrinks to nothing once the network delay
// and processing allowance come off.
func TestEngine_ExecuteRace_NearFireGateUsesComputedFireDelay(t *testing.T) {
	t.Run("tight computed delay parks and warms up", func(t *testing.T) {
		f := newEngineFixture(t, Config{})
		f.cal.est = calibrate.Estimate{DelayMs: 200}
		f.tr.submitFn = func(call int, params string) ([]byte, error) {
			return []byte(successBody), nil
		}

		// 600ms configured minus 200ms network delay minus the processing
		// allowance lands under the 500ms threshold.
		f.engine.ExecuteRace(context.Background(), timedJob())

		waitSettled(t, f.store, 1)
		assert.Equal(t, 1, f.tr.warmupCount())
	})

	t.Run("roomy computed delay skips the park", func(t *testing.T) {
		f := newEngineFixture(t, Config{})
		// A server clock running behind yields a negative offset, pushing a
		// tight raw delay back over the threshold.
		f.cal.est = calibrate.Estimate{DelayMs: -100}
		f.tr.submitFn = func(call int, params string) ([]byte, error) {
			return []byte(successBody), nil
		}

		job := timedJob()
		job.DelayMs = 480
		f.engine.ExecuteRace(context.Background(), job)

		waitSettled(t, f.store, 1)
		assert.Equal(t, 0, f.tr.warmupCount())
	})
}

func TestEngine_ExecuteRace_BudgetExhaustion(t *testing.T) {
	f := newEngineFixture(t, Config{TimedAttemptBudget: 6})
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(busyBody), nil
	}

	f.engine.ExecuteRace(context.Background(), timedJob())

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultRecoverable, result.Status)

	msg := parseResponseMessage(t, result)
	assert.Equal(t, 6, msg.Count)
	assert.Len(t, msg.ResponsesHistory, 6)
	assert.Equal(t, 6, f.tr.submitCount())

	successes, failures := f.notifier.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, 1, failures)
}

func TestEngine_ExecuteRace_TerminalRejectSettlesImmediately(t *testing.T) {
	f := newEngineFixture(t, Config{TimedAttemptBudget: 6})
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(rejectBody), nil
	}

	f.engine.ExecuteRace(context.Background(), timedJob())

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultRecoverable, result.Status)
	assert.Equal(t, 1, f.tr.submitCount())
	assert.Equal(t, 1, parseResponseMessage(t, result).Count)
}

func TestEngine_ExecuteRace_RefreshRebuildsParameters(t *testing.T) {
	f := newEngineFixture(t, Config{})
	refreshed := `{"shop_list":[{"shop_id":"88001","item_list":[{"item_id":"7001","item_sku_id":"0","quantity":1}]}],"total_pay_price":29.9}`
	f.builder.blob = json.RawMessage(refreshed)
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		if call == 0 {
			return []byte(refreshBody), nil
		}
		return []byte(successBody), nil
	}
	f.tr.confirmFn = func(call int) ([]byte, error) {
		return []byte(confirmOKBody), nil
	}

	f.engine.ExecuteRace(context.Background(), timedJob())

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, 2, parseResponseMessage(t, result).Count)

	require.Equal(t, 1, f.tr.confirmCount())
	// The rebuild never folds invalid items in; mid-race the sale is open.
	assert.Equal(t, []bool{false}, f.builder.calls())

	submitted := f.tr.submittedParams()
	require.Len(t, submitted, 2)
	assert.Equal(t, validParams, submitted[0])
	assert.Equal(t, refreshed, submitted[1])
}

func TestEngine_ExecuteRace_TransportRetriesWithinAttempt(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		if call < 2 {
			return nil, errors.New("connection reset")
		}
		return []byte(successBody), nil
	}

	f.engine.ExecuteRace(context.Background(), timedJob())

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultSuccess, result.Status)
	// Two transport failures retry inside one attempt; the log records one.
	assert.Equal(t, 3, f.tr.submitCount())
	assert.Equal(t, 1, parseResponseMessage(t, result).Count)
}

func TestEngine_ExecuteRace_BuildFailureWithoutStoredParametersFaults(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.catalogErr = errors.New("page unreachable")

	job := timedJob()
	job.Extension = ""
	job.OrderParameters = ""
	f.engine.ExecuteRace(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultFault, result.Status)
	assert.Contains(t, result.ResponseMessage, "网络异常")
	assert.Equal(t, []int64{1}, f.store.deletedIDs())
	assert.Equal(t, 0, f.tr.submitCount())

	_, failures := f.notifier.counts()
	assert.Equal(t, 1, failures)
}

func TestEngine_ExecuteRace_BuildFailureFallsBackToStoredParameters(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.catalogErr = errors.New("page unreachable")
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(successBody), nil
	}

	job := timedJob()
	job.Extension = ""
	f.engine.ExecuteRace(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultSuccess, result.Status)
	assert.Equal(t, []string{validParams}, f.tr.submittedParams())
}

func TestEngine_ExecuteRace_FreshParametersArePersisted(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.catalog = json.RawMessage(`{"shop_list":[{"shop_id":"88001","item_list":[{"item_id":"7001"}]}]}`)
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(successBody), nil
	}

	job := timedJob()
	job.Extension = ""
	job.OrderParameters = ""
	f.engine.ExecuteRace(context.Background(), job)

	waitSettled(t, f.store, 1)
	f.store.mu.Lock()
	persisted := f.store.updatedParams[1]
	f.store.mu.Unlock()
	assert.Equal(t, validParams, persisted)
	assert.Equal(t, []bool{true}, f.builder.calls())
}

func TestEngine_ExecuteRace_AutoPickSpawnsStockPoller(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(rejectBody), nil
	}

	job := timedJob()
	job.Extension = `{"quickMode":true,"autoPick":true}`
	job.EndTime = time.Now().Add(-time.Minute)
	f.engine.ExecuteRace(context.Background(), job)

	// The reject settles the race, then the spawned poller times out on the
	// job's already-passed end time and settles again.
	waitSettled(t, f.store, 2)

	inserted := f.store.insertedJobs()
	require.Len(t, inserted, 1)
	clone := inserted[0]
	assert.Equal(t, domain.StrategyPick, clone.Strategy)
	assert.Equal(t, domain.StatusPending, clone.Status)
	assert.Equal(t, int64(defaultPickFrequencyMs), clone.FrequencyMs)
	assert.Equal(t, job.Link, clone.Link)

	assert.ElementsMatch(t, []int64{1, 100}, f.store.deletedIDs())
}

func TestEngine_ExecuteRace_PickFailureDoesNotRespawn(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(rejectBody), nil
	}
	f.tr.stockFn = func(call int) ([]byte, error) {
		return []byte(`{"status":{"code":0}}`), nil
	}

	job := timedJob()
	job.Strategy = domain.StrategyPick
	job.FrequencyMs = 1000
	job.Extension = `{"quickMode":true,"autoPick":true}`
	job.EndTime = time.Now().Add(time.Minute)
	f.engine.ExecutePick(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultRecoverable, result.Status)
	assert.Empty(t, f.store.insertedJobs())
}

func TestEngine_Execute_RoutesByStrategy(t *testing.T) {
	f := newEngineFixture(t, Config{})

	// A manual job with no seller id in its link faults in the watcher.
	job := timedJob()
	job.Strategy = domain.StrategyManual
	job.Link = "https://weidian.com/item.html"
	f.engine.Execute(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultFault, result.Status)
}

func TestEngine_RecoverFault_SettlesPanickedRace(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.engine.sleep = func(context.Context, time.Duration) { panic("broken clock") }
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return nil, errors.New("unreachable")
	}

	f.engine.ExecuteRace(context.Background(), timedJob())

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultFault, result.Status)
	assert.Equal(t, []int64{1}, f.store.deletedIDs())
}

func TestRaceLog_ResponseMessage(t *testing.T) {
	t.Run("empty log", func(t *testing.T) {
		l := &raceLog{}
		assert.JSONEq(t, `{"status":null,"count":0,"responses_history":[]}`, l.responseMessage())
	})

	t.Run("unparseable body becomes synthetic failure", func(t *testing.T) {
		l := &raceLog{}
		l.record(time.Now(), 1, []byte("<html>boom</html>"), nil)

		var msg settledMessage
		require.NoError(t, json.Unmarshal([]byte(l.responseMessage()), &msg))
		assert.Equal(t, -1, msg.Status.Code)
		assert.Equal(t, 1, msg.Count)
	})
}

func TestFirstLines(t *testing.T) {
	assert.Equal(t, "a\nb\nc", firstLines("a\nb\nc\nd\ne", 3))
	assert.Equal(t, "short", firstLines("short", 3))
	assert.Equal(t, "", firstLines("", 3))
}
