package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"kseschedule/internal/ics"
	appLog "kseschedule/internal/log"
	"kseschedule/internal/metrics"
	"kseschedule/internal/model"
)

const (
	// DefaultHorizonDays is how far ahead the requested window ends.
	DefaultHorizonDays = 30

	// DefaultMaxGroups is the largest selection a refresh accepts.
	DefaultMaxGroups = 20
)

// ErrStaleRefresh is returned by a refresh that was overtaken by a newer
// one. Its result is discarded.
var ErrStaleRefresh = errors.New("refresh superseded by a newer one")

// ErrTooManyGroups is returned for a selection over the group limit. No
// retrieval is attempted.
var ErrTooManyGroups = errors.New("too many groups selected")

// Retriever fetches the raw calendar payload for a selection.
type Retriever interface {
	Retrieve(ctx context.Context, sel model.GroupSelection, end time.Time) (ics.FetchResult, error)
}

// Issue is a parse problem from the last published refresh.
type Issue struct {
	Record  int    `json:"record"`
	Line    int    `json:"line"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// State is a snapshot of the coordinator.
type State struct {
	// Loading is true while the newest refresh is in progress.
	Loading bool
	// Schedule is the last successfully published schedule.
	Schedule model.Schedule
	// UpdatedAt is when Schedule was published; zero before the first one.
	UpdatedAt time.Time
	// Issues belong to the published Schedule.
	Issues []Issue
	// LastError is the failure of the newest finished refresh, if any.
	LastError error
	// Generation identifies the newest refresh started.
	Generation uint64
}

// Options tune a Coordinator. Zero values pick defaults.
type Options struct {
	HorizonDays int
	Builder     ics.Builder
	Metrics     *metrics.Metrics
	Now         func() time.Time

	// MaxGroups caps the selection size; zero picks DefaultMaxGroups and a
	// negative value disables the cap.
	MaxGroups int
}

// Coordinator runs refresh cycles (retrieve, parse, build, publish) and
// holds the published schedule. Starting a refresh cancels the one in
// flight; a refresh that is no longer the newest never publishes.
type Coordinator struct {
	retriever Retriever
	parser    *ics.Parser
	builder   ics.Builder
	horizon   int
	maxGroups int
	metrics   *metrics.Metrics
	now       func() time.Time

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	state      State
}

// New creates a Coordinator. A nil parser uses the default timezone.
func New(r Retriever, p *ics.Parser, opts Options) *Coordinator {
	if p == nil {
		p = ics.NewParser(nil, nil)
	}
	if opts.HorizonDays <= 0 {
		opts.HorizonDays = DefaultHorizonDays
	}
	if opts.MaxGroups == 0 {
		opts.MaxGroups = DefaultMaxGroups
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		retriever: r,
		parser:    p,
		builder:   opts.Builder,
		horizon:   opts.HorizonDays,
		maxGroups: opts.MaxGroups,
		metrics:   opts.Metrics,
		now:       opts.Now,
		state:     State{Schedule: model.Schedule{}},
	}
}

// Refresh runs one cycle for sel and returns the published schedule.
// On retrieval failure the previous schedule stays in place and the error
// wraps ics.ErrRetrievalFailed. If a newer refresh started meanwhile the
// result is dropped and ErrStaleRefresh is returned.
func (c *Coordinator) Refresh(ctx context.Context, sel model.GroupSelection) (model.Schedule, error) {
	return c.Begin(ctx).Run(sel)
}

// Pending is a refresh whose generation is already taken. Callers that
// hand the work to a goroutine call Begin first so that the order of
// generations follows the order of requests, not goroutine scheduling.
type Pending struct {
	c      *Coordinator
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	began  time.Time
}

// Begin starts a new generation, cancels the refresh in flight and marks
// the coordinator as loading. Run must be called exactly once.
func (c *Coordinator) Begin(ctx context.Context) *Pending {
	began := time.Now()
	gen, cycleCtx, cancel := c.begin(ctx)
	return &Pending{c: c, gen: gen, ctx: cycleCtx, cancel: cancel, began: began}
}

// Generation returns the generation reserved by Begin.
func (p *Pending) Generation() uint64 {
	return p.gen
}

// Run retrieves, parses and publishes the schedule for sel.
func (p *Pending) Run(sel model.GroupSelection) (model.Schedule, error) {
	defer p.cancel()
	return p.c.run(p.ctx, p.gen, p.began, sel)
}

func (c *Coordinator) run(ctx context.Context, gen uint64, began time.Time, sel model.GroupSelection) (model.Schedule, error) {
	if c.maxGroups > 0 && len(sel) > c.maxGroups {
		return nil, c.fail(gen, began, metrics.OutcomeRejected,
			fmt.Errorf("%w: %d selected, limit is %d", ErrTooManyGroups, len(sel), c.maxGroups))
	}

	end := c.now().AddDate(0, 0, c.horizon)
	res, err := c.retriever.Retrieve(ctx, sel.Clone(), end)
	if err != nil {
		return nil, c.fail(gen, began, metrics.OutcomeRetrievalError, err)
	}

	parsed, err := c.parser.ParseBytes(res.Body)
	if err != nil {
		return nil, c.fail(gen, began, metrics.OutcomeParseError, fmt.Errorf("parse schedule: %w", err))
	}
	sched := c.builder.Build(parsed.Buckets)

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.metrics.ObserveRefresh(metrics.OutcomeStale, time.Since(began))
		appLog.Debug("discarding superseded refresh", "generation", gen, "current", c.generation)
		return nil, ErrStaleRefresh
	}

	issues := make([]Issue, 0, len(parsed.Issues))
	kinds := make([]string, 0, len(parsed.Issues))
	for _, is := range parsed.Issues {
		issues = append(issues, Issue{
			Record:  is.Record,
			Line:    is.Line,
			Kind:    is.Kind(),
			Message: is.Err.Error(),
		})
		kinds = append(kinds, is.Kind())
	}

	c.state = State{
		Loading:    false,
		Schedule:   sched,
		UpdatedAt:  c.now(),
		Issues:     issues,
		LastError:  nil,
		Generation: gen,
	}
	c.cancel = nil

	c.metrics.ObserveRefresh(metrics.OutcomeOK, time.Since(began))
	c.metrics.ObserveSchedule(len(sched), sched.EventCount(), kinds)
	appLog.Info("schedule published",
		"generation", gen,
		"days", len(sched),
		"events", sched.EventCount(),
		"issues", len(issues),
		"from_cache", res.FromCache,
	)
	return sched, nil
}

// begin registers a new generation and cancels the previous cycle.
func (c *Coordinator) begin(ctx context.Context) (uint64, context.Context, context.CancelFunc) {
	cycleCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	c.cancel = cancel
	c.state.Loading = true
	c.state.Generation = c.generation
	return c.generation, cycleCtx, cancel
}

func (c *Coordinator) fail(gen uint64, began time.Time, outcome string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		c.metrics.ObserveRefresh(metrics.OutcomeStale, time.Since(began))
		return ErrStaleRefresh
	}

	c.state.Loading = false
	c.state.LastError = err
	c.cancel = nil

	c.metrics.ObserveRefresh(outcome, time.Since(began))
	appLog.Error("schedule refresh failed", err, "generation", gen)
	return err
}

// State returns a snapshot. The schedule slice is shared with later
// snapshots and must not be modified.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state
	st.Issues = append([]Issue(nil), c.state.Issues...)
	return st
}

// Schedule returns the last published schedule.
func (c *Coordinator) Schedule() model.Schedule {
	return c.State().Schedule
}

// Loading reports whether the newest refresh is still running.
func (c *Coordinator) Loading() bool {
	return c.State().Loading
}
