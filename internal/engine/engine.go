// Package engine is the client-facing facade over the session store, the
// group manager, the progress coordinator and the workflow guard. Every
// operation returns either a result or an *apperr.Error.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/thinkflow/internal/apperr"
	"github.com/joescharf/thinkflow/internal/converge"
	"github.com/joescharf/thinkflow/internal/event"
	"github.com/joescharf/thinkflow/internal/groups"
	"github.com/joescharf/thinkflow/internal/guard"
	"github.com/joescharf/thinkflow/internal/health"
	"github.com/joescharf/thinkflow/internal/index"
	"github.com/joescharf/thinkflow/internal/logging"
	"github.com/joescharf/thinkflow/internal/models"
	"github.com/joescharf/thinkflow/internal/progress"
	"github.com/joescharf/thinkflow/internal/sessions"
	"github.com/joescharf/thinkflow/internal/store"
	"github.com/joescharf/thinkflow/internal/techniques"
)

// Service is the set of operations exposed to transports.
type Service interface {
	DiscoverTechniques(ctx context.Context, clientID, problem string) (*DiscoverResult, error)
	PlanSession(ctx context.Context, clientID string, req PlanRequest) (*Plan, error)
	ExecuteStep(ctx context.Context, clientID string, req StepRequest) (*StepResult, error)
	CheckWorkflowViolation(ctx context.Context, clientID, call string, args map[string]any) (*guard.Violation, error)

	CreateSession(ctx context.Context, req CreateSessionRequest) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, id string, rec models.StepRecord) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)

	CreateParallelGroup(ctx context.Context, req groups.CreateRequest) (*groups.CreateResult, error)
	GetGroup(ctx context.Context, groupID string) (*models.ParallelSessionGroup, error)
	ListGroups(ctx context.Context) ([]*models.ParallelSessionGroup, error)
	MarkSessionComplete(ctx context.Context, id string) (*models.Session, error)
	MarkSessionFailed(ctx context.Context, id, reason string) (*models.Session, error)
	GetGroupProgress(ctx context.Context, groupID string) (*progress.GroupProgress, error)
	GetGroupResults(ctx context.Context, groupID string) ([]models.SessionResult, error)
	ConvergeGroup(ctx context.Context, groupID string, method models.ConvergenceMethod) (*converge.Result, error)

	Stats(ctx context.Context) (*Stats, error)
}

// Config holds the tunables of every component the engine owns.
type Config struct {
	Sessions       sessions.Config
	Groups         groups.Config
	SampleWindow   int
	GuardWindow    int
	MaxPlans       int
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Sessions:       sessions.DefaultConfig(),
		Groups:         groups.DefaultConfig(),
		SampleWindow:   progress.DefaultSampleWindow,
		GuardWindow:    guard.DefaultWindow,
		MaxPlans:       DefaultMaxPlans,
		RequestTimeout: 30 * time.Second,
	}
}

// Engine implements Service.
type Engine struct {
	cfg       Config
	adapter   store.Adapter
	bus       *event.Bus
	logger    *logging.Logger
	store     *sessions.Store
	groups    *groups.Manager
	progress  *progress.Coordinator
	guards    *guard.Registry
	catalog   *techniques.Catalog
	converger *converge.Converger
	plans     *planRegistry
	scorer    *health.Scorer
	now       func() time.Time
}

type Option func(*options)

type options struct {
	adapter store.Adapter
	bus     *event.Bus
	logger  *logging.Logger
	synth   converge.Strategy
	now     func() time.Time
}

// WithAdapter enables persistence. Adapters that also archive groups receive
// terminal group snapshots.
func WithAdapter(a store.Adapter) Option { return func(o *options) { o.adapter = a } }

func WithBus(b *event.Bus) Option { return func(o *options) { o.bus = b } }

func WithLogger(l *logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithSynthesizer enables llm_synthesis convergence.
func WithSynthesizer(s converge.Strategy) Option { return func(o *options) { o.synth = s } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New wires the components together. This is the single place they are
// constructed.
func New(cfg Config, opts ...Option) *Engine {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}

	storeOpts := []sessions.Option{
		sessions.WithIndex(index.New()),
		sessions.WithBus(o.bus),
		sessions.WithLogger(o.logger),
		sessions.WithClock(o.now),
	}
	if o.adapter != nil {
		storeOpts = append(storeOpts, sessions.WithAdapter(o.adapter))
	}
	st := sessions.New(cfg.Sessions, storeOpts...)

	groupOpts := []groups.Option{
		groups.WithBus(o.bus),
		groups.WithLogger(o.logger),
		groups.WithClock(o.now),
	}
	if archive, ok := o.adapter.(store.GroupArchive); ok {
		groupOpts = append(groupOpts, groups.WithArchive(archive))
	}
	gm := groups.NewManager(cfg.Groups, st, groupOpts...)
	st.SetGroupHooks(gm)

	pc := progress.New(st, gm,
		progress.WithBus(o.bus),
		progress.WithLogger(o.logger),
		progress.WithClock(o.now),
		progress.WithSampleWindow(cfg.SampleWindow),
	)
	gm.SetNotifier(pc)

	e := &Engine{
		cfg:       cfg,
		adapter:   o.adapter,
		bus:       o.bus,
		logger:    o.logger,
		store:     st,
		groups:    gm,
		progress:  pc,
		guards:    guard.NewRegistry(cfg.GuardWindow),
		catalog:   techniques.NewCatalog(),
		converger: converge.New(o.synth),
		plans:     newPlanRegistry(cfg.MaxPlans),
		scorer:    health.NewScorer(),
		now:       o.now,
	}
	o.bus.Subscribe(event.TypeSessionEvicted, func(ev event.Event) {
		if evicted, ok := ev.(event.SessionEvictedEvent); ok {
			pc.Forget(evicted.SessionID)
		}
	})
	return e
}

func (e *Engine) Bus() *event.Bus                 { return e.bus }
func (e *Engine) Store() *sessions.Store          { return e.store }
func (e *Engine) Groups() *groups.Manager         { return e.groups }
func (e *Engine) Progress() *progress.Coordinator { return e.progress }
func (e *Engine) Catalog() *techniques.Catalog    { return e.catalog }

// Close flushes resident sessions to persistence and shuts the event bus.
func (e *Engine) Close(ctx context.Context) error {
	n, err := e.store.FlushAll(ctx)
	if n > 0 {
		e.logger.Info("flushed sessions", "count", n)
	}
	e.bus.Close()
	return err
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.RequestTimeout)
}

// boundary converts err into the structured form returned to clients.
func (e *Engine) boundary(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); !ok &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return apperr.RequestTimeout(op, err)
	}
	ae := apperr.From(err)
	if ae.Kind == apperr.KindInternal {
		e.logger.Error("internal error", "operation", op, "correlation_id", ae.CorrelationID, "error", err)
	}
	return ae
}

// persist saves id when persistence is configured. Failures are logged; the
// in-memory state stays authoritative.
func (e *Engine) persist(ctx context.Context, id string) {
	if e.adapter == nil {
		return
	}
	if err := e.store.Persist(ctx, id); err != nil {
		e.logger.WithSession(id).Warn("persist session failed", "error", err)
	}
}
