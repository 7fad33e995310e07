// Package bootstrap assembles the engine from configuration: storage backend,
// optional Redis, event bus, decision cycle, command and query handlers, event
// subscribers and scheduled jobs. Both binaries and the interface tests build
// on it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/recoverlution/luma/config"
	"github.com/recoverlution/luma/internal/application/command"
	"github.com/recoverlution/luma/internal/application/eventhandler"
	"github.com/recoverlution/luma/internal/application/query"
	"github.com/recoverlution/luma/internal/domain/baseline"
	"github.com/recoverlution/luma/internal/domain/catalog"
	"github.com/recoverlution/luma/internal/domain/decision"
	"github.com/recoverlution/luma/internal/domain/microblock"
	"github.com/recoverlution/luma/internal/domain/notification"
	"github.com/recoverlution/luma/internal/domain/patient"
	"github.com/recoverlution/luma/internal/domain/pattern"
	"github.com/recoverlution/luma/internal/domain/pillar"
	"github.com/recoverlution/luma/internal/domain/shared"
	"github.com/recoverlution/luma/internal/infrastructure/catalogfile"
	"github.com/recoverlution/luma/internal/infrastructure/messaging"
	webhook "github.com/recoverlution/luma/internal/infrastructure/notification"
	"github.com/recoverlution/luma/internal/infrastructure/persistence/memory"
	"github.com/recoverlution/luma/internal/infrastructure/persistence/postgres"
	redisstore "github.com/recoverlution/luma/internal/infrastructure/persistence/redis"
	"github.com/recoverlution/luma/internal/infrastructure/persistence/sqlite"
	"github.com/recoverlution/luma/pkg/keylock"
	"github.com/recoverlution/luma/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// APP
// ══════════════════════════════════════════════════════════════════════════════

// Repositories are the storage ports of one backend.
type Repositories struct {
	Patients  patient.Repository
	Signals   patient.SignalRepository
	Events    microblock.EventRepository
	States    microblock.StateRepository
	Baselines baseline.Repository
	Patterns  pattern.Repository
	Decisions decision.Repository
}

// Commands are the write-side handlers.
type Commands struct {
	Patients       *command.PatientHandler
	Checkins       *command.RecordCheckinHandler
	Completions    *command.RecordContentCompletionHandler
	Overrides      *command.RecordClinicianOverrideHandler
	CrisisFlags    *command.RecordCrisisFlagHandler
	BaselineStep   *command.IssueBaselineStepHandler
	Sweep          *command.SweepPatientHandler
	WatchBaselines *command.WatchBaselinesHandler
}

// Queries are the read-side handlers.
type Queries struct {
	ActiveDecision *query.GetActiveDecisionHandler
	Pillars        *query.GetPillarReportHandler
	Patterns       *query.GetPatternsHandler
	Escalations    *query.GetEscalationsHandler
	Overview       *query.GetPatientOverviewHandler
}

// Bus is the event bus the app publishes on.
type Bus interface {
	shared.EventBus
	Metrics() *messaging.EventBusMetrics
	Close() error
}

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// App is a fully wired engine.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	Clock    func() time.Time
	Catalogs *catalog.Registry
	Repos    Repositories
	Store    *microblock.Store
	Cycle    *command.Cycle
	Commands Commands
	Queries  Queries
	Bus      Bus

	// Redis is nil when Redis is disabled.
	Redis *goredis.Client

	// DecisionCounter is nil when Redis is disabled.
	DecisionCounter *redisstore.DecisionCounter

	// CatalogWatcher is nil unless the catalog file is watched.
	CatalogWatcher *catalogfile.Watcher

	// Webhook is nil when no care-team URL is configured.
	Webhook *webhook.WebhookSender

	Checks []HealthCheck

	closers []func() error
}

// Options override collaborators, mainly for tests.
type Options struct {
	Logger *logger.Logger
	Clock  func() time.Time

	// Redis replaces the client built from cfg.Redis.
	Redis *goredis.Client

	// Catalog replaces the embedded default catalog.
	Catalog *catalog.Catalog
}

// New wires an App. Callers must Close it.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	a := &App{Config: cfg, Log: opts.Logger, Clock: opts.Clock}
	if a.Log == nil {
		a.Log = logger.Nop()
	}
	if a.Clock == nil {
		a.Clock = func() time.Time { return time.Now().UTC() }
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// Catalog
	// ─────────────────────────────────────────────────────────────────────────
	if err = a.openCatalog(cfg.Catalog, opts.Catalog); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Storage
	// ─────────────────────────────────────────────────────────────────────────
	if err = a.openStorage(ctx); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Redis (optional)
	// ─────────────────────────────────────────────────────────────────────────
	a.Redis = opts.Redis
	if a.Redis == nil && cfg.Redis.Enabled() {
		rc := redisstore.DefaultConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.PoolSize = cfg.Redis.PoolSize
		rc.MinIdleConns = cfg.Redis.MinIdleConns
		rc.DialTimeout = cfg.Redis.DialTimeout
		rc.ReadTimeout = cfg.Redis.ReadTimeout
		rc.WriteTimeout = cfg.Redis.WriteTimeout
		if a.Redis, err = redisstore.NewClient(ctx, rc); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, a.Redis.Close)
		a.Log.Info("redis connected", logger.String("addr", cfg.Redis.Addr))
	}
	if a.Redis != nil {
		client := a.Redis
		a.Checks = append(a.Checks, HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Event bus
	// ─────────────────────────────────────────────────────────────────────────
	if err = a.openBus(); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Domain services and cycle
	// ─────────────────────────────────────────────────────────────────────────
	engineCfg := cfg.Engine
	a.Store = microblock.NewStore(a.Repos.Events, a.Repos.States, a.Catalogs, engineCfg.MicroBlock)
	orch := baseline.NewOrchestrator(a.Repos.Baselines, a.Store, a.Catalogs, engineCfg.Baseline)

	deps := command.CycleDeps{
		Patients:  a.Repos.Patients,
		Signals:   a.Repos.Signals,
		Store:     a.Store,
		Baseline:  orch,
		Detector:  pattern.NewDetector(a.Repos.Events, a.Repos.Patterns, engineCfg.Pattern),
		Patterns:  a.Repos.Patterns,
		Decisions: a.Repos.Decisions,
		Engine:    decision.NewEngine(engineCfg.Decision),
		Publisher: a.Bus,
		Logger:    a.Log,
	}
	var cache decision.Cache
	if a.Redis != nil {
		cache = redisstore.NewDecisionCache(redisstore.NewCache(a.Redis), a.Clock)
		deps.Cache = cache
		deps.Locker = command.ChainLockers(keylock.New(), redisstore.NewPatientLock(a.Redis, redisstore.PatientLockConfig{
			TTL: cfg.Redis.LockTTL,
		}, a.Log))
	}
	a.Cycle = command.NewCycle(deps, command.CycleConfig{
		DistressWindow: engineCfg.DistressWindow,
		Clock:          a.Clock,
	})

	a.Commands = Commands{
		Patients:       command.NewPatientHandler(a.Cycle),
		Checkins:       command.NewRecordCheckinHandler(a.Cycle, command.RecordCheckinHandlerConfig{MaxClockSkew: engineCfg.MaxClockSkew}),
		Completions:    command.NewRecordContentCompletionHandler(a.Cycle),
		Overrides:      command.NewRecordClinicianOverrideHandler(a.Cycle),
		CrisisFlags:    command.NewRecordCrisisFlagHandler(a.Cycle),
		BaselineStep:   command.NewIssueBaselineStepHandler(a.Cycle),
		Sweep:          command.NewSweepPatientHandler(a.Cycle),
		WatchBaselines: command.NewWatchBaselinesHandler(a.Cycle, a.Repos.Baselines),
	}
	a.Queries = Queries{
		ActiveDecision: query.NewGetActiveDecisionHandler(a.Repos.Decisions, cache, a.Clock, a.Log),
		Pillars:        query.NewGetPillarReportHandler(a.Repos.Patients, pillar.NewAggregator(a.Store, a.Catalogs), a.Clock),
		Patterns:       query.NewGetPatternsHandler(a.Repos.Patterns),
		Escalations:    query.NewGetEscalationsHandler(a.Repos.Decisions),
		Overview:       query.NewGetPatientOverviewHandler(a.Repos.Patients, orch, a.Store, a.Clock),
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Subscribers
	// ─────────────────────────────────────────────────────────────────────────
	if err = a.registerSubscribers(); err != nil {
		return nil, err
	}
	return a, nil
}

// openCatalog loads the embedded catalog, or the configured file on top of
// it, and starts the file watcher when asked to.
func (a *App) openCatalog(cc config.CatalogConfig, override *catalog.Catalog) error {
	if override != nil {
		a.Catalogs = catalog.NewRegistry(override)
		return nil
	}
	embedded, err := catalog.Default()
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if cc.Path == "" {
		a.Catalogs = catalog.NewRegistry(embedded)
		return nil
	}

	if a.Catalogs, err = catalogfile.NewRegistry(cc.Path, embedded); err != nil {
		return fmt.Errorf("load catalog file: %w", err)
	}
	a.Log.Info("catalog loaded from file",
		logger.String("path", cc.Path),
		logger.Int("version", a.Catalogs.Active().Version()),
	)
	if !cc.Watch {
		return nil
	}

	w := catalogfile.NewWatcher(cc.Path, a.Catalogs, catalogfile.Config{Debounce: cc.Debounce}, a.Log)
	if err := w.Start(context.Background()); err != nil {
		return err
	}
	a.CatalogWatcher = w
	a.closers = append(a.closers, w.Stop)
	return nil
}

func (a *App) openStorage(ctx context.Context) error {
	db := a.Config.Database
	switch db.Driver {
	case config.DriverMemory:
		a.Repos = Repositories{
			Patients:  memory.NewPatientRepository(),
			Signals:   memory.NewSignalRepository(),
			Events:    memory.NewEventRepository(),
			States:    memory.NewStateRepository(),
			Baselines: memory.NewBaselineRepository(),
			Patterns:  memory.NewPatternRepository(),
			Decisions: memory.NewDecisionRepository(),
		}

	case config.DriverSQLite:
		sdb, err := sqlite.Open(ctx, db.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, sdb.Close)
		a.Checks = append(a.Checks, HealthCheck{Name: "database", Check: sdb.Ping})
		a.Repos = Repositories{
			Patients:  sqlite.NewPatientRepository(sdb),
			Signals:   sqlite.NewSignalRepository(sdb),
			Events:    sqlite.NewEventRepository(sdb),
			States:    sqlite.NewStateRepository(sdb),
			Baselines: sqlite.NewBaselineRepository(sdb),
			Patterns:  sqlite.NewPatternRepository(sdb),
			Decisions: sqlite.NewDecisionRepository(sdb),
		}

	case config.DriverPostgres:
		conn, err := postgres.NewConnection(ctx, postgresConfig(db))
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
		a.Checks = append(a.Checks, HealthCheck{Name: "database", Check: conn.Ping})
		if db.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
		}
		a.Repos = Repositories{
			Patients:  postgres.NewPatientRepository(conn),
			Signals:   postgres.NewSignalRepository(conn),
			Events:    postgres.NewEventRepository(conn),
			States:    postgres.NewStateRepository(conn),
			Baselines: postgres.NewBaselineRepository(conn),
			Patterns:  postgres.NewPatternRepository(conn),
			Decisions: postgres.NewDecisionRepository(conn),
		}

	default:
		return fmt.Errorf("unknown database driver %q", db.Driver)
	}
	a.Log.Info("storage ready", logger.String("driver", db.Driver))
	return nil
}

func postgresConfig(db config.DatabaseConfig) postgres.Config {
	pc := postgres.DefaultConfig()
	pc.URL = db.URL
	if db.MaxConns > 0 {
		pc.MaxConns = int32(db.MaxConns)
	}
	if db.MinConns >= 0 {
		pc.MinConns = int32(db.MinConns)
	}
	if db.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = db.ConnMaxLifetime
	}
	if db.ConnMaxIdleTime > 0 {
		pc.MaxConnIdleTime = db.ConnMaxIdleTime
	}
	return pc
}

func (a *App) openBus() error {
	local := messaging.DefaultInMemoryEventBusConfig()
	local.Logger = a.Log

	if a.Redis == nil {
		bus := messaging.NewInMemoryEventBus(local)
		a.Bus = bus
		a.closers = append(a.closers, bus.Close)
		return nil
	}

	bus, err := messaging.NewRedisEventBus(messaging.RedisEventBusConfig{
		Client:         messaging.NewGoRedisClient(a.Redis),
		ChannelName:    a.Config.Redis.EventChannel,
		LocalBusConfig: local,
		Logger:         a.Log,
	})
	if err != nil {
		return fmt.Errorf("start redis event bus: %w", err)
	}
	a.Bus = bus
	a.closers = append(a.closers, bus.Close)
	return nil
}

func (a *App) registerSubscribers() error {
	cfg := a.Config
	flags := cfg.Features
	if flags == nil {
		flags = config.NewFeatureFlags()
	}

	var sender notification.Sender
	if cfg.Notifier.WebhookURL != "" {
		wc := webhook.DefaultWebhookConfig()
		wc.URL = cfg.Notifier.WebhookURL
		wc.Secret = cfg.Notifier.WebhookSecret
		if cfg.Notifier.Timeout > 0 {
			wc.Timeout = cfg.Notifier.Timeout
		}
		s, err := webhook.NewWebhookSender(wc, a.Log)
		if err != nil {
			return fmt.Errorf("webhook sender: %w", err)
		}
		a.Webhook = s
		sender = s
	}

	var broadcaster notification.EscalationBroadcaster
	if a.Redis != nil && flags.IsEnabled(config.FeatureRedisEscalationChannel, nil) {
		broadcaster = redisstore.NewEscalationFeed(redisstore.NewCache(a.Redis), cfg.Redis.EscalationChannel, a.Log)
	}

	if sender != nil || broadcaster != nil {
		notify := eventhandler.NewNotifyCareTeamHandler(sender, broadcaster, a.Log, eventhandler.NotifyCareTeamConfig{
			NotifyContentDecisions: flags.IsEnabled(config.FeatureNotifyContentDecisions, nil),
			NotifyPatterns:         flags.IsEnabled(config.FeatureNotifyPatterns, nil),
		})
		if err := notify.Register(a.Bus); err != nil {
			return fmt.Errorf("register care-team notifications: %w", err)
		}
	} else {
		a.Log.Info("care-team notifications disabled: no webhook and no escalation channel")
	}

	if a.Redis != nil {
		a.DecisionCounter = redisstore.NewDecisionCounter(a.Redis, a.Clock)
		if err := a.DecisionCounter.Register(a.Bus); err != nil {
			return fmt.Errorf("register decision counter: %w", err)
		}
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
