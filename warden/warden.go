package warden

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/bryntje/warden/warden.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Warden is the main application struct. It wires together the Discord
// gateway, the reminder scheduler, the guild settings service, the OpenAI
// client and the dashboard API, sharing one database and one runtime
// config between them.
type Warden struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. The only
	// difference from [Warden.db] is that, when using sqlite, a mutex
	// is used.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Handles OpenAI API integration for /ask
	openai *OpenAI

	// Provides the back-end dashboard API
	api *API

	// Dispatches due reminders
	scheduler *Scheduler

	// Cached per-guild settings, with change history
	settings *GuildSettings

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing: database migrated, runtime config loaded, discord
	// session open and commands registered, API listening.
	signalReady chan struct{}

	// A signal is sent on this channel when [Warden.shutdown] finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, slash commands are refused and the scheduler idles
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set. If they
	// haven't, Run holds after the API starts, prior to connecting to
	// discord, so the bot can be configured (or stopped) via the UI
	// before it responds to anything.
	pendingSetup atomic.Bool

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	remindersInProgress atomic.Int64
	asksInProgress      atomic.Int64

	triggerRuntimeConfigRefreshCh chan bool
	triggerGuildSettingsRefreshCh chan string
}

// New creates a Warden instance from the given static config. Loggers,
// the discord wrapper, the OpenAI client, the scheduler and the API are
// created here; database connections and the discord session itself are
// deferred to Run.
func New(config *Config) (*Warden, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	w := &Warden{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		triggerGuildSettingsRefreshCh: make(chan string, 1),
	}

	w.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.LogLevel,
			AddSource: true,
		},
	)
	w.logger = slog.New(w.logHandler)
	slog.SetDefault(w.logger)

	w.openai = newOpenAI(w, w.config.HTTPClient)

	w.config.Discord.httpClient = w.config.HTTPClient

	disc, err := newDiscord(w.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     w.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	w.discord = disc
	disc.w = w

	w.scheduler = newScheduler(
		w,
		w.config.Scheduler,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     w.config.Scheduler.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "scheduler"),
	)

	w.settings = newGuildSettings(w, w.config.GuildSettingTTL)

	api, err := newAPI(w, config.API)
	errs = append(errs, err)
	w.api = api

	return w, errors.Join(errs...)
}

func (w *Warden) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = w.logger
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (w *Warden) RuntimeConfig() RuntimeConfig {
	w.cfgMu.RLock()
	defer w.cfgMu.RUnlock()
	return *w.runtimeConfig
}

func (w *Warden) ValidateConfig() error {
	return structValidator.Struct(w.config)
}

// RegisterSlashCommands registers the slash commands for the bot.
func (w *Warden) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return w.discord.registerCommands(w.RuntimeConfig(), options...)
}

// Run starts the bot, blocking until the given context is canceled or a
// stop signal is received, then shuts down gracefully.
func (w *Warden) Run(ctx context.Context) error {
	// prevents concurrent runs
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.signalStop = make(chan struct{}, 1)
	w.startedAt = time.Now()
	logger := w.logger

	if err := w.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(w)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	w.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", w.config))
	if w.signalReady == nil {
		w.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-w.signalStop:
			w.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			w.logger.Warn("context canceled, sending stop signal")
			w.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := w.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			w.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, w.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- w.initRun(startCtx, ctx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if w.api != nil && w.api.listener != nil {
				go func() {
					if e := w.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.WarnContext(ctx, "init complete")
	}

	if setupErr := w.waitOnSetup(ctx, logger, runtimeWG); setupErr != nil {
		return setupErr
	}

	if w.openai.requestLimiter == nil {
		w.openai.requestLimiter = rate.NewLimiter(
			rate.Limit(float64(w.config.OpenAI.RequestsPerMinute)/60.0),
			1,
		)
	}

	if discErr := w.initDiscordSession(ctx, runtimeWG); discErr != nil {
		w.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	runtimeCfg := w.RuntimeConfig()
	if err := w.discordInit(ctx, runtimeCfg, logger); err != nil {
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		w.scheduler.run(ctx)
	}()

	w.startRuntimeConfigRefresher(ctx, runtimeWG, logger)
	w.startGuildSettingsListener(ctx, runtimeWG)

	w.signalReady <- struct{}{}
	w.logger.InfoContext(ctx, "sent ready signal")

	for _, channel := range []string{
		w.dbNotifier.RuntimeConfigChannelName(),
		w.dbNotifier.GuildSettingsChannelName(),
		w.dbNotifier.StopChannelName(),
	} {
		runtimeWG.Add(1)
		go func(ch string) {
			defer runtimeWG.Done()
			if e := w.dbNotifier.Listen(ctx, ch); e != nil {
				w.logger.ErrorContext(
					ctx,
					"error listening to notify channel",
					"channel", ch,
					tint.Err(e),
				)
			}
		}(channel)
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	return w.shutdown(ctx, runtimeWG)
}

func (w *Warden) waitOnSetup(
	ctx context.Context,
	logger *slog.Logger,
	runtimeWG *sync.WaitGroup,
) error {
	if !w.pendingSetup.Load() {
		return nil
	}

	logger.WarnContext(
		ctx,
		fmt.Sprintf(
			"pending initial setup at: %s%s",
			w.api.listener.Addr().String(),
			apiAdminSetup,
		),
	)
	pendingStateCh := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			var runtimeState RuntimeConfig
			logger.InfoContext(ctx, "checking if runtime config exists yet")
			getRuntimeStateErr := w.db.Last(&runtimeState).Error
			if getRuntimeStateErr != nil {
				logger.ErrorContext(
					ctx,
					"error getting runtime state",
					tint.Err(getRuntimeStateErr),
				)
			}
			if runtimeState.AdminUsername != "" && runtimeState.AdminPassword != "" {
				pendingStateCh <- struct{}{}
				return
			}
			time.Sleep(5 * time.Second)
		}
	}()

	select {
	case <-ctx.Done():
		logger.WarnContext(ctx, "context cancelled waiting on setup, exiting")
		return w.shutdown(ctx, runtimeWG)
	case <-pendingStateCh:
		w.pendingSetup.Store(false)
	}

	return nil
}

// discordInit opens the discord websocket connection and sets the
// initial custom status.
func (w *Warden) discordInit(
	ctx context.Context,
	runtimeCfg RuntimeConfig,
	logger *slog.Logger,
) error {
	w.logger.InfoContext(ctx, "connecting to discord")
	if err := w.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if runtimeCfg.DiscordCustomStatus != "" && !w.paused.Load() {
		go func() {
			if statusErr := w.discord.session.UpdateCustomStatus(
				runtimeCfg.DiscordCustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

// startRuntimeConfigRefresher starts the config refresh goroutines: one
// feeding the trigger channel from a TTL ticker, one draining it.
func (w *Warden) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := w.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case w.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-w.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					w.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					w.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

// startGuildSettingsListener invalidates the per-guild settings cache
// when another instance reports a change via DBNotifier.
func (w *Warden) startGuildSettingsListener(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("context canceled, stopping guild settings listener")
				return
			case guildID := <-w.triggerGuildSettingsRefreshCh:
				if guildID == "" {
					w.logger.Warn("empty guild ID received, skipping refresh")
					continue
				}
				w.settings.invalidate(guildID)
			}
		}
	}()
}

func (w *Warden) refreshRuntimeConfig(ctx context.Context, force bool) {
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	runtimeConfigTTL := runtimeConfigRefreshInterval(w.config.RuntimeConfigTTL)
	rollbackConfig := w.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := w.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		w.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if force || lastUpdated > runtimeConfigTTL {
		w.logger.Info(
			fmt.Sprintf(
				"runtime config last updated: %s ago, refreshing",
				lastUpdated.String(),
			),
		)
		w.unsafeRefreshRuntimeConfig(rollbackConfig, &refreshConfig)
	} else {
		w.logger.Info("runtime config is up to date, skipping refresh")
	}
}

// unsafeRefreshRuntimeConfig applies a freshly loaded runtime config
// without locking the config mutex.
func (w *Warden) unsafeRefreshRuntimeConfig(
	rollbackConfig *RuntimeConfig,
	refreshConfig *RuntimeConfig,
) {
	switch {
	case refreshConfig.Paused && !rollbackConfig.Paused:
		w.paused.Store(true)
		if discErr := w.discord.updateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); discErr != nil {
			w.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case !refreshConfig.Paused && rollbackConfig.Paused:
		w.paused.Store(false)
		if discErr := w.discord.updateCustomStatus(
			refreshConfig.DiscordCustomStatus,
		); discErr != nil {
			w.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case refreshConfig.DiscordCustomStatus != rollbackConfig.DiscordCustomStatus:
		if discErr := w.discord.updateCustomStatus(
			refreshConfig.DiscordCustomStatus,
		); discErr != nil {
			w.logger.Error("error updating discord status", tint.Err(discErr))
		}
	}

	w.runtimeConfig = refreshConfig
	w.setRuntimeLevels(*refreshConfig)

	w.logger.Info("refreshed runtime config")
}

// setRuntimeLevels applies persisted log levels and rate limits from
// the given runtime config.
func (w *Warden) setRuntimeLevels(state RuntimeConfig) {
	applyRuntimeLogLevels(w.config, state)
	if w.openai.requestLimiter == nil {
		w.openai.requestLimiter = rate.NewLimiter(
			rate.Limit(float64(w.config.OpenAI.RequestsPerMinute)/60.0),
			1,
		)
	}
}

func (w *Warden) initRun(startCtx context.Context, ctx context.Context) error {
	w.logger.Debug("initializing DB...")
	if err := w.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	w.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a scenario where we
	// want it paused, but it crashes and restarts active)
	var botState RuntimeConfig

	getStateErr := w.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			w.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := w.writeDB.Create(startCtx, &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		w.pendingSetup.Store(true)
	}
	w.paused.Store(botState.Paused)
	w.setRuntimeLevels(botState)
	w.runtimeConfig = &botState

	if catchupErr := w.scheduler.catchup(ctx); catchupErr != nil {
		w.logger.ErrorContext(
			ctx,
			"error catching up overdue reminders",
			tint.Err(catchupErr),
		)
	}

	return nil
}

func (w *Warden) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = w.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     w.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, w.config.DatabaseSlowThreshold)
	db, err := getDB(w.config.DatabaseType, w.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	w.db = db
	w.writeDB = NewDatabase(db, nil, w.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if w.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if sqliteExecPragma != nil {
			pragmaErrors := make([]error, 0, len(sqliteExecPragma))
			for _, p := range sqliteExecPragma {
				pragmaErrors = append(
					pragmaErrors,
					db.WithContext(ctx).Exec(p).Error,
				)
			}
			pragmaErr := errors.Join(pragmaErrors...)
			if pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	if err = migrateDB(ctx, db); err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return err
	}
	logger.Debug("finished migrating database")

	_ = w.writeDB.LoadUsers()
	return nil
}

func (w *Warden) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := w.logger.With(loggerNameKey, "discord_session")

	if w.discord.session == nil {
		disc, discErr := w.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		w.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(w.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range w.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: w.config.Discord.GatewayIntents}
	runtimeCfg := w.RuntimeConfig()
	runtimeCfg.Paused = w.paused.Load()
	identify.Presence = getDiscordPresenceStatusUpdate(runtimeCfg)
	w.discord.session.SetIdentify(identify)

	w.discord.discordgoRemoveHandlerFuncs = []func(){
		w.discord.session.AddHandler(w.discord.handlerConnect()),
		w.discord.session.AddHandler(w.discord.handlerDisconnect()),
		w.discord.session.AddHandler(w.discord.handlerReady()),
		w.discord.session.AddHandler(w.discord.handlerGuildCreate()),
		w.discord.session.AddHandler(w.discord.handlerInviteCreate()),
		w.discord.session.AddHandler(w.discord.handlerGuildMemberAdd()),
		w.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					w.handleInteraction(ctx, i)
				}()
			},
		),
	}

	return nil
}

// Pause 'pauses' the bot. While paused, slash commands receive a notice
// instead of executing, and the reminder scheduler skips dispatch.
func (w *Warden) Pause(ctx context.Context) bool {
	prev := w.paused.Swap(true)
	if prev {
		return false
	}

	if err := w.discord.updateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		w.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}
	if !w.runtimeConfig.Paused {
		if _, err := w.writeDB.Update(
			ctx,
			w.runtimeConfig,
			columnRuntimeConfigPaused,
			true,
		); err != nil {
			w.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes command processing and reminder dispatch. It returns a
// bool indicating whether the bot was paused when called.
func (w *Warden) Resume(ctx context.Context) bool {
	prev := w.paused.Swap(false)
	if !prev {
		w.logger.Warn("bot not paused")
		return false
	}
	w.logger.InfoContext(ctx, "bot resumed")

	if err := w.discord.updateCustomStatus(w.runtimeConfig.DiscordCustomStatus); err != nil {
		w.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if w.runtimeConfig.Paused {
		if _, err := w.writeDB.Update(
			ctx, w.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			w.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}

	return true
}

func (w *Warden) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	w.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if w.eventShutdown != nil {
			go func() {
				w.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := w.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		w.logger.Warn("immediate shutdown")
		go func() {
			_ = w.api.httpServer.Close()
		}()
		return fmt.Errorf("runtime did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(10 * time.Second)
	defer announcementTicker.Stop()

	w.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", w.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		w.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if w.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				w.logger.InfoContext(ctx, "stopping http server")
				_ = w.api.httpServer.Shutdown(closeCtx)
				w.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if w.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				w.logger.InfoContext(ctx, "closing discord session")
				_ = w.discord.session.Close()
				w.logger.InfoContext(ctx, "discord session closed")
				if len(w.discord.discordgoRemoveHandlerFuncs) > 0 {
					for _, h := range w.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					w.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		go func() {
			w.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			w.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally. otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			w.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			w.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, force close
			w.logger.Warn("runtime did not stop in time, forcing close")
			go func() {
				_ = w.api.httpServer.Close()
			}()
			return fmt.Errorf("runtime did not stop in time")
		}
	}
}

// GetOrCreateUser wraps the DBI implementation, so the user cache can be
// shared by the interaction handlers and the scheduler.
func (w *Warden) GetOrCreateUser(
	ctx context.Context,
	u discordgo.User,
) (*User, bool, error) {
	return w.writeDB.GetOrCreateUser(ctx, u)
}

func (*Warden) handleRecover(ctx context.Context, rc any) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = slog.Default()
	}
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
