package warden

import (
	"context"
	cryprand "crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathLogin    = "/login"
	apiPathLogout   = "/logout"
	apiPathLoggedIn = "/logged_in"
	apiHealthCheck  = "/healthz"

	apiAdminSetup      = "/admin/create"
	apiPathSetupStatus = "/setup/status"

	apiPathConfig           = "/config"
	apiPathPause            = "/pause"
	apiPathResume           = "/resume"
	apiPathQuit             = "/quit"
	apiPathUsers            = "/users"
	apiPathUpdateUser       = "/user/:id"
	apiPathReminders        = "/reminders"
	apiPathDeliveries       = "/reminder_deliveries"
	apiPathTickets          = "/tickets"
	apiPathFAQs             = "/faqs"
	apiPathOnboarding       = "/onboarding"
	apiPathAskCommands      = "/ask_commands"
	apiPathGuildSettings    = "/guild/:id/settings"
	apiPathSettingHistory   = "/guild/:id/setting_history"
	apiPathInvites          = "/guild/:id/invites"
	apiPathMetrics          = "/metrics"
	apiPathSystem           = "/system"
	apiPathRegisterCommands = "/discord/register_commands"
)

const (
	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "user"
	sessionVarField  = "username"
)

var structValidator = validator.New()

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

// API is the dashboard HTTP server. It serves the admin session
// endpoints, runtime config management, and read-only views of the
// bot's data.
type API struct {
	config              *APIConfig
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes the API server: session store, middleware,
// TLS config and route registration.
func newAPI(w *Warden, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
	}
	apiHandlers := NewAPIHandlers(w)
	api.handlers = apiHandlers
	api.store = apiHandlers.store
	_ = r.Use(sessions.Sessions(sessionVarName, apiHandlers.store))

	tlsCfg, e := tlsConfig(
		config.SSL.Cert,
		config.SSL.Key,
		config.SSL.TLSMinVersion,
	)
	if e != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", e)
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer
	api.logger = setupLogger.With(loggerNameKey, "api")

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.POST(apiPathLogin, apiHandlers.loginHandler)
	r.GET(apiHealthCheck, apiHandlers.healthCheck)
	r.POST(apiPathLogout, apiHandlers.logoutHandler)

	r.POST(apiAdminSetup, apiHandlers.adminSetup)
	r.GET(apiPathSetupStatus, apiHandlers.setupStatus)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(w))

	protected.GET(apiPathLoggedIn, apiHandlers.loggedIn)
	protected.GET(apiPathConfig, apiHandlers.getConfig)
	protected.PATCH(apiPathConfig, apiHandlers.updateRuntimeConfig)
	protected.POST(apiPathPause, apiHandlers.botPause)
	protected.POST(apiPathResume, apiHandlers.botResume)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	protected.GET(apiPathUsers, apiHandlers.getUsers)
	protected.PATCH(apiPathUpdateUser, apiHandlers.updateUser)
	protected.GET(apiPathReminders, apiHandlers.getReminders)
	protected.GET(apiPathDeliveries, apiHandlers.getReminderDeliveries)
	protected.GET(apiPathTickets, apiHandlers.getTickets)
	protected.GET(apiPathFAQs, apiHandlers.getFAQEntries)
	protected.GET(apiPathOnboarding, apiHandlers.getOnboardingResponses)
	protected.GET(apiPathAskCommands, apiHandlers.getAskCommands)
	protected.GET(apiPathGuildSettings, apiHandlers.getGuildSettings)
	protected.GET(apiPathSettingHistory, apiHandlers.getSettingHistory)
	protected.GET(apiPathInvites, apiHandlers.getInviteAttribution)
	protected.GET(apiPathMetrics, apiHandlers.getMetrics)
	protected.GET(apiPathSystem, apiHandlers.getSystemInfo)
	protected.POST(
		apiPathRegisterCommands,
		apiHandlers.discordRegisterCommands,
	)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)

	if e != nil {
		panic(e)
	}
	ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	store := a.store
	session, err := store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, e := username.(string)
	if !e {
		return "", errors.New("username not a string")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	w      *Warden
	logger *slog.Logger
	store  CookieStore
}

// NewAPIHandlers sets up the logger, derives the session secret key,
// and configures the session store.
func NewAPIHandlers(w *Warden) *APIHandlers {
	logger := w.logger.With(loggerNameKey, "api")

	var secretKey []byte
	switch sk := w.config.API.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	sameSite := http.SameSiteStrictMode
	if w.config.API.Development {
		sameSite = http.SameSiteNoneMode
	}
	store.Options(
		sessions.Options{
			HttpOnly: true,
			Secure:   true,
			MaxAge:   int(w.config.API.SessionMaxAge.Seconds()),
			SameSite: sameSite,
		},
	)
	return &APIHandlers{w: w, logger: logger, store: store}
}

func (h *APIHandlers) setupStatus(c *gin.Context) {
	c.JSON(http.StatusOK, setupResponse{Required: h.w.pendingSetup.Load()})
}

// adminSetup handles the one-time admin credential setup. Returns 403
// once credentials have been set.
func (h *APIHandlers) adminSetup(c *gin.Context) {
	h.w.cfgMu.Lock()
	defer h.w.cfgMu.Unlock()

	if !h.w.pendingSetup.Load() {
		c.JSON(http.StatusForbidden, httpError{Error: "Forbidden"})
		return
	}

	logger := ginContextLogger(c)
	logger.Info("first time admin setup")
	var adminSetup adminSetupPayload

	if e := c.ShouldBindJSON(&adminSetup); e != nil {
		logger.Error("bad payload", tint.Err(e))
		c.JSON(http.StatusBadRequest, gin.H{"error": e.Error()})
		return
	}

	currentState := h.w.runtimeConfig

	username := adminSetup.Username

	password, err := HashPassword(adminSetup.Password)
	if err != nil {
		logger.Error("error hashing password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error setting admin credentials"},
		)
		return
	}

	if _, err = h.w.writeDB.Updates(
		c.Request.Context(), currentState, map[string]any{
			columnRuntimeConfigAdminUsername: username,
			columnRuntimeConfigAdminPassword: password,
		},
	); err != nil {
		logger.Error("error updating admin credentials", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error updating admin credentials"},
		)
		return
	}
	h.w.runtimeConfig = currentState
	h.w.pendingSetup.Store(false)
	c.JSON(http.StatusCreated, gin.H{"message": "admin credentials set"})
}

// loginHandler validates the login payload against the stored admin
// credentials and creates a session. Login attempts are rate limited.
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := h.w.logger
	if logger == nil {
		logger = slog.Default()
	}
	if !h.w.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")

		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runtimeConfig := h.w.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "Internal Server Error"},
		)
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	session, err := h.w.api.store.New(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error creating session", tint.Err(err))

		sess, _ := h.store.Get(c.Request, sessionVarName)
		if sess != nil {
			sess.Values[sessionVarField] = ""
			_ = sess.Save(c.Request, c.Writer)
		}
		ginReplyError(c, "internal server error")
		return
	}
	if session == nil {
		logger.Error("didn't get session!?")
		ginReplyError(c, "internal server error")
		return
	}
	sameSite := http.SameSiteStrictMode
	if h.w.api.config.Development {
		sameSite = http.SameSiteNoneMode
	}
	session.Options = &gsessions.Options{
		MaxAge:   int(h.w.api.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
		HttpOnly: true,
		Secure:   true,
	}
	session.Values[sessionVarField] = login.Username
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			Paused:                  h.w.paused.Load(),
			DiscordGatewayConnected: h.w.discord.connected.Load(),
			RemindersInProgress:     h.w.remindersInProgress.Load(),
			AsksInProgress:          h.w.asksInProgress.Load(),
		},
	)
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session, err := h.store.Get(c.Request, sessionVarName)
	if err != nil {
		logger.Error("error getting session", tint.Err(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	session.Values[sessionVarField] = ""
	err = session.Save(c.Request, c.Writer)
	if err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.w.api.getSessionUsername(c)

	if err != nil {
		ginContextLogger(c).Warn(
			"error getting session username",
			tint.Err(err),
		)
		c.JSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.w.discord.registerCommands(h.w.RuntimeConfig())
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error registering commands"},
		)
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

func (h *APIHandlers) botPause(c *gin.Context) {
	log := ginContextLogger(c)
	h.w.cfgMu.Lock()
	defer h.w.cfgMu.Unlock()

	if h.w.Pause(context.Background()) {
		log.Info("bot paused")
		ginReplyMessage(c, "bot paused")
		return
	}

	c.AbortWithStatusJSON(
		http.StatusConflict,
		httpError{Error: "bot already paused"},
	)
}

func (h *APIHandlers) botResume(c *gin.Context) {
	h.w.cfgMu.Lock()
	defer h.w.cfgMu.Unlock()

	ok := h.w.Resume(context.Background())
	if ok {
		ginReplyMessage(c, "bot resumed")
		return
	}
	c.AbortWithStatusJSON(http.StatusConflict, httpError{Error: "bot not paused"})
}

// botQuit sends a stop signal to all bot instances via the DB notifier.
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.w.dbNotifier.Stop(ctx)
		doneCh <- struct{}{}
		close(doneCh)
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(
			http.StatusGatewayTimeout,
			httpError{Error: "timeout sending stop signal"},
		)
	}
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	botState := h.w.RuntimeConfig()
	c.JSON(http.StatusOK, botState)
}

// updateRuntimeConfig applies a partial update to the runtime config,
// persists it, re-applies log levels and bot status, and notifies other
// instances to reload.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	w := h.w
	w.cfgMu.Lock()
	defer w.cfgMu.Unlock()

	ctx := context.Background()

	var updateRequest RuntimeConfigUpdate
	logger := ginContextLogger(c)
	if err := c.ShouldBindJSON(&updateRequest); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := updateRequest.validate(); err != nil {
		logger.Error("invalid payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	existingConfig := w.runtimeConfig
	rollbackConfig := *existingConfig

	changedColumns := changedRuntimeConfigColumns(*existingConfig, updateRequest)
	if len(changedColumns) == 0 {
		c.JSON(http.StatusOK, existingConfig)
		return
	}

	updateData, err := json.Marshal(updateRequest)
	if err != nil {
		logger.ErrorContext(c, "error marshaling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error marshaling update request"},
		)
		return
	}

	var updates map[string]any
	err = json.Unmarshal(updateData, &updates)
	if err != nil {
		logger.ErrorContext(c, "error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error unmarshalling update request"},
		)
		return
	}
	logger.InfoContext(c, "applying updates", "updates", updates)

	var updateError error

	var statusCode int
	var ginResponse gin.H

	_ = w.writeDB.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			updateError = tx.Model(existingConfig).Updates(updates).Error
			if updateError != nil {
				statusCode = http.StatusInternalServerError
				ginResponse = gin.H{"error": "error updating config"}
				return updateError
			}

			updateError = structValidator.Struct(existingConfig)
			if updateError != nil {
				statusCode = http.StatusBadRequest
				ginResponse = gin.H{"error": "error validating config"}
				return updateError
			}
			return nil
		},
	)

	if updateError != nil {
		w.runtimeConfig = &rollbackConfig
		logger.ErrorContext(c, "error updating config", tint.Err(updateError))
		c.JSON(statusCode, ginResponse)
		return
	}

	// applies paused state, discord status and log levels
	w.unsafeRefreshRuntimeConfig(&rollbackConfig, existingConfig)

	c.JSON(http.StatusAccepted, existingConfig)

	sent := w.dbNotifier.ReloadRuntimeConfig(ctx)
	if !sent {
		logger.Error("error sending config update notification")
	}
}

// updateUser accepts a partial User update. Any non-nil field in the
// payload is applied.
func (h *APIHandlers) updateUser(c *gin.Context) {
	log := ginContextLogger(c)

	var update apiPatchUser
	if err := c.ShouldBindJSON(&update); err != nil {
		log.Warn("bad request", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	userID := c.Param("id")

	var user User
	if err := h.w.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warn("user not found", columnUserID, userID)
			c.JSON(http.StatusNotFound, httpError{Error: "User not found"})
			return
		}
		log.Error("error getting user", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting user"})
		return
	}

	updateContent, err := json.Marshal(update)
	if err != nil {
		log.Error("error marshaling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error marshaling update request"},
		)
		return
	}

	var updateData map[string]any
	if err = json.Unmarshal(updateContent, &updateData); err != nil {
		log.Error("error unmarshalling update request", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error unmarshalling update request"},
		)
		return
	}

	if len(updateData) == 0 {
		c.JSON(http.StatusAccepted, user)
		return
	}

	log.Info("updating user", "user", user, "updates", updateData)

	_, err = h.w.writeDB.Updates(c.Request.Context(), &user, updateData)
	if err != nil {
		log.Error("error updating user", columnUserID, userID, tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error updating User"})
		return
	}
	c.JSON(http.StatusAccepted, user)
}

func (h *APIHandlers) getUsers(c *gin.Context) {
	var pagination GetUsersQuery
	if c.ShouldBindQuery(&pagination) != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Ascending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var users []User

	var err error
	switch pagination.Order {
	case Descending:
		err = h.w.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id desc").Find(&users).Error
	default:
		err = h.w.db.Limit(pagination.Limit).Offset(pagination.Offset).Order("id asc").Find(&users).Error
	}
	if err != nil {
		log.Error("error getting users", tint.Err(err))
		c.JSON(http.StatusInternalServerError, httpError{Error: "error getting users"})
		return
	}

	c.JSON(http.StatusOK, users)
}

// getReminders supports pagination and filtering by user and guild.
func (h *APIHandlers) getReminders(c *gin.Context) {
	var pagination GetRemindersQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	if pagination.Order == "" {
		pagination.Order = Descending
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	var reminders []Reminder

	query := h.w.db.Model(&Reminder{}).Preload(
		"User",
	).Limit(pagination.Limit).Offset(pagination.Offset)

	if pagination.UserID != "" {
		query = query.Where("user_id = ?", pagination.UserID)
	}
	if pagination.GuildID != "" {
		query = query.Where("guild_id = ?", pagination.GuildID)
	}
	if pagination.EnabledOnly {
		query = query.Where("enabled = ?", true)
	}

	switch pagination.Order {
	case Ascending:
		query = query.Order("next_run asc")
	default:
		query = query.Order("next_run desc")
	}

	if err := query.Find(&reminders).Error; err != nil {
		log.ErrorContext(
			c.Request.Context(),
			"error getting reminders",
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting reminders"},
		)
		return
	}

	c.JSON(http.StatusOK, reminders)
}

func (h *APIHandlers) getReminderDeliveries(c *gin.Context) {
	var pagination GetDeliveriesQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = 50
	}

	log := ginContextLogger(c)

	query := h.w.db.Model(&ReminderDelivery{}).Limit(
		pagination.Limit,
	).Offset(pagination.Offset).Order("id desc")

	if pagination.ReminderID > 0 {
		query = query.Where("reminder_id = ?", pagination.ReminderID)
	}
	if pagination.Status != "" {
		query = query.Where("status = ?", pagination.Status)
	}

	var deliveries []ReminderDelivery
	if err := query.Find(&deliveries).Error; err != nil {
		log.Error("error getting reminder deliveries", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting reminder deliveries"},
		)
		return
	}
	c.JSON(http.StatusOK, deliveries)
}

func (h *APIHandlers) getTickets(c *gin.Context) {
	var params GetTicketsQuery
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if params.Limit == 0 {
		params.Limit = 25
	}

	log := ginContextLogger(c)

	query := h.w.db.Model(&Ticket{}).Limit(params.Limit).Offset(
		params.Offset,
	).Order("id desc")
	if params.GuildID != "" {
		query = query.Where("guild_id = ?", params.GuildID)
	}
	if params.State != "" {
		query = query.Where("state = ?", params.State)
	}

	var tickets []Ticket
	if err := query.Find(&tickets).Error; err != nil {
		log.Error("error getting tickets", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting tickets"},
		)
		return
	}
	c.JSON(http.StatusOK, tickets)
}

func (h *APIHandlers) getFAQEntries(c *gin.Context) {
	log := ginContextLogger(c)
	query := h.w.db.Model(&FAQEntry{}).Order("guild_id asc, name asc")
	if guildID := c.Query("guild_id"); guildID != "" {
		query = query.Where("guild_id = ?", guildID)
	}
	var entries []FAQEntry
	if err := query.Find(&entries).Error; err != nil {
		log.Error("error getting faq entries", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting faq entries"},
		)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) getOnboardingResponses(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)
	query := h.w.db.Model(&OnboardingResponse{}).Limit(
		pagination.Limit,
	).Offset(pagination.Offset).Order("id desc")
	if guildID := c.Query("guild_id"); guildID != "" {
		query = query.Where("guild_id = ?", guildID)
	}

	var responses []OnboardingResponse
	if err := query.Find(&responses).Error; err != nil {
		log.Error("error getting onboarding responses", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting onboarding responses"},
		)
		return
	}
	c.JSON(http.StatusOK, responses)
}

func (h *APIHandlers) getAskCommands(c *gin.Context) {
	var pagination GetAskCommandsQuery
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = 25
	}

	log := ginContextLogger(c)

	query := h.w.db.Model(&AskCommand{}).Limit(pagination.Limit).Offset(
		pagination.Offset,
	).Order("created_at desc")
	if pagination.UserID != "" {
		query = query.Where("user_id = ?", pagination.UserID)
	}
	if pagination.GuildID != "" {
		query = query.Where("guild_id = ?", pagination.GuildID)
	}

	var askCommands []AskCommand
	if err := query.Find(&askCommands).Error; err != nil {
		log.Error("error getting ask commands", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting ask commands"},
		)
		return
	}
	c.JSON(http.StatusOK, askCommands)
}

func (h *APIHandlers) getGuildSettings(c *gin.Context) {
	guildID := c.Param("id")
	settings, err := h.w.settings.List(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error getting guild settings", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting guild settings"},
		)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *APIHandlers) getSettingHistory(c *gin.Context) {
	guildID := c.Param("id")
	limit := 0
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid limit"})
			return
		}
	}
	history, err := h.w.settings.History(c.Request.Context(), guildID, limit)
	if err != nil {
		ginContextLogger(c).Error("error getting setting history", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting setting history"},
		)
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *APIHandlers) getInviteAttribution(c *gin.Context) {
	guildID := c.Param("id")
	summaries, err := h.w.inviteAttribution(c.Request.Context(), guildID)
	if err != nil {
		ginContextLogger(c).Error("error getting invite attribution", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error getting invite attribution"},
		)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// getMetrics aggregates record counts and dispatch outcomes for the
// dashboard overview page.
func (h *APIHandlers) getMetrics(c *gin.Context) {
	ctx := c.Request.Context()
	log := ginContextLogger(c)
	db := h.w.db.WithContext(ctx)

	var metrics botMetrics
	counts := []struct {
		query *gorm.DB
		dest  *int64
	}{
		{db.Model(&User{}), &metrics.Users},
		{
			db.Model(&Reminder{}).Where("enabled = ?", true),
			&metrics.ActiveReminders,
		},
		{
			db.Model(&ReminderDelivery{}).Where(
				"status = ?", ReminderDeliveryStatusSent,
			),
			&metrics.RemindersSent,
		},
		{
			db.Model(&ReminderDelivery{}).Where(
				"status = ?", ReminderDeliveryStatusFailed,
			),
			&metrics.RemindersFailed,
		},
		{
			db.Model(&ReminderDelivery{}).Where(
				"status = ?", ReminderDeliveryStatusMissed,
			),
			&metrics.RemindersMissed,
		},
		{
			db.Model(&Ticket{}).Where("state = ?", TicketStateOpen),
			&metrics.OpenTickets,
		},
		{db.Model(&FAQEntry{}), &metrics.FAQEntries},
		{
			db.Model(&OnboardingResponse{}),
			&metrics.OnboardingResponses,
		},
		{db.Model(&AskCommand{}), &metrics.AskCommands},
	}
	g, _ := errgroup.WithContext(ctx)
	for _, count := range counts {
		count := count
		g.Go(
			func() error {
				return count.query.Count(count.dest).Error
			},
		)
	}
	if err := g.Wait(); err != nil {
		log.Error("error counting records", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error gathering metrics"},
		)
		return
	}

	if err := db.Model(&AskCommand{}).Select(
		"coalesce(sum(usage_total_tokens), 0)",
	).Scan(&metrics.AskTokensUsed).Error; err != nil {
		log.Error("error summing token usage", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error gathering metrics"},
		)
		return
	}

	metrics.UptimeSeconds = int64(time.Since(h.w.startedAt).Seconds())

	h.w.api.requestMetricsMu.Lock()
	metrics.Requests = make(map[string]int, len(h.w.api.requestMetrics))
	for k, v := range h.w.api.requestMetrics {
		metrics.Requests[k] = v
	}
	h.w.api.requestMetricsMu.Unlock()

	c.JSON(http.StatusOK, metrics)
}

// getSystemInfo reports host, CPU and memory stats for the dashboard.
func (h *APIHandlers) getSystemInfo(c *gin.Context) {
	ctx := c.Request.Context()
	log := ginContextLogger(c)

	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		log.Warn("error getting host info", tint.Err(err))
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Warn("error getting memory info", tint.Err(err))
	}
	cpuCount, _ := cpu.CountsWithContext(ctx, true)
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		log.Warn("error getting cpu usage", tint.Err(err))
	}

	info := systemInfoResponse{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		CPUCount:   cpuCount,
		Version:    Version,
		CommitSHA:  CommitSHA,
	}
	if hostInfo != nil {
		info.Platform = hostInfo.Platform
		info.PlatformVersion = hostInfo.PlatformVersion
		info.KernelVersion = hostInfo.KernelVersion
		info.HostUptimeSeconds = hostInfo.Uptime
	}
	if vm != nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
		info.MemoryUsedPercent = vm.UsedPercent
	}
	if len(cpuPercent) > 0 {
		info.CPUUsedPercent = cpuPercent[0]
	}

	c.JSON(http.StatusOK, info)
}

// botMetrics is the response body for the metrics endpoint.
type botMetrics struct {
	Users               int64 `json:"users"`
	ActiveReminders     int64 `json:"active_reminders"`
	RemindersSent       int64 `json:"reminders_sent"`
	RemindersFailed     int64 `json:"reminders_failed"`
	RemindersMissed     int64 `json:"reminders_missed"`
	OpenTickets         int64 `json:"open_tickets"`
	FAQEntries          int64 `json:"faq_entries"`
	OnboardingResponses int64 `json:"onboarding_responses"`
	AskCommands         int64 `json:"ask_commands"`
	AskTokensUsed       int64 `json:"ask_tokens_used"`
	UptimeSeconds       int64 `json:"uptime_seconds"`

	Requests map[string]int `json:"requests"`
}

// systemInfoResponse is the response body for the system info endpoint.
type systemInfoResponse struct {
	Platform          string  `json:"platform"`
	PlatformVersion   string  `json:"platform_version"`
	KernelVersion     string  `json:"kernel_version"`
	GoVersion         string  `json:"go_version"`
	Goroutines        int     `json:"goroutines"`
	CPUCount          int     `json:"cpu_count"`
	CPUUsedPercent    float64 `json:"cpu_used_percent"`
	MemoryTotal       uint64  `json:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	HostUptimeSeconds uint64  `json:"host_uptime_seconds"`
	Version           string  `json:"version"`
	CommitSHA         string  `json:"commit_sha"`
}

// Pagination represents the common pagination parameters.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// Sort is the sorting order for list queries, either "asc" or "desc".
type Sort string

type GetUsersQuery struct {
	Pagination
}

type GetRemindersQuery struct {
	Pagination
	UserID      string `form:"user_id"`
	GuildID     string `form:"guild_id"`
	EnabledOnly bool   `form:"enabled_only"`
}

type GetDeliveriesQuery struct {
	Pagination
	ReminderID uint   `form:"reminder_id"`
	Status     string `form:"status" binding:"omitempty,oneof=sent failed missed"`
}

type GetTicketsQuery struct {
	Pagination
	GuildID string `form:"guild_id"`
	State   string `form:"state" binding:"omitempty,oneof=open closed"`
}

type GetAskCommandsQuery struct {
	Pagination
	UserID  string `form:"user_id"`
	GuildID string `form:"guild_id"`
}

// apiPatchUser accepts payload to update specific fields of a User
// record. Any non-nil value will be updated.
//
//nolint:lll // struct tags can't be split
type apiPatchUser struct {
	Ignored       *bool `json:"ignored,omitempty" binding:"omitnil"`
	ReminderLimit *int  `json:"reminder_limit,omitempty" binding:"omitnil,min=0"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Paused                  bool  `json:"paused"`
	DiscordGatewayConnected bool  `json:"discord_gateway_connected"`
	RemindersInProgress     int64 `json:"reminders_in_progress"`
	AsksInProgress          int64 `json:"asks_in_progress"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type adminSetupPayload struct {
	Username        string `json:"username" binding:"required"`
	Password        string `json:"password" binding:"required,eqfield=ConfirmPassword"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// setupResponse is the response struct for the setup status endpoint.
// Required is true until admin credentials have been set.
type setupResponse struct {
	Required bool `json:"required"`
}

// authMiddleware rejects requests without a valid admin session. While
// initial setup is pending, everything behind it returns 401.
func authMiddleware(w *Warden) gin.HandlerFunc {
	return func(c *gin.Context) {
		store := w.api.store
		logger := w.logger
		if logger == nil {
			logger = slog.Default()
		}
		if w.pendingSetup.Load() {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		session, err := store.Get(c.Request, sessionVarName)
		if err != nil {
			logger.Error("error getting session", tint.Err(err))
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		if session == nil {
			logger.Error("session is nil")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		username, ok := session.Values[sessionVarField]

		if !ok || username == "" {
			logger.Warn(
				"username not found in session",
				"headers",
				c.Request.Header,
			)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, set in both the gin context and the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and
// response status.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware counts requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON error response with
// HTTP status code 500 via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// generateSelfSignedCert generates a self-signed TLS certificate and
// private key, valid from the current time for 1 year.
func generateSelfSignedCert(
	certFile string,
	keyFile string,
) (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(cryprand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	certTemplate := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Warden"},
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(
		cryprand.Reader,
		&certTemplate,
		&certTemplate,
		&priv.PublicKey,
		priv,
	)
	if err != nil {
		return tls.Certificate{}, err
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = certOut.Close()
	}()

	if err = pem.Encode(
		certOut,
		&pem.Block{Type: "CERTIFICATE", Bytes: derBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	keyOut, err := os.Create(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}
	defer func() {
		_ = keyOut.Close()
	}()

	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err = pem.Encode(
		keyOut,
		&pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes},
	); err != nil {
		return tls.Certificate{}, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	return cert, nil
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(
		validateSchedulerConfig,
		SchedulerConfig{},
	)
}
