package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"supportbot/internal/agent"
	"supportbot/internal/bus"
	"supportbot/internal/domain"
	"supportbot/internal/engine"
	"supportbot/internal/memory"
	"supportbot/internal/metrics"
)

const apiMaxBodySize = "1M"

// ChatHandler answers one message synchronously.
type ChatHandler interface {
	ProcessDirect(ctx context.Context, content, channel, chatID string) (agent.Reply, error)
}

// SearchEngine is the retrieval surface exposed over HTTP.
type SearchEngine interface {
	Search(ctx context.Context, query string, alpha float64, topK int) ([]domain.ScoredResult, error)
	SearchWithContext(ctx context.Context, userKey, query string, opts engine.ContextOptions) ([]domain.KnowledgeEntry, error)
	ContextOptions() engine.ContextOptions
	Scoring() domain.ScoringConfig
	Route(ctx context.Context, query string) (domain.RoutingDecision, error)
	Reload(ctx context.Context) (engine.RebuildStats, error)
	ClearCache(ctx context.Context) error
	Status() engine.Status
}

// TicketQueue lists and closes queued tickets.
type TicketQueue interface {
	ListTickets(ctx context.Context, status string, limit int) ([]memory.StoredTicket, error)
	CloseTicket(ctx context.Context, id string) error
}

// API implements domain.Channel as a JSON HTTP API. Chat requests are
// answered inline; the remaining routes expose search and admin operations.
type API struct {
	host        string
	port        int
	apiKey      string
	metricsPath string

	chat    ChatHandler
	engine  SearchEngine
	tickets TicketQueue
	events  *bus.EventBus
	logger  *slog.Logger

	wsHandler http.Handler
	wsPath    string

	echo *echo.Echo
}

type APIConfig struct {
	Host        string
	Port        int
	APIKey      string // empty disables auth
	MetricsPath string // empty disables /metrics
	Chat        ChatHandler
	Engine      SearchEngine
	Tickets     TicketQueue   // optional
	Events      *bus.EventBus // optional
	Logger      *slog.Logger

	// WebSocket, when set, is mounted at WebSocketPath (default /ws).
	WebSocket     http.Handler
	WebSocketPath string
}

func NewAPI(cfg APIConfig) *API {
	a := &API{
		host:        cfg.Host,
		port:        cfg.Port,
		apiKey:      cfg.APIKey,
		metricsPath: cfg.MetricsPath,
		chat:        cfg.Chat,
		engine:      cfg.Engine,
		tickets:     cfg.Tickets,
		events:      cfg.Events,
		logger:      cfg.Logger,
		wsHandler:   cfg.WebSocket,
		wsPath:      cfg.WebSocketPath,
	}
	if a.wsPath == "" {
		a.wsPath = "/ws"
	}
	a.echo = a.routes()
	return a
}

func (a *API) Name() string { return "api" }

// Handler exposes the router for tests and embedding.
func (a *API) Handler() http.Handler { return a.echo }

func (a *API) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(apiMaxBodySize))
	e.HTTPErrorHandler = a.handleError

	if a.apiKey != "" {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			// Browsers cannot set headers on a WebSocket handshake.
			KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ,query:api_key",
			Skipper: func(c echo.Context) bool {
				p := c.Path()
				return p == "/healthz" || (a.metricsPath != "" && p == a.metricsPath)
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return key == a.apiKey, nil
			},
		}))
	}

	e.GET("/healthz", a.healthz)
	e.GET("/status", a.status)
	e.POST("/message", a.message)
	e.POST("/search", a.search)
	e.POST("/route", a.route)
	e.POST("/reload_kb", a.reload)
	e.DELETE("/cache", a.clearCache)
	e.GET("/events", a.listEvents)
	if a.tickets != nil {
		e.GET("/tickets", a.listTickets)
		e.POST("/tickets/:id/close", a.closeTicket)
	}
	if a.metricsPath != "" {
		e.GET(a.metricsPath, echo.WrapHandler(metrics.Handler()))
	}
	if a.wsHandler != nil {
		e.GET(a.wsPath, echo.WrapHandler(a.wsHandler))
	}
	return e
}

// Start serves until ctx is cancelled. bus is unused: chat requests are
// answered inline through the ChatHandler.
func (a *API) Start(ctx context.Context, _ domain.MessageBus) error {
	addr := fmt.Sprintf("%s:%d", a.host, a.port)
	srv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // rebuilds can take a while
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	a.logger.Info("HTTP API started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.echo.Shutdown(shutdownCtx)
	}()

	if err := a.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *API) Stop() error {
	return a.echo.Close()
}

// Send is a no-op: HTTP replies are written on the request.
func (a *API) Send(ctx context.Context, chatID string, content string) error {
	return nil
}

func (a *API) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	if code >= http.StatusInternalServerError {
		a.logger.Error("http request failed", "status", code, "method", req.Method, "path", req.URL.Path, "err", err)
	} else {
		a.logger.Debug("http request rejected", "status", code, "method", req.Method, "path", req.URL.Path, "err", msg)
	}
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]string{"error": msg})
	}
}

// engineError maps retrieval errors to HTTP statuses.
func engineError(err error) error {
	switch {
	case errors.Is(err, domain.ErrCorpusNotReady):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "knowledge base not loaded")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	default:
		return err
	}
}

func (a *API) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"ready":  a.engine.Status().Ready,
	})
}

func (a *API) status(c echo.Context) error {
	return c.JSON(http.StatusOK, a.engine.Status())
}

type messageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

type messageResponse struct {
	Response string                  `json:"response"`
	Action   domain.Action           `json:"action,omitempty"`
	Decision *domain.RoutingDecision `json:"decision,omitempty"`
	TicketID string                  `json:"ticket_id,omitempty"`
}

func (a *API) message(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON")
	}
	req.Message = strings.TrimSpace(req.Message)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.Message == "" || req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id and message are required")
	}

	reply, err := a.chat.ProcessDirect(c.Request().Context(), req.Message, a.Name(), req.UserID)
	if err != nil {
		return engineError(err)
	}
	resp := messageResponse{Response: reply.Content, Decision: reply.Decision}
	if reply.Decision != nil {
		resp.Action = reply.Decision.Action()
	}
	if reply.Ticket != nil {
		resp.TicketID = reply.Ticket.ID
	}
	return c.JSON(http.StatusOK, resp)
}

type searchRequest struct {
	Query  string   `json:"query"`
	Alpha  *float64 `json:"alpha,omitempty"`
	TopK   int      `json:"top_k,omitempty"`
	UserID string   `json:"user_id,omitempty"`
}

func (a *API) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	scoring := a.engine.Scoring()
	alpha := scoring.Alpha
	if req.Alpha != nil {
		if *req.Alpha < 0 || *req.Alpha > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "alpha must be between 0 and 1")
		}
		alpha = *req.Alpha
	}
	ctx := c.Request().Context()

	if req.UserID != "" {
		opts := a.engine.ContextOptions()
		opts.Alpha = alpha
		if req.TopK > 0 {
			opts.TopN = req.TopK
		}
		entries, err := a.engine.SearchWithContext(ctx, a.Name()+":"+req.UserID, req.Query, opts)
		if err != nil {
			return engineError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"query": req.Query, "entries": entries})
	}

	topK := req.TopK
	if topK <= 0 {
		topK = scoring.TopK
	}
	results, err := a.engine.Search(ctx, req.Query, alpha, topK)
	if err != nil {
		return engineError(err)
	}
	if results == nil {
		results = []domain.ScoredResult{}
	}
	return c.JSON(http.StatusOK, map[string]any{"query": req.Query, "results": results})
}

func (a *API) route(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	d, err := a.engine.Route(c.Request().Context(), req.Query)
	if err != nil {
		return engineError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"outcome":  d.Outcome,
		"action":   d.Action(),
		"solved":   d.Solved,
		"entry_id": d.EntryID,
		"results":  d.Results,
	})
}

func (a *API) reload(c echo.Context) error {
	stats, err := a.engine.Reload(c.Request().Context())
	if err != nil {
		a.emit(bus.EventRebuildFailed, map[string]any{"err": err.Error(), "trigger": "api"})
		return err
	}
	a.emit(bus.EventCorpusRebuilt, map[string]any{"entries": stats.Entries, "trigger": "api"})
	return c.JSON(http.StatusOK, stats)
}

func (a *API) clearCache(c echo.Context) error {
	if err := a.engine.ClearCache(c.Request().Context()); err != nil {
		return err
	}
	a.emit(bus.EventCacheCleared, nil)
	return c.NoContent(http.StatusNoContent)
}

func (a *API) listEvents(c echo.Context) error {
	if a.events == nil {
		return c.JSON(http.StatusOK, []bus.Event{})
	}
	eventType := c.QueryParam("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if s := c.QueryParam("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC3339")
		}
		since = t
	}
	events := a.events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

func (a *API) listTickets(c echo.Context) error {
	limit := 0
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	tickets, err := a.tickets.ListTickets(c.Request().Context(), c.QueryParam("status"), limit)
	if err != nil {
		return err
	}
	if tickets == nil {
		tickets = []memory.StoredTicket{}
	}
	return c.JSON(http.StatusOK, tickets)
}

func (a *API) closeTicket(c echo.Context) error {
	err := a.tickets.CloseTicket(c.Request().Context(), c.Param("id"))
	if errors.Is(err, memory.ErrTicketNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *API) emit(eventType string, payload map[string]any) {
	if a.events == nil {
		return
	}
	a.events.Emit(bus.Event{Type: eventType, Source: "api", Payload: payload})
}
