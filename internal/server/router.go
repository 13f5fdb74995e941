package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/auth"
	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/gamification"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/realtime"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"github.com/MarcoPoloResearchLab/codestreak/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	userIDContextKey         = "codestreak_user_id"
	defaultHeartbeatInterval = 15 * time.Second
	// maxClockSkew bounds how far ahead of the server a reported event may be stamped.
	maxClockSkew = 5 * time.Minute
)

var (
	errMissingEngine    = errors.New("gamification engine dependency required")
	errMissingValidator = errors.New("token validator dependency required")
	errMissingUsers     = errors.New("user resolver dependency required")
	errMissingRealtime  = errors.New("realtime dispatcher dependency required")
)

type TokenValidator interface {
	ValidateRequest(r *http.Request) (auth.AccessClaims, error)
}

type UserResolver interface {
	Resolve(ctx context.Context, claims auth.AccessClaims) (users.Resolution, error)
}

type Subscriber interface {
	Subscribe(ctx context.Context, userID string) (<-chan realtime.NotificationMessage, func())
}

type Dependencies struct {
	Engine    *gamification.Engine
	Validator TokenValidator
	Users     UserResolver
	Realtime  Subscriber
	Logger    *zap.Logger
	// HeartbeatInterval paces SSE heartbeats and WebSocket pings.
	HeartbeatInterval time.Duration
	// AllowedOrigins defaults to any origin.
	AllowedOrigins []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine:    deps.Engine,
		validator: deps.Validator,
		users:     deps.Users,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
		upgrader:  newUpgrader(deps.AllowedOrigins),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/gamification")
	protected.Use(handler.authorizeRequest)
	protected.GET("/summary", handler.handleSummary)
	protected.POST("/events", handler.handleReportEvent)
	protected.PUT("/todos", handler.handleOutstandingTodos)
	protected.GET("/transactions", handler.handleTransactions)
	protected.GET("/stream", handler.handleStream)
	protected.GET("/ws", handler.handleWebSocket)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	engine    *gamification.Engine
	validator TokenValidator
	users     UserResolver
	realtime  Subscriber
	logger    *zap.Logger
	heartbeat time.Duration
	upgrader  *websocket.Upgrader
}

// authorizeRequest validates the caller and maps it to a canonical user. A
// user without ledger state is registered with the scoring engine first, so a
// registration that failed on an earlier request is retried here.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		level := zapcore.WarnLevel
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrMissingToken) {
			level = zapcore.InfoLevel
		}
		if entry := h.logger.Check(level, "token validation failed"); entry != nil {
			entry.Write(zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	resolution, err := h.users.Resolve(c.Request.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}
	c.Set(userIDContextKey, resolution.UserID)
	if err := h.engine.EnsureRegistered(c.Request.Context(), resolution.UserID); err != nil {
		h.writeError(c, "register", err)
		c.Abort()
		return
	}
	c.Next()
}

func (h *httpHandler) handleSummary(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	summary, err := h.engine.Summary(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type eventRequestPayload struct {
	Kind              string `json:"kind"`
	Difficulty        string `json:"difficulty"`
	Count             int    `json:"count"`
	EventKey          string `json:"event_key"`
	OccurredAtSeconds int64  `json:"occurred_at_s"`
}

type transactionPayload struct {
	TransactionID     string             `json:"transaction_id"`
	EventKey          string             `json:"event_key,omitempty"`
	Kind              scoring.EventKind  `json:"kind"`
	Difficulty        scoring.Difficulty `json:"difficulty,omitempty"`
	Count             int                `json:"count"`
	BaseXP            int                `json:"base_xp"`
	AdjustedXP        int                `json:"adjusted_xp"`
	ScalingMultiplier float64            `json:"scaling_multiplier"`
	ComboCount        int                `json:"combo_count"`
	ComboBonusXP      int                `json:"combo_bonus_xp"`
	DeltaXP           int                `json:"delta_xp"`
	PreviousTotalXP   int                `json:"previous_total_xp"`
	TotalXP           int                `json:"total_xp"`
	PreviousBadge     string             `json:"previous_badge"`
	Badge             string             `json:"badge"`
	TierChanged       bool               `json:"tier_changed"`
	Revision          int64              `json:"revision"`
	OccurredAtSeconds int64              `json:"occurred_at_s"`
}

type goalPayload struct {
	Day         string           `json:"day"`
	Status      dailygoal.Status `json:"status"`
	SolvedCount int              `json:"solved_count"`
	Goal        int              `json:"goal"`
}

type reportResponsePayload struct {
	Transaction transactionPayload   `json:"transaction"`
	DailyGoal   *goalPayload         `json:"daily_goal,omitempty"`
	Applied     []transactionPayload `json:"applied"`
	TotalXP     int                  `json:"total_xp"`
	Badge       string               `json:"badge"`
	Revision    int64                `json:"revision"`
}

// handleReportEvent accepts the collaborator-reported kinds only. Bonuses and
// penalties come from the daily goal evaluator and registration.
func (h *httpHandler) handleReportEvent(c *gin.Context) {
	var request eventRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := scoring.ParseEventKind(request.Kind)
	if err != nil || !kind.Scaled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	difficulty, err := scoring.ParseDifficulty(request.Difficulty)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_difficulty"})
		return
	}
	if request.Count < 0 || request.OccurredAtSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	event := ledger.Event{
		UserID:     c.GetString(userIDContextKey),
		Kind:       kind,
		Difficulty: difficulty,
		Count:      request.Count,
		Key:        request.EventKey,
	}
	if request.OccurredAtSeconds > 0 {
		event.OccurredAt = time.Unix(request.OccurredAtSeconds, 0).UTC()
		if event.OccurredAt.After(time.Now().Add(maxClockSkew)) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_occurred_at"})
			return
		}
	}

	report, err := h.engine.ReportEvent(c.Request.Context(), event)
	if err != nil {
		h.writeError(c, "report_event", err)
		return
	}

	response := reportResponsePayload{
		Transaction: toTransactionPayload(report.Transaction),
		Applied:     []transactionPayload{toTransactionPayload(report.Transaction)},
		TotalXP:     report.Transaction.ResultingTotalXP,
		Badge:       report.Transaction.ResultingBadge,
		Revision:    report.Transaction.Revision,
	}
	if report.Goal != nil {
		response.DailyGoal = &goalPayload{
			Day:         report.Goal.DayKey,
			Status:      report.Goal.Status,
			SolvedCount: report.Goal.SolvedCount,
			Goal:        report.Goal.Goal,
		}
		for _, record := range report.Goal.Transactions {
			response.Applied = append(response.Applied, toTransactionPayload(record))
			response.TotalXP = record.ResultingTotalXP
			response.Badge = record.ResultingBadge
			response.Revision = record.Revision
		}
	}
	c.JSON(http.StatusOK, response)
}

type todosRequestPayload struct {
	Outstanding *int   `json:"outstanding"`
	Day         string `json:"day"`
}

func (h *httpHandler) handleOutstandingTodos(c *gin.Context) {
	var request todosRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Outstanding == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.engine.SetOutstandingTodos(c.Request.Context(), c.GetString(userIDContextKey), request.Day, *request.Outstanding)
	if err != nil {
		h.writeError(c, "set_outstanding_todos", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"day":         record.DayKey,
		"outstanding": record.OutstandingTodos,
		"status":      record.Status,
	})
}

func (h *httpHandler) handleTransactions(c *gin.Context) {
	from, to, ok := parseRange(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range"})
		return
	}
	records, err := h.engine.Transactions(c.Request.Context(), c.GetString(userIDContextKey), from, to)
	if err != nil {
		h.writeError(c, "list_transactions", err)
		return
	}
	response := make([]transactionPayload, 0, len(records))
	for _, record := range records {
		response = append(response, toTransactionPayload(record))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": response})
}

// parseRange reads from_s and to_s. A missing to_s means the end of the
// current UTC day; a missing from_s means seven days before to_s.
func parseRange(c *gin.Context) (time.Time, time.Time, bool) {
	to := scoring.DayStart(time.Now()).AddDate(0, 0, 1)
	if raw := c.Query("to_s"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 {
			return time.Time{}, time.Time{}, false
		}
		to = time.Unix(seconds, 0).UTC()
	}
	from := to.AddDate(0, 0, -7)
	if raw := c.Query("from_s"); raw != "" {
		seconds, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seconds < 0 {
			return time.Time{}, time.Time{}, false
		}
		from = time.Unix(seconds, 0).UTC()
	}
	return from, to, true
}

func toTransactionPayload(record ledger.XpTransaction) transactionPayload {
	return transactionPayload{
		TransactionID:     record.TransactionID,
		EventKey:          record.Key(),
		Kind:              record.Kind,
		Difficulty:        record.Difficulty,
		Count:             record.Count,
		BaseXP:            record.BaseXP,
		AdjustedXP:        record.AdjustedXP,
		ScalingMultiplier: record.ScalingMultiplier,
		ComboCount:        record.ComboCount,
		ComboBonusXP:      record.ComboBonusXP,
		DeltaXP:           record.ResultingTotalXP - record.PreviousTotalXP,
		PreviousTotalXP:   record.PreviousTotalXP,
		TotalXP:           record.ResultingTotalXP,
		PreviousBadge:     record.PreviousBadge,
		Badge:             record.ResultingBadge,
		TierChanged:       record.TierChanged,
		Revision:          record.Revision,
		OccurredAtSeconds: record.OccurredAtSeconds,
	}
}

// writeError maps domain failures to statuses. Details of server-side
// failures stay in the logs.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	level := zapcore.InfoLevel
	if status >= http.StatusInternalServerError {
		level = zapcore.ErrorLevel
	}
	if entry := h.logger.Check(level, "request failed"); entry != nil {
		entry.Write(
			zap.String("operation", operation),
			zap.String("reason", code),
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		return http.StatusConflict, "duplicate_event"
	case errors.Is(err, dailygoal.ErrDayClosed):
		return http.StatusConflict, "day_closed"
	case errors.Is(err, ledger.ErrInvalidEvent),
		errors.Is(err, dailygoal.ErrInvalidInput),
		errors.Is(err, gamification.ErrInvalidRange):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrTransientStorage):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
