package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/codestreak/internal/auth"
	"github.com/MarcoPoloResearchLab/codestreak/internal/cache"
	"github.com/MarcoPoloResearchLab/codestreak/internal/dailygoal"
	"github.com/MarcoPoloResearchLab/codestreak/internal/database"
	"github.com/MarcoPoloResearchLab/codestreak/internal/gamification"
	"github.com/MarcoPoloResearchLab/codestreak/internal/ledger"
	"github.com/MarcoPoloResearchLab/codestreak/internal/realtime"
	"github.com/MarcoPoloResearchLab/codestreak/internal/scoring"
	"github.com/MarcoPoloResearchLab/codestreak/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "codestreak-auth"
)

type testServer struct {
	db         *gorm.DB
	server     *httptest.Server
	issuer     *auth.Issuer
	dispatcher *realtime.Dispatcher
}

func newTestServer(t *testing.T, heartbeat time.Duration) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rules := scoring.MustCompile(scoring.DefaultRules())
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "server.db"),
	}, rules, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	xpLedger, err := ledger.New(ledger.Config{Database: db, Rules: rules, IDProvider: ledger.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	goals, err := dailygoal.NewEvaluator(dailygoal.Config{Database: db, Ledger: xpLedger, Rules: rules})
	if err != nil {
		t.Fatalf("failed to construct evaluator: %v", err)
	}
	dispatcher := realtime.NewDispatcher()
	engine, err := gamification.NewEngine(gamification.Config{
		Ledger:   xpLedger,
		Goals:    goals,
		Notifier: dispatcher,
		Cache:    cache.NewMemory(time.Minute, nil),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	validator, err := auth.NewValidator(auth.ValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Engine:            engine,
		Validator:         validator,
		Users:             userService,
		Realtime:          dispatcher,
		Logger:            zap.NewNop(),
		HeartbeatInterval: heartbeat,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testServer{db: db, server: server, issuer: issuer, dispatcher: dispatcher}
}

func (s testServer) token(t *testing.T, subject string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(subject, subject+"@example.com", "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s testServer) do(t *testing.T, method, path, token, body string) (int, []byte) {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	buffer := new(bytes.Buffer)
	if _, err := buffer.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return response.StatusCode, buffer.Bytes()
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(body, &value); err != nil {
		t.Fatalf("failed to decode %s: %v", body, err)
	}
	return value
}

func TestHealthzDoesNotRequireAuth(t *testing.T) {
	srv := newTestServer(t, time.Second)
	status, _ := srv.do(t, http.MethodGet, "/healthz", "", "")
	if status != http.StatusOK {
		t.Fatalf("unexpected health status %d", status)
	}
}

func TestGamificationRoutesRequireToken(t *testing.T) {
	srv := newTestServer(t, time.Second)
	status, _ := srv.do(t, http.MethodGet, "/gamification/summary", "", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	status, _ = srv.do(t, http.MethodGet, "/gamification/summary", "not-a-jwt", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", status)
	}
}

func TestFirstRequestRegistersUser(t *testing.T) {
	srv := newTestServer(t, time.Second)
	token := srv.token(t, "user-1")

	for attempt := 0; attempt < 2; attempt++ {
		status, body := srv.do(t, http.MethodGet, "/gamification/summary", token, "")
		if status != http.StatusOK {
			t.Fatalf("unexpected summary status %d: %s", status, body)
		}
		summary := decode[gamification.Summary](t, body)
		if summary.XP != 80 || summary.BadgeTier.Name != "Novice" {
			t.Fatalf("expected registration bonus once, got %d XP (%s)", summary.XP, summary.BadgeTier.Name)
		}
		if summary.NextBadge == nil || summary.NextBadge.Name != "Apprentice" || summary.XPToNext != 170 {
			t.Fatalf("unexpected next badge %+v / %d", summary.NextBadge, summary.XPToNext)
		}
	}
}

func TestFailedRegistrationIsRetriedOnNextRequest(t *testing.T) {
	srv := newTestServer(t, time.Second)
	token := srv.token(t, "user-retry")

	if err := srv.db.Exec("ALTER TABLE xp_transactions RENAME TO xp_transactions_parked").Error; err != nil {
		t.Fatalf("failed to park transactions table: %v", err)
	}
	status, body := srv.do(t, http.MethodGet, "/gamification/summary", token, "")
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while the ledger is unavailable, got %d: %s", status, body)
	}
	if err := srv.db.Exec("ALTER TABLE xp_transactions_parked RENAME TO xp_transactions").Error; err != nil {
		t.Fatalf("failed to restore transactions table: %v", err)
	}

	status, body = srv.do(t, http.MethodGet, "/gamification/summary", token, "")
	if status != http.StatusOK {
		t.Fatalf("unexpected summary status %d: %s", status, body)
	}
	if summary := decode[gamification.Summary](t, body); summary.XP != 80 || summary.Revision != 1 {
		t.Fatalf("expected the registration bonus on retry, got %d XP at revision %d", summary.XP, summary.Revision)
	}
}

func TestReportEventAppliesAndRejectsDuplicates(t *testing.T) {
	srv := newTestServer(t, time.Second)
	token := srv.token(t, "user-2")

	payload := `{"kind":"solved_problem","difficulty":"easy","event_key":"problem-1"}`
	status, body := srv.do(t, http.MethodPost, "/gamification/events", token, payload)
	if status != http.StatusOK {
		t.Fatalf("unexpected report status %d: %s", status, body)
	}
	report := decode[reportResponsePayload](t, body)
	if report.Transaction.DeltaXP != 50 || report.TotalXP != 130 || report.Revision != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.DailyGoal == nil || report.DailyGoal.SolvedCount != 1 || report.DailyGoal.Status != dailygoal.StatusPending {
		t.Fatalf("expected pending goal progress, got %+v", report.DailyGoal)
	}

	status, body = srv.do(t, http.MethodPost, "/gamification/events", token, payload)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate key, got %d: %s", status, body)
	}
	if decode[map[string]string](t, body)["error"] != "duplicate_event" {
		t.Fatalf("unexpected duplicate body %s", body)
	}

	status, body = srv.do(t, http.MethodGet, "/gamification/summary", token, "")
	if status != http.StatusOK {
		t.Fatalf("unexpected summary status %d", status)
	}
	if summary := decode[gamification.Summary](t, body); summary.XP != 130 {
		t.Fatalf("duplicate must not change XP, got %d", summary.XP)
	}
}

func TestReportEventValidatesInput(t *testing.T) {
	srv := newTestServer(t, time.Second)
	token := srv.token(t, "user-3")

	tests := map[string]string{
		"unknown kind":       `{"kind":"teleport"}`,
		"internal kind":      `{"kind":"daily_goal_bonus"}`,
		"unknown difficulty": `{"kind":"solved_problem","difficulty":"legendary"}`,
		"negative count":     `{"kind":"manual_action","count":-1}`,
		"malformed json":     `{"kind":`,
		"future timestamp":   fmt.Sprintf(`{"kind":"manual_action","occurred_at_s":%d}`, time.Now().Add(time.Hour).Unix()),
	}
	for name, payload := range tests {
		status, body := srv.do(t, http.MethodPost, "/gamification/events", token, payload)
		if status != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", name, status, body)
		}
	}

	skewed := fmt.Sprintf(`{"kind":"manual_action","occurred_at_s":%d}`, time.Now().Add(time.Minute).Unix())
	if status, body := srv.do(t, http.MethodPost, "/gamification/events", token, skewed); status != http.StatusOK {
		t.Fatalf("small clock skew should be tolerated, got %d: %s", status, body)
	}
}

func TestOutstandingTodosFeedProjectedPenalty(t *testing.T) {
	srv := newTestServer(t, time.Second)
	token := srv.token(t, "user-4")

	status, body := srv.do(t, http.MethodPut, "/gamification/todos", token, `{"outstanding":2}`)
	if status != http.StatusOK {
		t.Fatalf("unexpected todos status %d: %s", status, body)
	}
	status, body = srv.do(t, http.MethodGet, "/gamification/summary", token, "")
	if status != http.StatusOK {
		t.Fatalf("unexpected summary status %d", status)
	}
	summary := decode[gamification.Summary](t, body)
	if summary.OutstandingTodos != 2 || summary.ProjectedPenalty != -60 {
		t.Fatalf("expected 2 todos projecting -60, got %d / %d", summary.OutstandingTodos, summary.ProjectedPenalty)
	}

	for _, payload := range []string{`{"outstanding":-1}`, `{}`, `{"outstanding":1,"day":"yesterday"}`} {
		status, body = srv.do(t, http.MethodPut, "/gamification/todos", token, payload)
		if status != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", payload, status, body)
		}
	}
}

func TestTransactionsEndpoint(t *testing.T) {
	srv := newTestServer(t, time.Second)
	token := srv.token(t, "user-5")

	status, body := srv.do(t, http.MethodGet, "/gamification/transactions", token, "")
	if status != http.StatusOK {
		t.Fatalf("unexpected transactions status %d: %s", status, body)
	}
	listing := decode[struct {
		Transactions []transactionPayload `json:"transactions"`
	}](t, body)
	if len(listing.Transactions) != 1 || listing.Transactions[0].Kind != scoring.KindRegistrationBonus {
		t.Fatalf("expected the registration transaction, got %+v", listing.Transactions)
	}
	if listing.Transactions[0].EventKey != "registration" {
		t.Fatalf("unexpected registration key %q", listing.Transactions[0].EventKey)
	}

	now := time.Now().Unix()
	reversed := fmt.Sprintf("/gamification/transactions?from_s=%d&to_s=%d", now, now-3600)
	if status, _ := srv.do(t, http.MethodGet, reversed, token, ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for reversed range, got %d", status)
	}
	if status, _ := srv.do(t, http.MethodGet, "/gamification/transactions?from_s=yesterday", token, ""); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed bound, got %d", status)
	}
}

func TestCORSMiddlewareAllowsAuthorizationHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(corsMiddleware([]string{"https://app.example.com"}))
	router.OPTIONS("/gamification/summary", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/gamification/summary", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPut)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers"))
	if !strings.Contains(allowHeaders, "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if !strings.Contains(recorder.Header().Get("Access-Control-Allow-Methods"), http.MethodPut) {
		t.Fatalf("expected PUT to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Methods"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled for explicit origins")
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	entry := runAuthorizeWithError(t, auth.ErrExpiredToken)
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	entry := runAuthorizeWithError(t, fmt.Errorf("%w: signature mismatch", auth.ErrInvalidToken))
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entry.Level)
	}
}

func runAuthorizeWithError(t *testing.T, validateErr error) observer.LoggedEntry {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/gamification/summary", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		validator: stubValidator{err: validateErr},
		logger:    zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
	return entries[0]
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"duplicate", fmt.Errorf("wrapped: %w", ledger.ErrDuplicateEvent), http.StatusConflict, "duplicate_event"},
		{"day closed", dailygoal.ErrDayClosed, http.StatusConflict, "day_closed"},
		{"invalid event", ledger.ErrInvalidEvent, http.StatusBadRequest, "invalid_request"},
		{"invalid day", dailygoal.ErrInvalidInput, http.StatusBadRequest, "invalid_request"},
		{"invalid range", gamification.ErrInvalidRange, http.StatusBadRequest, "invalid_request"},
		{"transient", fmt.Errorf("%w: locked", ledger.ErrTransientStorage), http.StatusServiceUnavailable, "unavailable"},
		{"configuration", scoring.ErrConfiguration, http.StatusInternalServerError, "internal_error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		status, code := classifyError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%s: got %d/%s, want %d/%s", tc.name, status, code, tc.status, tc.code)
		}
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingEngine) {
		t.Fatalf("expected missing engine error, got %v", err)
	}
}

type stubValidator struct {
	err error
}

func (s stubValidator) ValidateRequest(*http.Request) (auth.AccessClaims, error) {
	return auth.AccessClaims{}, s.err
}

var _ UserResolver = (*users.Service)(nil)
