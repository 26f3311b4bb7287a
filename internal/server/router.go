package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/attendance"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/manifest"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey         = "yardledger_session_claims"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAttendance       = errors.New("attendance service dependency required")
	errMissingManifests        = errors.New("manifest service dependency required")
	errMissingLedgerReader     = errors.New("ledger reader dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type AttendanceService interface {
	ClockIn(ctx context.Context, userID attendance.UserID, now time.Time) (attendance.Record, error)
	ClockOut(ctx context.Context, userID attendance.UserID, now time.Time) (attendance.Record, error)
	Elapsed(ctx context.Context, userID attendance.UserID, now time.Time) (time.Duration, attendance.Record, error)
	Records(ctx context.Context, userID attendance.UserID) ([]attendance.Record, error)
}

type ManifestService interface {
	Submit(ctx context.Context, input manifest.Input, submittedBy string) (manifest.Submission, error)
	Reconcile(ctx context.Context, manifestNumber string) (manifest.Record, error)
	Backlog() []manifest.BacklogEntry
	BacklogDurable() bool
}

// LedgerReader serves read-only snapshots for display.
type LedgerReader interface {
	View(ctx context.Context, table ledger.Table) (ledger.Snapshot, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Attendance        AttendanceService
	Manifests         ManifestService
	Ledger            LedgerReader
	Tables            []ledger.Table
	Realtime          *RealtimeDispatcher
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	// ReconcileRole, when set, is required to resolve split-brain manifests.
	ReconcileRole string
	Clock         func() time.Time
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Attendance == nil {
		return nil, errMissingAttendance
	}
	if deps.Manifests == nil {
		return nil, errMissingManifests
	}
	if deps.Ledger == nil {
		return nil, errMissingLedgerReader
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	tables := make(map[string]ledger.Table, len(deps.Tables))
	for _, table := range deps.Tables {
		tables[table.Name] = table
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:   deps.SessionValidator,
		attendance: deps.Attendance,
		manifests:  deps.Manifests,
		ledger:     deps.Ledger,
		tables:     tables,
		realtime:   deps.Realtime,
		heartbeat:  heartbeat,
		reconciler: strings.TrimSpace(deps.ReconcileRole),
		clock:      clock,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/attendance/clock-in", handler.handleClockIn)
	protected.POST("/attendance/clock-out", handler.handleClockOut)
	protected.GET("/attendance/elapsed", handler.handleElapsed)
	protected.GET("/attendance/me", handler.handleAttendanceRecords)
	protected.POST("/manifests", handler.handleSubmitManifest)
	protected.POST("/manifests/:number/reconcile", handler.requireRole, handler.handleReconcileManifest)
	protected.GET("/manifests/backlog", handler.handleManifestBacklog)
	protected.GET("/ledger/stream", handler.handleLedgerStream)
	protected.GET("/ledger/:table", handler.handleLedgerTable)

	return router, nil
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions   SessionValidator
	attendance AttendanceService
	manifests  ManifestService
	ledger     LedgerReader
	tables     map[string]ledger.Table
	realtime   *RealtimeDispatcher
	heartbeat  time.Duration
	reconciler string
	clock      func() time.Time
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

// requireRole guards operator routes when a reconcile role is configured.
func (h *httpHandler) requireRole(c *gin.Context) {
	if h.reconciler == "" {
		c.Next()
		return
	}
	claims, ok := sessionClaims(c)
	if !ok || !claims.HasRole(h.reconciler) {
		h.logger.Warn("operator route refused",
			zap.String("path", c.FullPath()),
			zap.String("user_id", claims.UserID),
			zap.String("required_role", h.reconciler))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func sessionClaims(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(claimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}

// currentUser resolves the authenticated ledger user or writes the failure response.
func (h *httpHandler) currentUser(c *gin.Context) (attendance.UserID, bool) {
	claims, ok := sessionClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	userID, err := attendance.NewUserID(claims.UserID)
	if err != nil {
		h.writeError(c, err)
		return "", false
	}
	return userID, true
}
