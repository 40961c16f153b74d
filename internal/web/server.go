package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/elys-network/lsv/internal/logger"
	"github.com/elys-network/lsv/internal/oracle"
	"github.com/elys-network/lsv/internal/types"
	"github.com/elys-network/lsv/internal/vault"
)

var webLogger = logger.GetForComponent("web_server")

// HarvestHistory serves the harvest audit log.
type HarvestHistory interface {
	RecentHarvests(ctx context.Context, limit int) ([]types.HarvestRecord, error)
}

// TransferOutbox serves the queued asset transfers to an executor.
type TransferOutbox interface {
	Pending(ctx context.Context) ([]types.AssetTransfer, error)
	MarkExecuted(ctx context.Context, id string) error
}

// Options wires the server to the running vault and keeper.
type Options struct {
	Vault       *vault.Vault
	Keeper      *oracle.KeeperRewards
	History     HarvestHistory // optional
	Transfers   TransferOutbox // optional
	HealthCheck func() error   // optional, usually state.TestDBConnection
}

// WebServer exposes the vault and the keeper over HTTP.
type WebServer struct {
	router  *mux.Router
	port    string
	server  *http.Server
	started time.Time

	vault       *vault.Vault
	keeper      *oracle.KeeperRewards
	history     HarvestHistory
	transfers   TransferOutbox
	healthCheck func() error
}

// NewWebServer creates a new web server instance
func NewWebServer(port string, opts Options) *WebServer {
	if port == "" {
		port = "8080"
	}

	ws := &WebServer{
		router:      mux.NewRouter(),
		port:        port,
		started:     time.Now(),
		vault:       opts.Vault,
		keeper:      opts.Keeper,
		history:     opts.History,
		transfers:   opts.Transfers,
		healthCheck: opts.HealthCheck,
	}

	ws.setupRoutes()
	return ws
}

// setupRoutes configures all HTTP routes
func (ws *WebServer) setupRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := ws.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", ws.handleHealth).Methods("GET")

	api.HandleFunc("/vault", ws.handleGetVault).Methods("GET")
	api.HandleFunc("/vault/convert-to-shares", ws.handleConvertToShares).Methods("GET")
	api.HandleFunc("/vault/convert-to-assets", ws.handleConvertToAssets).Methods("GET")
	api.HandleFunc("/vault/checkpoints", ws.handleGetCheckpoints).Methods("GET")
	api.HandleFunc("/vault/checkpoint-index", ws.handleGetCheckpointIndex).Methods("GET")
	api.HandleFunc("/vault/exit-requests/{receiver}/{ticket}", ws.handleGetExitRequest).Methods("GET")
	api.HandleFunc("/vault/balances/{address}", ws.handleGetBalance).Methods("GET")
	api.HandleFunc("/vault/allowances/{owner}/{spender}", ws.handleGetAllowance).Methods("GET")

	api.HandleFunc("/vault/deposit", ws.handleDeposit).Methods("POST")
	api.HandleFunc("/vault/redeem", ws.handleRedeem).Methods("POST")
	api.HandleFunc("/vault/approve", ws.handleApprove).Methods("POST")
	api.HandleFunc("/vault/exit-queue", ws.handleEnterExitQueue).Methods("POST")
	api.HandleFunc("/vault/claim", ws.handleClaim).Methods("POST")
	api.HandleFunc("/vault/update-state", ws.handleUpdateState).Methods("POST")
	api.HandleFunc("/vault/settle", ws.handleSettle).Methods("POST")
	api.HandleFunc("/vault/withdrawals", ws.handleReceiveWithdrawals).Methods("POST")
	api.HandleFunc("/vault/fund-validators", ws.handleFundValidators).Methods("POST")

	api.HandleFunc("/keeper", ws.handleGetKeeper).Methods("GET")
	api.HandleFunc("/keeper/rewards/{vault}", ws.handleGetVaultRewards).Methods("GET")
	api.HandleFunc("/keeper/rewards", ws.handleUpdateRewards).Methods("POST")

	api.HandleFunc("/harvests", ws.handleGetHarvests).Methods("GET")

	api.HandleFunc("/transfers/pending", ws.handleGetPendingTransfers).Methods("GET")
	api.HandleFunc("/transfers/{id}/executed", ws.handleMarkTransferExecuted).Methods("POST")

	ws.router.Use(ws.requestIDMiddleware)
	ws.router.Use(ws.loggingMiddleware)
}

// Handler returns the routed handler, used by tests and embedding servers.
func (ws *WebServer) Handler() http.Handler {
	return ws.router
}

// Start starts the web server. It returns nil after Shutdown.
func (ws *WebServer) Start() error {
	webLogger.Info().Str("port", ws.port).Msg("Starting web server")

	ws.server = &http.Server{
		Addr:         ":" + ws.port,
		Handler:      ws.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}

// handleHealth reports database and ledger health
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hasErrors := false

	dbHealthy := true
	if ws.healthCheck != nil {
		if err := ws.healthCheck(); err != nil {
			webLogger.Warn().Err(err).Msg("Health check failed")
			dbHealthy = false
			hasErrors = true
		}
	}

	ledgerHealthy := true
	if err := ws.vault.CheckInvariants(); err != nil {
		webLogger.Error().Err(err).Msg("Vault invariant violated")
		ledgerHealthy = false
		hasErrors = true
	}

	overallStatus := "OK"
	if hasErrors {
		overallStatus = "DEGRADED"
	}

	response := map[string]interface{}{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"system": map[string]interface{}{
			"version":          runtime.Version(),
			"goroutines_count": runtime.NumGoroutine(),
			"alloc_bytes":      memStats.Alloc,
			"sys_bytes":        memStats.Sys,
			"gc_cycles":        memStats.NumGC,
			"uptime_seconds":   int64(time.Since(ws.started).Seconds()),
		},
		"vault_status": map[string]interface{}{
			"database_healthy":  dbHealthy,
			"ledger_consistent": ledgerHealthy,
			"harvest_required":  ws.keeper.IsHarvestRequired(ws.vault.Address()),
			"rewards_updatable": ws.keeper.CanUpdateRewards(),
		},
	}

	statusCode := http.StatusOK
	if hasErrors {
		statusCode = http.StatusServiceUnavailable
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// writeJSONResponse writes a JSON response
func (ws *WebServer) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		webLogger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (ws *WebServer) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	response := map[string]interface{}{
		"error":     true,
		"message":   message,
		"timestamp": time.Now().UTC(),
	}

	ws.writeJSONResponse(w, statusCode, response)
}

// writeOperationError maps a failed vault or keeper operation to its HTTP status.
func (ws *WebServer) writeOperationError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	event := webLogger.Warn()
	if status == http.StatusInternalServerError {
		event = webLogger.Error()
	}
	event.Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r)).Msg("Operation failed")

	response := map[string]interface{}{
		"error":     true,
		"message":   err.Error(),
		"timestamp": time.Now().UTC(),
	}
	var coded *errorsmod.Error
	if errors.As(err, &coded) {
		response["codespace"] = coded.Codespace()
		response["code"] = coded.ABCICode()
	}
	ws.writeJSONResponse(w, status, response)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, types.ErrInvalidProofOrSignatures):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrInvalidAmount),
		errors.Is(err, types.ErrInvalidCheckpointIndex),
		errors.Is(err, types.ErrInvalidCheckpointValue),
		errors.Is(err, types.ErrZeroAddress),
		errors.Is(err, types.ErrInvalidAvgRewardPerSecond):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInsufficientLiquidity),
		errors.Is(err, types.ErrCapacityExceeded),
		errors.Is(err, types.ErrAlreadyHarvested),
		errors.Is(err, types.ErrNotHarvested):
		return http.StatusConflict
	case errors.Is(err, types.ErrTooEarlyUpdate):
		return http.StatusTooEarly
	default:
		return http.StatusInternalServerError
	}
}

type requestIDKey struct{}

// requestIDMiddleware tags every request with an id, reusing X-Request-ID when the caller sent one.
func (ws *WebServer) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return id
}

// loggingMiddleware logs HTTP requests
func (ws *WebServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapper := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		webLogger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", requestID(r)).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
