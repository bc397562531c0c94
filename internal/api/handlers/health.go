// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ttlock-bridge/backend/internal/api/middleware"
	"github.com/ttlock-bridge/backend/internal/auth"
	"github.com/ttlock-bridge/backend/internal/health"
	"github.com/ttlock-bridge/backend/internal/reconcile"
	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// Pinger checks the database connection.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthSource reports integration health.
type HealthSource interface {
	Snapshot() health.Snapshot
}

// TokenStatus reports the redacted credential status.
type TokenStatus interface {
	Status() auth.Status
}

// Sweeper runs reconciliation sweeps on demand.
type Sweeper interface {
	Trigger() bool
	LastResult() (reconcile.Result, bool)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      health.Status `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	DBConnected bool          `json:"db_connected"`
	Locks       int           `json:"locks"`
}

// HealthCheck reports integration health. Anything but healthy with a
// reachable database answers 503.
func HealthCheck(db Pinger, tracker HealthSource, store LockReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snap := tracker.Snapshot()
		resp := HealthResponse{
			Status:      snap.Status,
			Reason:      snap.Reason,
			DBConnected: db.PingContext(ctx) == nil,
			Locks:       len(store.List()),
		}
		if !resp.DBConnected && resp.Status == health.StatusHealthy {
			resp.Status = health.StatusDegraded
			resp.Reason = "database unreachable"
		}

		status := http.StatusOK
		if resp.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		middleware.WriteJSON(w, status, resp)
	}
}

// TriggerReconcile starts an out-of-band sweep.
func TriggerReconcile(sweeper Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sweeper.Trigger() {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrConflict, "A sweep is already running")
			return
		}
		middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// DiagnosticsResponse is the support dump. It never carries tokens,
// passcodes, secrets or the webhook URL.
type DiagnosticsResponse struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Health      health.Snapshot     `json:"health"`
	Token       auth.Status         `json:"token"`
	LastSweep   *reconcile.Result   `json:"last_sweep,omitempty"`
	Locks       []models.LockRecord `json:"locks"`
}

// Diagnostics returns a redacted dump of the bridge state.
func Diagnostics(store LockReader, tracker HealthSource, tokens TokenStatus, sweeper Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := DiagnosticsResponse{
			GeneratedAt: time.Now().UTC(),
			Health:      tracker.Snapshot(),
			Token:       tokens.Status(),
			Locks:       store.List(),
		}
		if resp.Locks == nil {
			resp.Locks = []models.LockRecord{}
		}
		if last, ok := sweeper.LastResult(); ok {
			resp.LastSweep = &last
		}
		middleware.WriteJSON(w, http.StatusOK, resp)
	}
}
