// Package webhook receives vendor push notifications, authenticates them,
// and applies them to the state store.
package webhook

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ttlock-bridge/backend/internal/state"
)

const (
	maxBodySize = 1 << 20

	// dedupWindow bounds how long a delivery key is remembered.
	dedupWindow = time.Hour
)

// ErrRejected marks a delivery that was discarded without touching state.
var ErrRejected = errors.New("webhook rejected")

// RejectError explains why a delivery was discarded.
type RejectError struct {
	Status int
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRejected, e.Err)
}

func (e *RejectError) Unwrap() []error {
	return []error{ErrRejected, e.Err}
}

// Recorder counts delivery outcomes.
type Recorder interface {
	WebhookDelivered(result string)
}

// Result summarises one delivery.
type Result struct {
	Records    int
	Applied    int
	Duplicates int
	Ignored    int
}

// Handler is the webhook endpoint.
type Handler struct {
	verifier  Verifier
	store     *state.Store
	predictor *AutoLockPredictor
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithPredictor enables auto-lock prediction.
func WithPredictor(p *AutoLockPredictor) Option {
	return func(h *Handler) { h.predictor = p }
}

// WithRecorder counts delivery outcomes.
func WithRecorder(r Recorder) Option {
	return func(h *Handler) { h.recorder = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler returns a webhook handler. A nil verifier rejects every delivery.
func NewHandler(verifier Verifier, store *state.Store, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		verifier:   verifier,
		store:      store,
		logger:     logger.With("component", "webhook"),
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP authenticates, parses and applies one delivery.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	res, err := h.handle(r)
	if err != nil {
		var rej *RejectError
		status := http.StatusBadRequest
		if errors.As(err, &rej) {
			status = rej.Status
		}
		h.record("rejected")
		h.logger.Warn("webhook rejected", "status", status, "error", err, "remote_addr", r.RemoteAddr)
		// No detail for the sender.
		http.Error(w, http.StatusText(status), status)
		return
	}

	switch {
	case res.Applied > 0:
		h.record("accepted")
	case res.Duplicates > 0:
		h.record("duplicate")
	default:
		h.record("ignored")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "success")
}

func (h *Handler) handle(r *http.Request) (Result, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return Result{}, &RejectError{Status: http.StatusBadRequest, Err: fmt.Errorf("reading body: %w", err)}
	}
	if len(body) > maxBodySize {
		return Result{}, &RejectError{Status: http.StatusRequestEntityTooLarge, Err: errors.New("body too large")}
	}

	if h.verifier == nil {
		return Result{}, &RejectError{Status: http.StatusUnauthorized, Err: errors.New("no verifier configured")}
	}
	if err := h.verifier.Verify(r, body); err != nil {
		return Result{}, &RejectError{Status: http.StatusUnauthorized, Err: err}
	}

	records, err := ParsePayload(r.Header.Get("Content-Type"), body)
	if err != nil {
		return Result{}, &RejectError{Status: http.StatusBadRequest, Err: err}
	}
	return h.Ingest(records), nil
}

// Ingest applies already-authenticated records.
func (h *Handler) Ingest(records []Record) Result {
	res := Result{Records: len(records)}
	now := h.now()
	for _, rec := range records {
		ev := Normalize(rec, now)
		if ev.Kind == KindPing {
			h.logger.Debug("webhook ping")
			res.Ignored++
			continue
		}
		if h.isDuplicate(ev.Key(), now) {
			h.logger.Debug("duplicate webhook record", "lock_id", ev.LockID, "at", ev.At)
			res.Duplicates++
			continue
		}

		current, err := h.store.Get(ev.LockID)
		if errors.Is(err, state.ErrNotFound) {
			h.logger.Info("webhook for unknown lock", "lock_id", ev.LockID, "kind", ev.Kind)
			res.Ignored++
			continue
		}
		upd, ok := ev.Update(current)
		if !ok {
			res.Ignored++
			continue
		}
		merged, changed, err := h.store.Upsert(ev.LockID, upd)
		if err != nil {
			h.logger.Warn("failed to apply webhook", "lock_id", ev.LockID, "error", err)
			res.Ignored++
			continue
		}
		h.logger.Info("webhook applied",
			"lock_id", ev.LockID,
			"kind", ev.Kind,
			"record", ev.Record.Description,
			"success", ev.Success,
			"changed", changed,
		)
		res.Applied++
		if h.predictor != nil {
			h.predictor.Observe(ev, merged)
		}
	}
	return res
}

// isDuplicate records key and reports whether it was seen within dedupWindow.
func (h *Handler) isDuplicate(key string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for k, seen := range h.deliveries {
		if now.Sub(seen) > dedupWindow {
			delete(h.deliveries, k)
		}
	}
	if _, ok := h.deliveries[key]; ok {
		return true
	}
	h.deliveries[key] = now
	return false
}

func (h *Handler) record(result string) {
	if h.recorder != nil {
		h.recorder.WebhookDelivered(result)
	}
}
