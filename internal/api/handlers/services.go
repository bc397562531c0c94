package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ttlock-bridge/backend/internal/api/middleware"
	"github.com/ttlock-bridge/backend/internal/storage/models"
)

const maxServiceBody = 64 << 10

// Service names accepted under /api/services/{name}.
const (
	ServiceConfigurePassageMode = "configure_passage_mode"
	ServiceCreatePasscode       = "create_passcode"
	ServiceCleanupPasscodes     = "cleanup_passcodes"
)

// serviceTimeLayouts are accepted for passcode validity bounds, besides RFC 3339.
var serviceTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
}

// targets accepts a single lock id or a list of them.
type targets []string

func (t *targets) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = targets{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return &models.ValidationError{Field: "target", Reason: "must be a lock id or a list of lock ids"}
	}
	*t = many
	return nil
}

type passcodeServiceRequest struct {
	Name      string `json:"passcode_name"`
	Code      string `json:"passcode"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// CallService dispatches one of the automation services.
func CallService(cmds Commander, loc *time.Location, logger *slog.Logger) http.HandlerFunc {
	if loc == nil {
		loc = time.Local
	}
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxServiceBody))
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Failed to read request body")
			return
		}

		var envelope struct {
			Target targets `json:"target"`
		}
		if err := decodeBody(body, &envelope); err != nil {
			writeDecodeError(w, logger, err)
			return
		}
		lockIDs := []string(envelope.Target)

		switch name := mux.Vars(r)["name"]; name {
		case ServiceConfigurePassageMode:
			var req models.PassageModeRequest
			if err := decodeBody(body, &req); err != nil {
				writeDecodeError(w, logger, err)
				return
			}
			issued, err := cmds.ConfigurePassageMode(r.Context(), lockIDs, req)
			if err != nil {
				middleware.WriteDomainErrorWithDetails(w, logger, err, nonEmpty(issued))
				return
			}
			middleware.WriteJSON(w, http.StatusOK, map[string]any{"commands": issued})

		case ServiceCreatePasscode:
			var raw passcodeServiceRequest
			if err := decodeBody(body, &raw); err != nil {
				writeDecodeError(w, logger, err)
				return
			}
			req, err := raw.request(loc)
			if err != nil {
				middleware.WriteDomainError(w, logger, err)
				return
			}
			created, err := cmds.CreatePasscode(r.Context(), lockIDs, req)
			if err != nil {
				middleware.WriteDomainErrorWithDetails(w, logger, err, nonEmpty(created))
				return
			}
			middleware.WriteJSON(w, http.StatusOK, map[string]any{"created": created})

		case ServiceCleanupPasscodes:
			results, err := cmds.CleanupPasscodes(r.Context(), lockIDs)
			if err != nil {
				middleware.WriteDomainErrorWithDetails(w, logger, err, nonEmpty(results))
				return
			}
			middleware.WriteJSON(w, http.StatusOK, map[string]any{"results": results})

		default:
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, fmt.Sprintf("Unknown service %q", name))
		}
	}
}

func (p passcodeServiceRequest) request(loc *time.Location) (models.PasscodeRequest, error) {
	req := models.PasscodeRequest{Name: p.Name, Code: p.Code}
	var err error
	if req.StartTime, err = parseServiceTime("start_time", p.StartTime, loc); err != nil {
		return req, err
	}
	if req.EndTime, err = parseServiceTime("end_time", p.EndTime, loc); err != nil {
		return req, err
	}
	return req, nil
}

func parseServiceTime(field, raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range serviceTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &models.ValidationError{Field: field, Reason: fmt.Sprintf("unrecognised time %q", raw)}
}

// decodeBody decodes body into v. Fields v does not declare are ignored, so
// the same body is decoded once for the target and once for the service.
func decodeBody(body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &models.ValidationError{Field: "body", Reason: "required"}
	}
	return json.Unmarshal(body, v)
}

func writeDecodeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		middleware.WriteDomainError(w, logger, verr)
		return
	}
	middleware.WriteError(w, http.StatusBadRequest, middleware.ErrBadRequest, "Invalid JSON body: "+err.Error())
}

// nonEmpty drops empty partial results from error details.
func nonEmpty[T any](items []T) any {
	if len(items) == 0 {
		return nil
	}
	return items
}
