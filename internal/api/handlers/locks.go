package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ttlock-bridge/backend/internal/api/middleware"
	"github.com/ttlock-bridge/backend/internal/command"
	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// LockReader is the read side of the state store.
type LockReader interface {
	List() []models.LockRecord
	Get(lockID string) (models.LockRecord, error)
}

// Commander executes commands against locks.
type Commander interface {
	Lock(ctx context.Context, lockID string) (command.Command, error)
	Unlock(ctx context.Context, lockID string) (command.Command, error)
	Get(id string) (command.Command, error)
	ConfigurePassageMode(ctx context.Context, lockIDs []string, req models.PassageModeRequest) ([]command.Command, error)
	CreatePasscode(ctx context.Context, lockIDs []string, req models.PasscodeRequest) ([]models.Passcode, error)
	CleanupPasscodes(ctx context.Context, lockIDs []string) ([]command.CleanupResult, error)
}

// ListLocks returns every known lock.
func ListLocks(store LockReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		locks := store.List()
		if locks == nil {
			locks = []models.LockRecord{}
		}
		middleware.WriteJSON(w, http.StatusOK, locks)
	}
}

// GetLock returns a single lock.
func GetLock(store LockReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := store.Get(mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteDomainError(w, logger, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, rec)
	}
}

// OperateLock sends a lock or unlock command and returns the command record.
// A failed command is reported with its record in the details.
func OperateLock(cmds Commander, kind command.Kind, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lockID := mux.Vars(r)["id"]

		var (
			cmd command.Command
			err error
		)
		if kind == command.KindLock {
			cmd, err = cmds.Lock(r.Context(), lockID)
		} else {
			cmd, err = cmds.Unlock(r.Context(), lockID)
		}
		if err != nil {
			var details any
			if cmd.ID != "" {
				details = cmd
			}
			middleware.WriteDomainErrorWithDetails(w, logger, err, details)
			return
		}
		middleware.WriteJSON(w, http.StatusAccepted, cmd)
	}
}

// GetCommand returns the current phase of a command.
func GetCommand(cmds Commander, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := cmds.Get(mux.Vars(r)["id"])
		if err != nil {
			middleware.WriteDomainError(w, logger, err)
			return
		}
		middleware.WriteJSON(w, http.StatusOK, cmd)
	}
}
