package state

import (
	"time"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// Update is a partial change to a LockRecord. Nil fields are left alone.
type Update struct {
	Source models.Source
	At     time.Time

	Name            *string
	State           *models.LockState
	BatteryLevel    *int
	Operator        *models.Operator
	PassageMode     *models.PassageMode
	AutoLockSeconds *int
}

// Empty reports whether the update carries no fields.
func (u Update) Empty() bool {
	return u.Name == nil && u.State == nil && u.BatteryLevel == nil &&
		u.Operator == nil && u.PassageMode == nil && u.AutoLockSeconds == nil
}

// Ptr returns a pointer to v, for building updates.
func Ptr[T any](v T) *T {
	return &v
}

// supersedes decides whether an update stamped next may overwrite a field
// last written at cur.
//
// A confirmed source always replaces a command echo. Otherwise the later
// timestamp wins, and on equal timestamps the higher-priority source wins
// (webhook > poll > command-echo). An echo only replaces a confirmed value
// that is strictly older.
func supersedes(cur, next models.Stamp) bool {
	if cur.IsZero() {
		return true
	}
	if cur.Source == models.SourceCommandEcho && next.Source.Confirmed() {
		return true
	}
	if next.Source == models.SourceCommandEcho {
		return cur.Source == models.SourceCommandEcho || next.At.After(cur.At)
	}
	if next.At.After(cur.At) {
		return true
	}
	return next.At.Equal(cur.At) && next.Source.Priority() >= cur.Source.Priority()
}

// Merge applies upd to rec field by field and reports whether anything
// changed. It has no side effects.
func Merge(rec models.LockRecord, upd Update) (models.LockRecord, bool) {
	out := rec.Clone()
	next := models.Stamp{At: upd.At, Source: upd.Source}
	applied := false

	apply := func(stamp *models.Stamp, set func()) {
		if !supersedes(*stamp, next) {
			return
		}
		set()
		*stamp = next
		applied = true
	}

	if upd.Name != nil && *upd.Name != "" {
		apply(&out.Stamps.Name, func() { out.Name = *upd.Name })
	}
	if upd.State != nil {
		apply(&out.Stamps.State, func() {
			out.State = *upd.State
			if upd.Source.Confirmed() {
				out.Stale = false
			}
		})
	}
	if upd.BatteryLevel != nil {
		apply(&out.Stamps.Battery, func() {
			level := clampBattery(*upd.BatteryLevel)
			out.BatteryLevel = &level
		})
	}
	if upd.Operator != nil {
		apply(&out.Stamps.Operator, func() { out.LastOperator = *upd.Operator })
	}
	if upd.PassageMode != nil {
		apply(&out.Stamps.PassageMode, func() { out.PassageMode = *upd.PassageMode })
	}
	if upd.AutoLockSeconds != nil {
		apply(&out.Stamps.AutoLock, func() { out.AutoLockSeconds = *upd.AutoLockSeconds })
	}

	if !applied {
		return rec, false
	}
	if next.At.After(out.LastEventAt) ||
		(next.At.Equal(out.LastEventAt) && next.Source.Priority() >= out.LastSource.Priority()) {
		out.LastEventAt = next.At
		out.LastSource = next.Source
	}
	return out, !equalRecords(rec, out)
}

func clampBattery(level int) int {
	switch {
	case level < 0:
		return 0
	case level > 100:
		return 100
	default:
		return level
	}
}

func equalRecords(a, b models.LockRecord) bool {
	if (a.BatteryLevel == nil) != (b.BatteryLevel == nil) {
		return false
	}
	if a.BatteryLevel != nil && *a.BatteryLevel != *b.BatteryLevel {
		return false
	}
	a.BatteryLevel, b.BatteryLevel = nil, nil
	if !a.LastEventAt.Equal(b.LastEventAt) {
		return false
	}
	if !stampsEqual(a.Stamps, b.Stamps) {
		return false
	}
	a.LastEventAt, b.LastEventAt = time.Time{}, time.Time{}
	a.Stamps, b.Stamps = models.FieldStamps{}, models.FieldStamps{}
	return a == b
}

func stampsEqual(a, b models.FieldStamps) bool {
	pairs := [][2]models.Stamp{
		{a.Name, b.Name}, {a.State, b.State}, {a.Battery, b.Battery},
		{a.Operator, b.Operator}, {a.PassageMode, b.PassageMode}, {a.AutoLock, b.AutoLock},
	}
	for _, p := range pairs {
		if p[0].Source != p[1].Source || !p[0].At.Equal(p[1].At) {
			return false
		}
	}
	return true
}
