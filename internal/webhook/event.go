package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ttlock-bridge/backend/internal/state"
	"github.com/ttlock-bridge/backend/internal/storage/models"
	"github.com/ttlock-bridge/backend/internal/ttlock"
)

// Kind classifies a normalized event.
type Kind string

const (
	KindLockRecord  Kind = "lock_record"
	KindBattery     Kind = "battery"
	KindPassageMode Kind = "passage_mode"
	KindPing        Kind = "ping"
)

// flexInt accepts JSON numbers and numeric strings.
type flexInt struct {
	Value int64
	Set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	raw := string(bytes.Trim(data, `"`))
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", raw)
	}
	f.Value, f.Set = int64(n), true
	return nil
}

// flexBool accepts true/false, 1/0 and their string forms.
type flexBool struct {
	Value bool
	Set   bool
}

func (f *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch strings.ToLower(string(bytes.Trim(data, `"`))) {
	case "true", "1":
		f.Value, f.Set = true, true
	case "false", "0":
		f.Value, f.Set = false, true
	default:
		return fmt.Errorf("not a boolean: %s", data)
	}
	return nil
}

// Record is one vendor callback entry. The keyboardPwd field is never decoded.
type Record struct {
	LockID           flexString `json:"lockId"`
	LockMac          string     `json:"lockMac"`
	ElectricQuantity flexInt    `json:"electricQuantity"`
	ServerDate       flexInt    `json:"serverDate"`
	LockDate         flexInt    `json:"lockDate"`
	RecordType       flexInt    `json:"recordType"`
	Username         string     `json:"username"`
	Success          flexBool   `json:"success"`
	PassageMode      flexInt    `json:"passageMode"`
}

// flexString accepts strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

var errMalformed = errors.New("malformed payload")

// ParsePayload accepts a JSON object, a JSON array, or a form body whose
// records field holds either.
func ParsePayload(contentType string, body []byte) ([]Record, error) {
	body = bytes.TrimSpace(body)
	if strings.HasPrefix(strings.ToLower(contentType), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		raw := strings.TrimSpace(form.Get("records"))
		if raw == "" {
			return formRecord(form)
		}
		body = []byte(raw)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", errMalformed)
	}

	switch body[0] {
	case '[':
		var recs []Record
		if err := json.Unmarshal(body, &recs); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return recs, nil
	case '{':
		var wrapper struct {
			Records json.RawMessage `json:"records"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if len(wrapper.Records) > 0 && !bytes.Equal(wrapper.Records, []byte("null")) {
			inner := wrapper.Records
			var s string
			if json.Unmarshal(inner, &s) == nil {
				inner = []byte(s)
			}
			return ParsePayload("application/json", inner)
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return []Record{rec}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected content", errMalformed)
	}
}

// formRecord builds a single record from top-level form fields.
func formRecord(form url.Values) ([]Record, error) {
	obj := make(map[string]string, len(form))
	for key := range form {
		if key == "keyboardPwd" {
			continue
		}
		obj[key] = form.Get(key)
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	return []Record{rec}, nil
}

// Event is a normalized record.
type Event struct {
	Kind     Kind
	LockID   string
	At       time.Time
	Record   ttlock.RecordInfo
	Success  bool
	Username string
	Battery  *int
	Passage  *bool
}

// Key identifies a delivery for duplicate suppression.
func (e Event) Key() string {
	battery := -1
	if e.Battery != nil {
		battery = *e.Battery
	}
	passage := "-"
	if e.Passage != nil {
		passage = strconv.FormatBool(*e.Passage)
	}
	return fmt.Sprintf("%s|%d|%s|%d|%t|%d|%s", e.LockID, e.At.UnixMilli(), e.Kind, e.Record.Code, e.Success, battery, passage)
}

// Normalize classifies a record. now is used when the record carries no timestamp.
func Normalize(rec Record, now time.Time) Event {
	ev := Event{
		LockID:   string(rec.LockID),
		Username: strings.TrimSpace(rec.Username),
		Success:  !rec.Success.Set || rec.Success.Value,
	}
	switch {
	case rec.ServerDate.Set && rec.ServerDate.Value > 0:
		ev.At = time.UnixMilli(rec.ServerDate.Value).UTC()
	case rec.LockDate.Set && rec.LockDate.Value > 0:
		ev.At = time.UnixMilli(rec.LockDate.Value).UTC()
	default:
		ev.At = now.UTC()
	}
	if rec.ElectricQuantity.Set && rec.ElectricQuantity.Value >= 0 {
		level := int(rec.ElectricQuantity.Value)
		ev.Battery = &level
	}
	if rec.PassageMode.Set {
		on := rec.PassageMode.Value == 1
		ev.Passage = &on
	}

	switch {
	case ev.LockID == "":
		ev.Kind = KindPing
	case rec.RecordType.Set:
		ev.Kind = KindLockRecord
		ev.Record = ttlock.LookupRecord(int(rec.RecordType.Value))
	case ev.Passage != nil:
		ev.Kind = KindPassageMode
	case ev.Battery != nil:
		ev.Kind = KindBattery
	default:
		ev.Kind = KindPing
	}
	return ev
}

// Update converts ev into a webhook-sourced store update. current is the
// lock's record before the update; it supplies the schedule when a
// passage-mode event only reports on/off.
func (ev Event) Update(current models.LockRecord) (state.Update, bool) {
	upd := state.Update{Source: models.SourceWebhook, At: ev.At, BatteryLevel: ev.Battery}

	switch ev.Kind {
	case KindLockRecord:
		if ev.Success {
			switch ev.Record.Action {
			case ttlock.ActionLock:
				upd.State = state.Ptr(models.LockStateLocked)
			case ttlock.ActionUnlock:
				upd.State = state.Ptr(models.LockStateUnlocked)
			}
			if ev.Record.Action != ttlock.ActionUnknown {
				upd.Operator = &models.Operator{
					Identity:    ev.Username,
					Method:      ev.Record.Method,
					Description: ev.Record.Description,
				}
			}
		}
	case KindPassageMode:
		schedule := current.PassageMode.Schedule
		schedule.Enabled = *ev.Passage
		if schedule.Enabled && schedule.Days == 0 {
			schedule.AllDay, schedule.Days = true, models.AllWeekdays
		}
		upd.PassageMode = state.Ptr(models.PassageModeFrom(schedule))
	case KindPing:
		return state.Update{}, false
	}
	return upd, !upd.Empty()
}
