package ttlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

// wifiFeatureBit marks locks that reach the cloud over Wi-Fi without a gateway.
const wifiFeatureBit = 56

// Vendor on/off encoding used by passage mode fields.
const (
	vendorOn  = 1
	vendorOff = 2
)

// LockSummary is a lock returned by discovery.
type LockSummary struct {
	LockID string
	Name   string
	MAC    string
}

// LockDetail is the per-lock snapshot used by reconciliation.
type LockDetail struct {
	LockID          string
	Name            string
	MAC             string
	BatteryLevel    *int
	AutoLockSeconds int
}

// vendorID accepts numeric or string identifiers.
type vendorID string

func (v *vendorID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = vendorID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = vendorID(n.String())
	return nil
}

type lockListEntry struct {
	LockID       vendorID `json:"lockId"`
	LockAlias    string   `json:"lockAlias"`
	LockName     string   `json:"lockName"`
	LockMac      string   `json:"lockMac"`
	HasGateway   int      `json:"hasGateway"`
	FeatureValue string   `json:"featureValue"`
}

type lockListResponse struct {
	List  []lockListEntry `json:"list"`
	Pages int             `json:"pages"`
}

// ListLocks returns every lock the account can reach remotely. Locks behind
// neither a gateway nor Wi-Fi cannot be operated from the cloud and are skipped.
func (c *Client) ListLocks(ctx context.Context) ([]LockSummary, error) {
	seen := make(map[vendorID]struct{})
	var out []LockSummary
	collect := func(entries []lockListEntry) {
		for _, entry := range entries {
			if entry.LockID == "" {
				continue
			}
			if _, ok := seen[entry.LockID]; ok {
				continue
			}
			if entry.HasGateway == 0 && !hasFeature(entry.FeatureValue, wifiFeatureBit) {
				continue
			}
			seen[entry.LockID] = struct{}{}
			name := entry.LockAlias
			if name == "" {
				name = entry.LockName
			}
			out = append(out, LockSummary{LockID: string(entry.LockID), Name: name, MAC: entry.LockMac})
		}
	}

	for _, path := range []string{"lock/list", "key/list"} {
		entries, err := c.listPages(ctx, "list_locks", path, 1000)
		if err != nil {
			return nil, err
		}
		collect(entries)
	}
	return out, nil
}

func (c *Client) listPages(ctx context.Context, op, path string, pageSize int) ([]lockListEntry, error) {
	var all []lockListEntry
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("pageNo", strconv.Itoa(page))
		params.Set("pageSize", strconv.Itoa(pageSize))
		var resp lockListResponse
		if err := c.call(ctx, request{op: op, method: http.MethodGet, path: path, params: params}, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.List...)
		if page >= resp.Pages || len(resp.List) == 0 {
			return all, nil
		}
	}
}

// hasFeature tests a bit in the hex feature bitmap.
func hasFeature(featureValue string, bit uint) bool {
	featureValue = strings.TrimSpace(featureValue)
	if featureValue == "" {
		return false
	}
	n, ok := new(big.Int).SetString(featureValue, 16)
	if !ok {
		return false
	}
	return n.Bit(int(bit)) == 1
}

type lockDetailResponse struct {
	LockID           vendorID `json:"lockId"`
	LockAlias        string   `json:"lockAlias"`
	LockName         string   `json:"lockName"`
	LockMac          string   `json:"lockMac"`
	ElectricQuantity *int     `json:"electricQuantity"`
	AutoLockTime     *int     `json:"autoLockTime"`
}

// LockDetail fetches name, battery and auto-lock settings. Accounts that only
// hold an eKey for the lock are not allowed lock/detail, so key/get is tried next.
func (c *Client) LockDetail(ctx context.Context, lockID string) (LockDetail, error) {
	params := lockParams(lockID)
	var resp lockDetailResponse
	err := c.call(ctx, request{op: "lock_detail", method: http.MethodGet, path: "lock/detail", params: params}, &resp)
	if err != nil {
		if !IsRemote(err) {
			return LockDetail{}, err
		}
		resp = lockDetailResponse{}
		if keyErr := c.call(ctx, request{op: "lock_detail", method: http.MethodGet, path: "key/get", params: params}, &resp); keyErr != nil {
			return LockDetail{}, keyErr
		}
	}

	detail := LockDetail{
		LockID: lockID,
		Name:   resp.LockAlias,
		MAC:    resp.LockMac,
	}
	if detail.Name == "" {
		detail.Name = resp.LockName
	}
	if resp.ElectricQuantity != nil && *resp.ElectricQuantity >= 0 {
		level := min(*resp.ElectricQuantity, 100)
		detail.BatteryLevel = &level
	}
	if resp.AutoLockTime != nil && *resp.AutoLockTime > 0 {
		detail.AutoLockSeconds = *resp.AutoLockTime
	}
	return detail, nil
}

type openStateResponse struct {
	State *int `json:"state"`
}

// QueryState asks the lock, through its gateway, whether it is locked.
func (c *Client) QueryState(ctx context.Context, lockID string) (models.LockState, error) {
	var resp openStateResponse
	err := c.call(ctx, request{
		op: "query_state", method: http.MethodGet, path: "lock/queryOpenState",
		params: lockParams(lockID), gateway: true,
	}, &resp)
	if err != nil {
		return models.LockStateUnknown, err
	}
	if resp.State == nil {
		return models.LockStateUnknown, nil
	}
	switch *resp.State {
	case 0:
		return models.LockStateLocked, nil
	case 1:
		return models.LockStateUnlocked, nil
	default:
		return models.LockStateUnknown, nil
	}
}

// vendorDays decodes weekDays sent either as an array or as a JSON string.
type vendorDays []int

func (d *vendorDays) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*d = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*d = nil
			return nil
		}
		data = []byte(inner)
	}
	var days []int
	if err := json.Unmarshal(data, &days); err != nil {
		return err
	}
	*d = days
	return nil
}

type passageModeResponse struct {
	PassageMode int        `json:"passageMode"`
	StartDate   int        `json:"startDate"`
	EndDate     int        `json:"endDate"`
	IsAllDay    int        `json:"isAllDay"`
	WeekDays    vendorDays `json:"weekDays"`
	AutoUnlock  int        `json:"autoUnlock"`
}

// PassageModeConfig reads the lock's passage-mode schedule.
func (c *Client) PassageModeConfig(ctx context.Context, lockID string) (models.PassageModeSchedule, error) {
	var resp passageModeResponse
	err := c.call(ctx, request{
		op: "passage_mode_config", method: http.MethodGet, path: "lock/getPassageModeConfig",
		params: lockParams(lockID),
	}, &resp)
	if err != nil {
		return models.PassageModeSchedule{}, err
	}
	return models.PassageModeSchedule{
		Enabled:    resp.PassageMode == vendorOn,
		AutoUnlock: resp.AutoUnlock == vendorOn,
		AllDay:     resp.IsAllDay == vendorOn,
		Start:      models.ClockTime(resp.StartDate),
		End:        models.ClockTime(resp.EndDate),
		Days:       models.WeekdaySetFromVendor(resp.WeekDays),
	}, nil
}

// Lock sends a lock command through the gateway.
func (c *Client) Lock(ctx context.Context, lockID string) error {
	return c.call(ctx, request{
		op: "lock", method: http.MethodGet, path: "lock/lock",
		params: lockParams(lockID), gateway: true,
	}, nil)
}

// Unlock sends an unlock command through the gateway.
func (c *Client) Unlock(ctx context.Context, lockID string) error {
	return c.call(ctx, request{
		op: "unlock", method: http.MethodGet, path: "lock/unlock",
		params: lockParams(lockID), gateway: true,
	}, nil)
}

// SetPassageMode writes a passage-mode schedule to the lock via its gateway.
func (c *Client) SetPassageMode(ctx context.Context, lockID string, schedule models.PassageModeSchedule) error {
	days, err := json.Marshal(schedule.Days.VendorDays())
	if err != nil {
		return fmt.Errorf("encoding week days: %w", err)
	}
	params := lockParams(lockID)
	params.Set("type", "2")
	params.Set("passageMode", onOff(schedule.Enabled))
	params.Set("autoUnlock", onOff(schedule.AutoUnlock))
	params.Set("isAllDay", onOff(schedule.AllDay))
	params.Set("startDate", strconv.Itoa(int(schedule.Start)))
	params.Set("endDate", strconv.Itoa(int(schedule.End)))
	params.Set("weekDays", string(days))
	return c.call(ctx, request{
		op: "set_passage_mode", method: http.MethodPost, path: "lock/configPassageMode",
		params: params, gateway: true,
	}, nil)
}

func lockParams(lockID string) url.Values {
	params := url.Values{}
	params.Set("lockId", lockID)
	return params
}

func onOff(v bool) string {
	if v {
		return strconv.Itoa(vendorOn)
	}
	return strconv.Itoa(vendorOff)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
