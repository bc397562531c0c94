package ttlock

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ttlock-bridge/backend/internal/storage/models"
)

const passcodePageSize = 100

type passcodeEntry struct {
	KeyboardPwdID   int64  `json:"keyboardPwdId"`
	KeyboardPwd     string `json:"keyboardPwd"`
	KeyboardPwdName string `json:"keyboardPwdName"`
	KeyboardPwdType int    `json:"keyboardPwdType"`
	StartDate       int64  `json:"startDate"`
	EndDate         int64  `json:"endDate"`
}

type passcodeListResponse struct {
	List  []passcodeEntry `json:"list"`
	Pages int             `json:"pages"`
}

// ListPasscodes returns every keypad passcode on the lock.
func (c *Client) ListPasscodes(ctx context.Context, lockID string) ([]models.Passcode, error) {
	var out []models.Passcode
	for page := 1; ; page++ {
		params := lockParams(lockID)
		params.Set("pageNo", strconv.Itoa(page))
		params.Set("pageSize", strconv.Itoa(passcodePageSize))
		var resp passcodeListResponse
		err := c.call(ctx, request{
			op: "list_passcodes", method: http.MethodGet, path: "lock/listKeyboardPwd", params: params,
		}, &resp)
		if err != nil {
			return nil, err
		}
		for _, entry := range resp.List {
			out = append(out, models.Passcode{
				LockID:     lockID,
				RemoteID:   entry.KeyboardPwdID,
				Code:       entry.KeyboardPwd,
				Label:      entry.KeyboardPwdName,
				Type:       models.PasscodeType(entry.KeyboardPwdType),
				ValidFrom:  fromMillis(entry.StartDate),
				ValidUntil: fromMillis(entry.EndDate),
			})
		}
		if page >= resp.Pages || len(resp.List) == 0 {
			return out, nil
		}
	}
}

type createPasscodeResponse struct {
	KeyboardPwdID int64 `json:"keyboardPwdId"`
}

// CreatePasscode adds a temporary passcode through the gateway and returns it
// with the cloud-assigned RemoteID.
func (c *Client) CreatePasscode(ctx context.Context, p models.Passcode) (models.Passcode, error) {
	if err := models.ValidatePasscodeCode(p.Code); err != nil {
		return models.Passcode{}, err
	}
	params := lockParams(p.LockID)
	params.Set("addType", "2")
	params.Set("keyboardPwd", p.Code)
	params.Set("keyboardPwdName", p.Label)
	params.Set("keyboardPwdType", strconv.Itoa(int(models.PasscodeTypeTemporary)))
	params.Set("startDate", millis(p.ValidFrom))
	params.Set("endDate", millis(p.ValidUntil))

	var resp createPasscodeResponse
	err := c.call(ctx, request{
		op: "create_passcode", method: http.MethodPost, path: "keyboardPwd/add",
		params: params, gateway: true, noReplay: true,
	}, &resp)
	if err != nil {
		return models.Passcode{}, err
	}
	if resp.KeyboardPwdID == 0 {
		return models.Passcode{}, &RemoteError{Op: "create_passcode", Code: CodeMalformed, Message: "response missing keyboardPwdId"}
	}
	p.RemoteID = resp.KeyboardPwdID
	p.Type = models.PasscodeTypeTemporary
	return p, nil
}

// DeletePasscode removes a passcode through the gateway.
func (c *Client) DeletePasscode(ctx context.Context, lockID string, remoteID int64) error {
	if remoteID == 0 {
		return errors.New("delete_passcode: remote id required")
	}
	params := url.Values{}
	params.Set("lockId", lockID)
	params.Set("keyboardPwdId", strconv.FormatInt(remoteID, 10))
	params.Set("deleteType", "2")
	return c.call(ctx, request{
		op: "delete_passcode", method: http.MethodPost, path: "keyboardPwd/delete",
		params: params, gateway: true, noReplay: true,
	}, nil)
}
