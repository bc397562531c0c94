package ttlock

import "github.com/ttlock-bridge/backend/internal/storage/models"

// RecordAction is the effect of a lock record on the lock position.
type RecordAction int

const (
	ActionUnknown RecordAction = iota
	ActionLock
	ActionUnlock
)

func (a RecordAction) String() string {
	switch a {
	case ActionLock:
		return "lock"
	case ActionUnlock:
		return "unlock"
	default:
		return "unknown"
	}
}

// RecordInfo describes a vendor recordType code.
type RecordInfo struct {
	Code        int
	Action      RecordAction
	Method      models.OperatorMethod
	Description string
}

var records = map[int]RecordInfo{
	1:  {Action: ActionUnlock, Method: models.MethodApp, Description: "unlock by app"},
	4:  {Action: ActionUnlock, Method: models.MethodPasscode, Description: "unlock by passcode"},
	7:  {Action: ActionUnlock, Method: models.MethodCard, Description: "unlock by IC card"},
	8:  {Action: ActionUnlock, Method: models.MethodFingerprint, Description: "unlock by fingerprint"},
	9:  {Action: ActionUnlock, Method: models.MethodCard, Description: "unlock by wrist strap"},
	10: {Action: ActionUnlock, Method: models.MethodKey, Description: "unlock by mechanical key"},
	11: {Action: ActionLock, Method: models.MethodApp, Description: "lock by app"},
	12: {Action: ActionUnlock, Method: models.MethodGateway, Description: "unlock by gateway"},
	29: {Description: "apply some force on the lock"},
	30: {Description: "door sensor closed"},
	31: {Description: "door sensor open"},
	32: {Description: "open from inside"},
	33: {Action: ActionLock, Method: models.MethodFingerprint, Description: "lock by fingerprint"},
	34: {Action: ActionLock, Method: models.MethodPasscode, Description: "lock by passcode"},
	35: {Action: ActionLock, Method: models.MethodCard, Description: "lock by IC card"},
	36: {Action: ActionLock, Method: models.MethodKey, Description: "lock by mechanical key"},
	37: {Method: models.MethodRemote, Description: "remote control"},
	42: {Description: "received new local mail"},
	43: {Description: "received new other cities' mail"},
	44: {Description: "tamper alert"},
	45: {Action: ActionLock, Method: models.MethodAuto, Description: "Auto Lock"},
	46: {Action: ActionUnlock, Method: models.MethodRemote, Description: "unlock by unlock key"},
	47: {Action: ActionLock, Method: models.MethodRemote, Description: "lock by lock key"},
	48: {Description: "system locked after repeated invalid credentials"},
	49: {Action: ActionUnlock, Method: models.MethodCard, Description: "unlock by hotel card"},
	50: {Action: ActionUnlock, Method: models.MethodAuto, Description: "unlocked due to high temperature"},
	51: {Description: "try to unlock with a deleted card"},
	52: {Description: "dead lock with app"},
	53: {Description: "dead lock with passcode"},
	54: {Description: "the car left (parking lock)"},
	55: {Action: ActionUnlock, Method: models.MethodRemote, Description: "unlock with key fob"},
	57: {Action: ActionUnlock, Method: models.MethodApp, Description: "unlock with QR code"},
	58: {Description: "unlock with QR code failed, expired"},
	59: {Description: "double locked"},
	60: {Description: "cancel double lock"},
	61: {Action: ActionLock, Method: models.MethodApp, Description: "lock with QR code"},
	62: {Description: "lock with QR code failed, double locked"},
	63: {Action: ActionUnlock, Method: models.MethodAuto, Description: "auto unlock at passage mode"},
}

// LookupRecord returns the catalogue entry for a recordType. Unknown codes
// yield ActionUnknown.
func LookupRecord(code int) RecordInfo {
	info, ok := records[code]
	if !ok {
		return RecordInfo{Code: code, Action: ActionUnknown, Method: models.MethodUnknown, Description: "unknown"}
	}
	info.Code = code
	if info.Method == "" {
		info.Method = models.MethodUnknown
	}
	return info
}
