// Package transaction implements the controller transaction engine:
// cluster-wide pull, push, commit, reconnect and template operations
// across a glob pattern of devices, with per-device progress tracking,
// distributed rollback and terminal notifications.
package transaction

import (
	"sort"
	"time"
)

// Kind is the transaction operation kind.
type Kind int

const (
	KindPull Kind = iota
	KindPush
	KindControllerCommit
	KindReconnect
	KindTemplateApply
	// KindNone is a bare transaction created via transaction-new.
	KindNone
)

var kindNames = map[Kind]string{
	KindPull:             "PULL",
	KindPush:             "PUSH",
	KindControllerCommit: "CONTROLLER_COMMIT",
	KindReconnect:        "RECONNECT",
	KindTemplateApply:    "TEMPLATE_APPLY",
	KindNone:             "NONE",
}

func (k Kind) String() string { return kindNames[k] }

// Result is the aggregate transaction result.
type Result int

const (
	ResultInit Result = iota
	ResultSuccess
	ResultFailed
	ResultError
)

var resultNames = map[Result]string{
	ResultInit:    "INIT",
	ResultSuccess: "SUCCESS",
	ResultFailed:  "FAILED",
	ResultError:   "ERROR",
}

func (r Result) String() string { return resultNames[r] }

// ParseResult maps a result name back to the enum; unknown names map
// to ERROR.
func ParseResult(s string) Result {
	for r, n := range resultNames {
		if n == s {
			return r
		}
	}
	return ResultError
}

// DeviceState is the per-device substate within a transaction.
type DeviceState int

const (
	DevWaiting DeviceState = iota
	DevInProgress
	DevDone
	DevFailed
)

var devStateNames = map[DeviceState]string{
	DevWaiting:    "WAITING",
	DevInProgress: "IN_PROGRESS",
	DevDone:       "DONE",
	DevFailed:     "FAILED",
}

func (s DeviceState) String() string { return devStateNames[s] }

// Terminal reports whether the device has finished its part.
func (s DeviceState) Terminal() bool {
	return s == DevDone || s == DevFailed
}

// PushMode selects how far a controller-commit pushes.
type PushMode int

const (
	PushNone PushMode = iota
	PushValidate
	PushCommit
)

var pushNames = map[PushMode]string{
	PushNone:     "NONE",
	PushValidate: "VALIDATE",
	PushCommit:   "COMMIT",
}

func (m PushMode) String() string { return pushNames[m] }

// ParsePushMode maps a mode name; unknown names map to NONE.
func ParsePushMode(s string) PushMode {
	for m, n := range pushNames {
		if n == s {
			return m
		}
	}
	return PushNone
}

// ActionsMode selects service-action invocation.
type ActionsMode int

const (
	ActionsNone ActionsMode = iota
	ActionsChange
	ActionsForce
)

var actionsNames = map[ActionsMode]string{
	ActionsNone:   "NONE",
	ActionsChange: "CHANGE",
	ActionsForce:  "FORCE",
}

func (m ActionsMode) String() string { return actionsNames[m] }

// ParseActionsMode maps a mode name; unknown names map to NONE.
func ParseActionsMode(s string) ActionsMode {
	for m, n := range actionsNames {
		if n == s {
			return m
		}
	}
	return ActionsNone
}

// Transaction is an atomic operation across a set of matching
// devices. Exactly one transaction may occupy a device handle at a
// time; handles and transactions reference each other by id only.
type Transaction struct {
	ID      uint64
	Origin  string
	Kind    Kind
	Pattern string

	// Devices holds the per-device substate, keyed by device name.
	Devices map[string]DeviceState

	Result Result
	Reason string

	Actions ActionsMode
	Push    PushMode
	Source  string

	Created time.Time
	Ended   time.Time

	// failing is set when any participant has failed; remaining
	// participants roll back.
	failing bool
	// internalFault escalates the terminal result to ERROR.
	internalFault bool
}

// Participants returns the device names sorted as enlisted.
func (t *Transaction) Participants() []string {
	out := make([]string, 0, len(t.Devices))
	for name := range t.Devices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Done reports whether every participant reached a terminal substate.
func (t *Transaction) Done() bool {
	for _, s := range t.Devices {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// Terminal reports whether the transaction has terminated.
func (t *Transaction) Terminal() bool {
	return t.Result != ResultInit
}
