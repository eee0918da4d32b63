package transaction

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/datastore"
	"github.com/conduit-network/conduit/pkg/device"
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/template"
	"github.com/conduit-network/conduit/pkg/util"
)

// ActionRunner transforms controller intent into device configuration
// by invoking the external service-action process against the
// candidate datastore.
type ActionRunner interface {
	Apply(store datastore.Store, timeout time.Duration) error
}

// stepKind is one step of a per-device push program.
type stepKind int

const (
	stepLock stepKind = iota
	stepEdit
	stepValidate
	stepCommit
	stepDiscard
	stepUnlock
)

// program tracks one device's remaining push steps within a
// transaction.
type program struct {
	steps    []stepKind
	editXML  string
	locked   bool
	rollback bool
}

// Engine coordinates multi-device operations. It runs entirely on the
// reactor and implements device.Observer to track per-device
// progress.
type Engine struct {
	cfg   *config.Config
	store datastore.Store
	reg   *device.Registry
	sm    *device.StateMachine

	actions  ActionRunner
	notifier *Notifier

	nextID   uint64
	txns     map[uint64]*Transaction
	programs map[string]*program
}

// NewEngine wires the engine. The state machine is attached
// afterwards via SetStateMachine because the two observe each other.
func NewEngine(cfg *config.Config, store datastore.Store, reg *device.Registry,
	actions ActionRunner, notifier *Notifier) *Engine {
	return &Engine{
		cfg:      cfg,
		store:    store,
		reg:      reg,
		actions:  actions,
		notifier: notifier,
		txns:     make(map[uint64]*Transaction),
		programs: make(map[string]*program),
	}
}

// SetStateMachine attaches the device state machine.
func (e *Engine) SetStateMachine(sm *device.StateMachine) {
	e.sm = sm
}

// Notifier returns the terminal notification stream.
func (e *Engine) Notifier() *Notifier {
	return e.notifier
}

// Get returns a transaction by id, or nil.
func (e *Engine) Get(tid uint64) *Transaction {
	return e.txns[tid]
}

// newTx allocates a transaction with the next monotonic id.
func (e *Engine) newTx(origin string, kind Kind, pattern string) *Transaction {
	e.nextID++
	t := &Transaction{
		ID:      e.nextID,
		Origin:  origin,
		Kind:    kind,
		Pattern: pattern,
		Devices: make(map[string]DeviceState),
		Result:  ResultInit,
		Created: time.Now(),
	}
	e.txns[t.ID] = t
	util.WithTransaction(t.ID).Infof("%s transaction created (pattern %q, origin %q)",
		kind, pattern, origin)
	return t
}

// NewBare creates an empty transaction for the transaction-new RPC.
// It stays INIT until the client terminates it.
func (e *Engine) NewBare(origin string) uint64 {
	return e.newTx(origin, KindNone, "").ID
}

// enlist claims a device for the transaction. A device may belong to
// at most one transaction at a time.
func (e *Engine) enlist(t *Transaction, h *device.Handle) error {
	if h.TID != 0 {
		return fmt.Errorf("%w: %s owned by transaction %d", util.ErrDeviceBusy, h.Name(), h.TID)
	}
	h.TID = t.ID
	t.Devices[h.Name()] = DevInProgress
	return nil
}

// Pull fetches the running config from every OPEN device matching the
// pattern. When merge is false the fetched subtree replaces the
// last-synced snapshot; when true it is merged.
func (e *Engine) Pull(origin, pattern string, merge bool) (uint64, error) {
	t := e.newTx(origin, KindPull, pattern)
	devs := e.reg.MatchState(pattern, device.CSOpen)
	for _, h := range devs {
		if err := e.enlist(t, h); err != nil {
			e.abandonEnlisted(t, err.Error())
			return t.ID, nil
		}
	}
	if len(devs) == 0 {
		e.finalize(t)
		return t.ID, nil
	}
	for _, h := range devs {
		e.sm.StartSync(h, merge)
	}
	return t.ID, nil
}

// Push computes the diff of each matching OPEN device's mount subtree
// against its last-synced snapshot and sends an edit-config with the
// deltas.
func (e *Engine) Push(origin, pattern string) (uint64, error) {
	t := e.newTx(origin, KindPush, pattern)
	return t.ID, e.pushDiffs(t, datastore.Running)
}

// pushDiffs enlists matching OPEN devices and starts an [edit]
// program for every device whose intent tree differs from its
// last-synced snapshot. Intent comes from the given datastore.
func (e *Engine) pushDiffs(t *Transaction, source string) error {
	devs := e.reg.MatchState(t.Pattern, device.CSOpen)
	for _, h := range devs {
		if err := e.enlist(t, h); err != nil {
			e.abandonEnlisted(t, err.Error())
			return nil
		}
	}
	if len(devs) == 0 {
		e.finalize(t)
		return nil
	}
	for _, h := range devs {
		e.startPush(t, h, source, []stepKind{stepEdit})
	}
	e.checkDone(t)
	return nil
}

// startPush computes the device diff and begins its push program. A
// device with no delta completes immediately.
func (e *Engine) startPush(t *Transaction, h *device.Handle, source string, steps []stepKind) {
	name := h.Name()
	if h.LastSynced() == nil {
		e.failDeviceLocal(t, h, "No synced device tree")
		return
	}
	intent, err := e.store.DeviceRoot(source, name)
	if err != nil {
		t.internalFault = true
		e.failDeviceLocal(t, h, err.Error())
		return
	}
	if intent == nil {
		e.failDeviceLocal(t, h, "Device not configured")
		return
	}
	diff := datastore.DiffTrees(e.store.Mounted(name), h.LastSynced(), intent)
	if diff.Empty() {
		t.Devices[name] = DevDone
		h.TID = 0
		return
	}
	p := &program{steps: steps, editXML: buildEditXML(diff)}
	e.programs[name] = p
	e.advance(t, h, p)
}

// ControllerCommit drives the full pipeline: service actions,
// candidate validation, and the per-device lock/edit/validate/commit
// program with distributed rollback.
func (e *Engine) ControllerCommit(origin, pattern, source string, actions ActionsMode, push PushMode) (uint64, error) {
	t := e.newTx(origin, KindControllerCommit, pattern)
	t.Actions = actions
	t.Push = push
	if source == "" {
		source = datastore.Candidate
	}
	t.Source = source

	if actions != ActionsNone {
		if e.actions == nil {
			t.internalFault = true
			t.Reason = "no service-action command configured"
			e.finalize(t)
			return t.ID, nil
		}
		if err := e.actions.Apply(e.store, e.cfg.DeviceTimeout()); err != nil {
			t.internalFault = true
			t.Reason = fmt.Sprintf("service actions: %v", err)
			e.finalize(t)
			return t.ID, nil
		}
	}
	if err := e.validateCandidate(); err != nil {
		t.Reason = err.Error()
		t.failing = true
		e.finalize(t)
		return t.ID, nil
	}
	if push == PushNone {
		// Validate-and-stop: no device messages are emitted.
		e.finalize(t)
		return t.ID, nil
	}
	steps := []stepKind{stepLock, stepEdit, stepValidate, stepDiscard, stepUnlock}
	if push == PushCommit {
		steps = []stepKind{stepLock, stepEdit, stepValidate, stepCommit, stepUnlock}
	}
	devs := e.reg.MatchState(pattern, device.CSOpen)
	for _, h := range devs {
		if err := e.enlist(t, h); err != nil {
			e.abandonEnlisted(t, err.Error())
			return t.ID, nil
		}
	}
	if len(devs) == 0 {
		e.finalize(t)
		return t.ID, nil
	}
	for _, h := range devs {
		e.startPush(t, h, source, append([]stepKind(nil), steps...))
	}
	e.checkDone(t)
	return t.ID, nil
}

// validateCandidate binds every mounted device subtree of candidate.
func (e *Engine) validateCandidate() error {
	names, err := e.store.Devices(datastore.Candidate)
	if err != nil {
		return err
	}
	for _, name := range names {
		set := e.store.Mounted(name)
		if set == nil {
			continue
		}
		root, err := e.store.DeviceRoot(datastore.Candidate, name)
		if err != nil {
			return err
		}
		if root == nil {
			continue
		}
		if err := set.Bind(root); err != nil {
			return fmt.Errorf("device %s: %w", name, err)
		}
	}
	return nil
}

// Reconnect re-initiates the connect flow for matching CLOSED,
// enabled devices.
func (e *Engine) Reconnect(origin, pattern string) (uint64, error) {
	t := e.newTx(origin, KindReconnect, pattern)
	for _, h := range e.reg.MatchState(pattern, device.CSClosed) {
		if !h.Conf.Enabled {
			continue
		}
		if err := e.enlist(t, h); err != nil {
			e.abandonEnlisted(t, err.Error())
			return t.ID, nil
		}
		if err := e.sm.Connect(h); err != nil {
			t.Devices[h.Name()] = DevFailed
			t.failing = true
			if t.Reason == "" {
				t.Reason = err.Error()
			}
			h.TID = 0
		}
	}
	e.checkDone(t)
	return t.ID, nil
}

// TemplateApply expands a parameterised template under each matching
// device's candidate mount subtree, commits locally, then behaves as
// push.
func (e *Engine) TemplateApply(origin, pattern, tmpl string, vars map[string]string) (uint64, error) {
	t := e.newTx(origin, KindTemplateApply, pattern)
	expanded, err := template.Expand(tmpl, vars)
	if err != nil {
		t.Reason = err.Error()
		t.failing = true
		e.finalize(t)
		return t.ID, nil
	}
	devs := e.reg.MatchState(pattern, device.CSOpen)
	if len(devs) == 0 {
		e.finalize(t)
		return t.ID, nil
	}
	for _, h := range devs {
		name := h.Name()
		cur, err := e.store.DeviceRoot(datastore.Candidate, name)
		if err != nil {
			t.internalFault = true
			t.Reason = err.Error()
			e.finalize(t)
			return t.ID, nil
		}
		merged := template.MergeInto(cur, expanded)
		if err := e.store.PutDeviceRoot(datastore.Candidate, name, merged); err != nil {
			t.internalFault = true
			t.Reason = err.Error()
			e.finalize(t)
			return t.ID, nil
		}
	}
	if err := e.store.Commit(datastore.ValidateFull); err != nil {
		if derr := e.store.Discard(); derr != nil {
			util.WithTransaction(t.ID).Errorf("discard failed: %v", derr)
		}
		t.Reason = err.Error()
		t.failing = true
		e.finalize(t)
		return t.ID, nil
	}
	return t.ID, e.pushDiffs(t, datastore.Running)
}

// TransactionError terminates an in-flight transaction with an error
// condition: locked devices roll back, pending syncs are let run, and
// the terminal notification carries the supplied reason.
func (e *Engine) TransactionError(tid uint64, origin, reason string) error {
	t := e.txns[tid]
	if t == nil {
		return fmt.Errorf("%w: transaction %d", util.ErrNotFound, tid)
	}
	if t.Terminal() {
		return fmt.Errorf("transaction %d already terminated", tid)
	}
	t.failing = true
	if reason != "" {
		t.Reason = reason
	}
	for name, st := range t.Devices {
		if st != DevInProgress {
			continue
		}
		h := e.reg.Find(name)
		if h == nil {
			continue
		}
		// Push devices roll back when their pending reply drains;
		// they stay IN_PROGRESS until the unlock completes. Pending
		// syncs run to completion under the failed transaction.
		if h.State().Push() {
			if p := e.programs[name]; p != nil && !p.rollback {
				p.rollback = true
				if p.locked {
					p.steps = []stepKind{stepDiscard, stepUnlock}
				} else {
					p.steps = nil
				}
			}
		}
	}
	e.checkDone(t)
	return nil
}

// abandonEnlisted fails a transaction that could not claim all its
// devices, releasing the ones it did claim.
func (e *Engine) abandonEnlisted(t *Transaction, reason string) {
	for name := range t.Devices {
		if h := e.reg.Find(name); h != nil && h.TID == t.ID {
			h.TID = 0
		}
		delete(e.programs, name)
		t.Devices[name] = DevFailed
	}
	t.failing = true
	t.Reason = reason
	e.finalize(t)
}

// ---------------------------------------------------------------------
// device.Observer
// ---------------------------------------------------------------------

// DeviceReady marks a participant's sync complete.
func (e *Engine) DeviceReady(h *device.Handle) {
	t := e.txns[h.TID]
	if t == nil {
		return
	}
	t.Devices[h.Name()] = DevDone
	e.checkDone(t)
}

// DeviceClosed marks a participant failed with the close diagnostic.
func (e *Engine) DeviceClosed(h *device.Handle, reason string) {
	t := e.txns[h.TID]
	if t == nil {
		return
	}
	t.Devices[h.Name()] = DevFailed
	t.failing = true
	if t.Reason == "" {
		t.Reason = fmt.Sprintf("device %s: %s", h.Name(), reason)
	}
	delete(e.programs, h.Name())
	e.checkDone(t)
}

// PushReply drives a device's push program on each reply.
func (e *Engine) PushReply(h *device.Handle, prev device.ConnState, ok, lockDenied bool, errMsg string) {
	t := e.txns[h.TID]
	if t == nil || t.Terminal() {
		// Owning transaction is gone; the message is discarded.
		e.sm.FinishPush(h)
		return
	}
	p := e.programs[h.Name()]
	if p == nil {
		e.sm.FinishPush(h)
		return
	}
	switch prev {
	case device.CSPushLock:
		if ok {
			p.locked = true
		}
	case device.CSPushUnlock:
		if ok {
			p.locked = false
		}
	}
	if lockDenied {
		reason := (&util.RemoteLockError{Device: h.Name(), State: prev.String()}).Error()
		e.failDevice(t, h, p, reason)
		return
	}
	if !ok && !p.rollback {
		reason := errMsg
		if reason == "" {
			reason = fmt.Sprintf("negative reply in state %s", prev)
		}
		e.failDevice(t, h, p, fmt.Sprintf("device %s: %s", h.Name(), reason))
		return
	}
	if t.failing && !p.rollback {
		e.startRollback(t, h, p)
		return
	}
	e.advance(t, h, p)
}

// failDevice records a push failure, rolls the device back if it
// holds the lock, and flags the transaction so the other participants
// roll back too. A device draining its rollback stays IN_PROGRESS
// until the unlock completes.
func (e *Engine) failDevice(t *Transaction, h *device.Handle, p *program, reason string) {
	t.failing = true
	if t.Reason == "" {
		t.Reason = reason
	}
	util.WithTransaction(t.ID).WithField("device", h.Name()).Warn(reason)
	if p.locked {
		p.rollback = true
		p.steps = []stepKind{stepDiscard, stepUnlock}
		e.advance(t, h, p)
		return
	}
	t.Devices[h.Name()] = DevFailed
	delete(e.programs, h.Name())
	e.sm.FinishPush(h)
	e.checkDone(t)
}

// failDeviceLocal fails a participant before any message was sent.
func (e *Engine) failDeviceLocal(t *Transaction, h *device.Handle, reason string) {
	t.failing = true
	if t.Reason == "" {
		t.Reason = fmt.Sprintf("device %s: %s", h.Name(), reason)
	}
	t.Devices[h.Name()] = DevFailed
	h.TID = 0
}

// startRollback converts a device's remaining program into
// discard+unlock.
func (e *Engine) startRollback(t *Transaction, h *device.Handle, p *program) {
	p.rollback = true
	if p.locked {
		p.steps = []stepKind{stepDiscard, stepUnlock}
	} else {
		p.steps = nil
	}
	e.advance(t, h, p)
}

// advance sends the device's next push step, or completes its
// program.
func (e *Engine) advance(t *Transaction, h *device.Handle, p *program) {
	if len(p.steps) == 0 {
		delete(e.programs, h.Name())
		e.sm.FinishPush(h)
		if p.rollback {
			t.Devices[h.Name()] = DevFailed
		} else {
			t.Devices[h.Name()] = DevDone
		}
		e.checkDone(t)
		return
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	var payload []byte
	var next device.ConnState
	switch step {
	case stepLock:
		payload = netconf.Lock(h.NextMsgID(), datastore.Candidate)
		next = device.CSPushLock
	case stepEdit:
		payload = netconf.EditConfig(h.NextMsgID(), datastore.Candidate, p.editXML)
		next = device.CSPushEdit
	case stepValidate:
		payload = netconf.Validate(h.NextMsgID(), datastore.Candidate)
		next = device.CSPushValidate
	case stepCommit:
		payload = netconf.Commit(h.NextMsgID())
		next = device.CSPushCommit
	case stepDiscard:
		payload = netconf.DiscardChanges(h.NextMsgID())
		next = device.CSPushDiscard
	case stepUnlock:
		payload = netconf.Unlock(h.NextMsgID(), datastore.Candidate)
		next = device.CSPushUnlock
	}
	// A send failure closes the handle; DeviceClosed accounts for it.
	_ = e.sm.SendPush(h, next, payload)
}

// checkDone finalizes the transaction once every participant is
// terminal. Bare transactions terminate only via TransactionError.
func (e *Engine) checkDone(t *Transaction) {
	if t.Terminal() {
		return
	}
	if t.Kind == KindNone && !t.failing {
		return
	}
	if !t.Done() {
		return
	}
	e.finalize(t)
}

// finalize computes the aggregate result, releases participants and
// publishes the terminal notification.
func (e *Engine) finalize(t *Transaction) {
	if t.Terminal() {
		return
	}
	switch {
	case t.internalFault:
		t.Result = ResultError
	case t.failing:
		t.Result = ResultFailed
	default:
		anyFailed := false
		for _, s := range t.Devices {
			if s == DevFailed {
				anyFailed = true
				break
			}
		}
		if anyFailed {
			t.Result = ResultFailed
		} else {
			t.Result = ResultSuccess
		}
	}
	// A successful commit pipeline promotes candidate to running.
	if t.Result == ResultSuccess && t.Kind == KindControllerCommit && t.Push == PushCommit {
		if err := e.store.Commit(datastore.ValidateNone); err != nil {
			t.Result = ResultError
			t.Reason = err.Error()
		}
	}
	t.Ended = time.Now()
	for name := range t.Devices {
		if h := e.reg.Find(name); h != nil && h.TID == t.ID {
			h.TID = 0
		}
		delete(e.programs, name)
	}
	util.WithTransaction(t.ID).Infof("%s terminated: %s %s", t.Kind, t.Result, t.Reason)
	e.notifier.Publish(Notification{TID: t.ID, Result: t.Result, Reason: t.Reason})
}

// buildEditXML renders a diff as the config payload of an
// edit-config: additions and new values merge, deletions carry the
// delete operation.
func buildEditXML(d *datastore.Diff) string {
	var b strings.Builder
	for _, n := range d.Added {
		b.WriteString(n.String())
	}
	for _, n := range d.ChangedAfter {
		b.WriteString(n.String())
	}
	for _, n := range d.Deleted {
		cp := n.Copy()
		cp.Attrs = append(cp.Attrs,
			xml.Attr{Name: xml.Name{Local: "xmlns:nc"}, Value: netconf.BaseNamespace},
			xml.Attr{Name: xml.Name{Local: "nc:operation"}, Value: "delete"})
		b.WriteString(cp.String())
	}
	return b.String()
}
