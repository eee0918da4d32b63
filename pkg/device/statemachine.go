package device

import (
	"fmt"
	"strconv"

	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/datastore"
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/schema"
	"github.com/conduit-network/conduit/pkg/util"
)

// Clock arms and disarms the single per-handle timer. The controller
// implements it over the reactor; a transient state always has its
// timer armed.
type Clock interface {
	Arm(h *Handle)
	Disarm(h *Handle)
}

// Observer receives state-machine outcomes. The transaction engine
// implements it to track per-device progress.
type Observer interface {
	// DeviceReady fires when a handle completes a sync and reaches
	// OPEN.
	DeviceReady(h *Handle)
	// DeviceClosed fires when a handle is driven to CLOSED with a
	// diagnostic.
	DeviceClosed(h *Handle, reason string)
	// PushReply fires when a reply arrives in a push state. prev is
	// the push state the reply was received in; the engine decides
	// the next step.
	PushReply(h *Handle, prev ConnState, ok bool, lockDenied bool, errMsg string)
}

// StateMachine drives device handles through the connection states.
// All methods run on the reactor.
type StateMachine struct {
	cfg      *config.Config
	store    datastore.Store
	compiler *schema.Compiler
	dialer   Dialer
	clock    Clock
	obs      Observer

	// filter is the schema-list policy hook; nil keeps every module.
	filter schema.FilterHook
}

// NewStateMachine wires the state machine to its collaborators.
func NewStateMachine(cfg *config.Config, store datastore.Store, compiler *schema.Compiler,
	dialer Dialer, clock Clock, obs Observer, filter schema.FilterHook) *StateMachine {
	return &StateMachine{
		cfg:      cfg,
		store:    store,
		compiler: compiler,
		dialer:   dialer,
		clock:    clock,
		obs:      obs,
		filter:   filter,
	}
}

// handler processes one inbound message for one (state, message-kind)
// pair.
type handler func(sm *StateMachine, h *Handle, msg *netconf.Node)

// handlers is the dispatch table: state × message name. A missing
// entry closes the connection with an unexpected-message diagnostic.
var handlers = map[ConnState]map[string]handler{
	CSConnecting: {
		"hello": (*StateMachine).recvHello,
	},
	CSSchemaList: {
		"rpc-reply": (*StateMachine).recvSchemaList,
	},
	CSSchemaOne: {
		"rpc-reply": (*StateMachine).recvSchema,
	},
	CSDeviceSync: {
		"rpc-reply": (*StateMachine).recvConfig,
	},
	CSPushLock:     {"rpc-reply": (*StateMachine).recvPushReply},
	CSPushEdit:     {"rpc-reply": (*StateMachine).recvPushReply},
	CSPushValidate: {"rpc-reply": (*StateMachine).recvPushReply},
	CSPushCommit:   {"rpc-reply": (*StateMachine).recvPushReply},
	CSPushDiscard:  {"rpc-reply": (*StateMachine).recvPushReply},
	CSPushUnlock:   {"rpc-reply": (*StateMachine).recvPushReply},
}

// Connect opens the transport and starts the handshake: the handle
// moves to CONNECTING and waits for the peer hello. Sessions always
// start with EOM framing.
func (sm *StateMachine) Connect(h *Handle) error {
	if h.State() != CSClosed {
		return fmt.Errorf("%w: %s is not closed", util.ErrInternal, h.Name())
	}
	t, err := sm.dialer.Dial(&h.Conf)
	if err != nil {
		return err
	}
	h.SetTransport(t)
	h.Framer().Reset()
	h.Framer().SetMode(netconf.FramingEOM)
	h.SetLogMsg("")
	h.SetState(CSConnecting)
	sm.clock.Arm(h)
	util.WithDevice(h.Name()).Info("Connecting")
	return nil
}

// HandleInput feeds transport bytes through the handle's framer and
// dispatches any complete messages.
func (sm *StateMachine) HandleInput(h *Handle, p []byte) {
	msgs, err := h.Framer().Feed(p)
	if err != nil {
		sm.closef(h, "Framing error: %v", err)
		return
	}
	for _, payload := range msgs {
		if h.State() == CSClosed {
			// A close mid-batch discards the rest of the frame
			// buffer.
			return
		}
		msg, err := netconf.Parse(payload)
		if err != nil {
			sm.closef(h, "Invalid frame")
			return
		}
		sm.HandleMessage(h, msg)
	}
}

// HandleEOF drives the handle to CLOSED on remote close.
func (sm *StateMachine) HandleEOF(h *Handle) {
	if h.State() == CSClosed {
		return
	}
	sm.closef(h, "Remote socket endpoint closed")
}

// Timeout expires the per-state timer.
func (sm *StateMachine) Timeout(h *Handle) {
	h.Timer = nil
	sm.closef(h, "Timeout waiting for remote peer")
}

// HandleMessage dispatches one inbound message through the state ×
// message table.
func (sm *StateMachine) HandleMessage(h *Handle, msg *netconf.Node) {
	if netconf.IsRPCReply(msg) {
		sm.checkMsgID(h, msg)
	}
	byState, ok := handlers[h.State()]
	if ok {
		if fn, ok := byState[msg.Name()]; ok {
			fn(sm, h, msg)
			return
		}
	}
	sm.closef(h, "Unexpected msg %s in state %s", msg.Name(), h.State())
}

// checkMsgID validates reply-to-request matching. The protocol is
// strictly sequential per session, so a mismatch is logged rather
// than fatal.
func (sm *StateMachine) checkMsgID(h *Handle, msg *netconf.Node) {
	want := h.PendingMsgID()
	if want == 0 {
		return
	}
	got, err := strconv.ParseUint(netconf.MessageID(msg), 10, 64)
	if err != nil || got != want {
		util.WithDevice(h.Name()).Warnf("reply message-id %q does not match outstanding %d",
			netconf.MessageID(msg), want)
	}
}

// Close closes the connection without a diagnostic (operator action).
func (sm *StateMachine) Close(h *Handle) {
	sm.teardown(h)
	h.SetLogMsg("")
	h.SetState(CSClosed)
}

// closef closes the connection recording a formatted diagnostic and
// notifies the observer.
func (sm *StateMachine) closef(h *Handle, format string, args ...interface{}) {
	reason := fmt.Sprintf(format, args...)
	sm.teardown(h)
	h.SetLogMsg(reason)
	h.SetState(CSClosed)
	util.WithDevice(h.Name()).Infof("Closed: %s", reason)
	if sm.obs != nil {
		sm.obs.DeviceClosed(h, reason)
	}
}

// teardown releases everything a CLOSED handle must not hold: timer,
// transport, frame buffer, pending request, module set.
func (sm *StateMachine) teardown(h *Handle) {
	sm.clock.Disarm(h)
	if t := h.Transport(); t != nil {
		t.Close()
		h.SetTransport(nil)
	}
	h.Framer().Reset()
	h.ClearPending()
	h.ModuleSet = nil
	h.fetching = nil
}

// ---------------------------------------------------------------------
// Receive handlers
// ---------------------------------------------------------------------

// recvHello validates the peer hello, answers it, negotiates framing
// and requests the schema list.
func (sm *StateMachine) recvHello(h *Handle, msg *netconf.Node) {
	if ns := msg.Namespace(); ns != netconf.BaseNamespace {
		sm.closef(h, "No appropriate namespace associated with %s", ns)
		return
	}
	caps := netconf.Capabilities(msg)
	if len(caps) == 0 {
		sm.closef(h, "No capabilities found")
		return
	}
	h.SetCapabilities(caps)
	chunked := h.HasCapability(netconf.CapBase11)
	if !chunked && !h.HasCapability(netconf.CapBase10) {
		sm.closef(h, "No base netconf capability found")
		return
	}
	// The hello itself is always EOM-framed; the negotiated mode
	// applies from the next message. Config may pin EOM.
	if err := sm.send(h, netconf.Hello()); err != nil {
		return
	}
	if chunked && sm.cfg.NetconfFraming != config.FramingEOM {
		h.Framer().SetMode(netconf.FramingChunked)
	}
	if !h.HasCapability(netconf.CapMonitoring) {
		sm.closef(h, "No method to get schemas")
		return
	}
	if err := sm.send(h, netconf.GetSchemaList(h.NextMsgID())); err != nil {
		return
	}
	h.SetState(CSSchemaList)
	sm.clock.Arm(h)
}

// recvSchemaList translates the monitoring schema list into the
// device module set and starts the fetch walk.
func (sm *StateMachine) recvSchemaList(h *Handle, msg *netconf.Node) {
	if !sm.checkReplyNamespace(h, msg) {
		return
	}
	xschemas := msg.FindPath("data", "netconf-state", "schemas")
	if xschemas == nil {
		sm.closef(h, "No schemas returned")
		return
	}
	h.ModuleSet = schema.ModuleSetFromSchemaList(xschemas, sm.filter)
	h.schemaNr = 0
	util.WithDevice(h.Name()).Infof("Schema list: %d modules", len(h.ModuleSet.Modules))
	sm.nextSchemaOrSync(h)
}

// recvSchema stores one fetched module in the cache and continues the
// walk.
func (sm *StateMachine) recvSchema(h *Handle, msg *netconf.Node) {
	if !sm.checkReplyNamespace(h, msg) {
		return
	}
	xdata := msg.Find("data")
	if xdata == nil || xdata.Text == "" {
		sm.closef(h, "Invalid get-schema, no YANG body")
		return
	}
	m := h.fetching
	if m == nil {
		sm.closef(h, "Unexpected msg rpc-reply in state %s", h.State())
		return
	}
	if err := sm.compiler.Cache().Write(*m, xdata.Text); err != nil {
		sm.closef(h, "Failed to store schema %s: %v", m, err)
		return
	}
	util.WithDevice(h.Name()).Debugf("Fetched schema %s", m)
	h.fetching = nil
	sm.nextSchemaOrSync(h)
}

// nextSchemaOrSync sends the next missing get-schema, or compiles and
// mounts the set and moves on to the device sync.
func (sm *StateMachine) nextSchemaOrSync(h *Handle) {
	for h.schemaNr < len(h.ModuleSet.Modules) {
		m := h.ModuleSet.Modules[h.schemaNr]
		h.schemaNr++
		if h.SchemaSet != nil && h.SchemaSet.Has(m) {
			continue
		}
		if sm.compiler.Cache().Has(m) {
			continue
		}
		if err := sm.send(h, netconf.GetSchema(h.NextMsgID(), m.Name, m.Revision)); err != nil {
			return
		}
		mm := m
		h.fetching = &mm
		h.SetState(CSSchemaOne)
		sm.clock.Arm(h)
		return
	}
	// All modules resolved: compile, mount, sync.
	set, err := sm.compiler.Compile(h.ModuleSet)
	if err != nil {
		sm.closef(h, "YANG parse error")
		return
	}
	h.SchemaSet = set
	sm.store.Mount(h.Name(), set)
	sm.StartSync(h, false)
}

// StartSync requests the running config from the device and enters
// DEVICE_SYNC. When merge is set, the fetched subtree is merged into
// the last-synced snapshot instead of replacing it.
func (sm *StateMachine) StartSync(h *Handle, merge bool) {
	if err := sm.send(h, netconf.GetConfig(h.NextMsgID(), "running")); err != nil {
		return
	}
	h.syncMerge = merge
	h.SetState(CSDeviceSync)
	sm.clock.Arm(h)
}

// recvConfig binds the received config to the mounted schema, commits
// it under the device mount point, and opens the handle.
func (sm *StateMachine) recvConfig(h *Handle, msg *netconf.Node) {
	if !sm.checkReplyNamespace(h, msg) {
		return
	}
	if errMsg := netconf.ReplyErrorMessage(msg); errMsg != "" {
		sm.closef(h, "Device sync failed: %s", errMsg)
		return
	}
	xdata := msg.Find("data")
	if xdata == nil {
		sm.closef(h, "Unexpected msg %s in state %s", msg.Name(), h.State())
		return
	}
	set := h.SchemaSet
	if set == nil {
		sm.closef(h, "No YANGs available")
		return
	}
	if err := set.Bind(xdata); err != nil {
		sm.closef(h, "YANG binding failed at mountpoint: %v", err)
		return
	}
	root := netconf.NewElem("root")
	for _, c := range xdata.Children {
		root.AddChild(c.Copy())
	}
	if h.syncMerge && h.LastSynced() != nil {
		root = mergeTrees(h.LastSynced(), root)
	}
	root.SortRecurse()
	// Attach under the mount point with a replace and commit.
	if err := sm.store.PutDeviceRoot(datastore.Candidate, h.Name(), root); err != nil {
		sm.discardAndClose(h, err)
		return
	}
	level := datastore.ValidateNone
	if h.YangPolicy == YCValidate {
		level = datastore.ValidateFull
	}
	if err := sm.store.Commit(level); err != nil {
		sm.discardAndClose(h, err)
		return
	}
	h.SetLastSynced(root)
	h.syncMerge = false
	h.ClearPending()
	h.SetState(CSOpen)
	sm.clock.Disarm(h)
	util.WithDevice(h.Name()).Info("Open")
	if sm.obs != nil {
		sm.obs.DeviceReady(h)
	}
}

// discardAndClose resets candidate from running and closes with a
// commit diagnostic.
func (sm *StateMachine) discardAndClose(h *Handle, err error) {
	if derr := sm.store.Discard(); derr != nil {
		util.WithDevice(h.Name()).Errorf("discard failed: %v", derr)
	}
	sm.closef(h, "Failed to commit: %v", err)
}

// recvPushReply classifies a reply received in a push state and hands
// it to the owning transaction.
func (sm *StateMachine) recvPushReply(h *Handle, msg *netconf.Node) {
	prev := h.State()
	ok := netconf.ReplyOK(msg)
	errMsg := netconf.ReplyErrorMessage(msg)
	lockDenied := netconf.ReplyIsLockDenied(msg)
	h.ClearPending()
	if sm.obs != nil {
		sm.obs.PushReply(h, prev, ok, lockDenied, errMsg)
	}
}

// SendPush transmits an outbound push RPC and moves the handle into
// the given push state, rearming the timer.
func (sm *StateMachine) SendPush(h *Handle, next ConnState, payload []byte) error {
	if err := sm.send(h, payload); err != nil {
		return err
	}
	h.SetState(next)
	sm.clock.Arm(h)
	return nil
}

// FinishPush returns a handle from a push state to OPEN.
func (sm *StateMachine) FinishPush(h *Handle) {
	h.ClearPending()
	h.SetState(CSOpen)
	sm.clock.Disarm(h)
}

// checkReplyNamespace validates an rpc-reply's namespace.
func (sm *StateMachine) checkReplyNamespace(h *Handle, msg *netconf.Node) bool {
	if ns := msg.Namespace(); ns != netconf.BaseNamespace {
		sm.closef(h, "No appropriate namespace associated with %s", ns)
		return false
	}
	return true
}

// send frames and writes one outbound payload. A write failure closes
// the connection.
func (sm *StateMachine) send(h *Handle, payload []byte) error {
	t := h.Transport()
	if t == nil {
		err := fmt.Errorf("%w: no transport", util.ErrInternal)
		sm.closef(h, "Send failed: no transport")
		return err
	}
	if _, err := t.Write(h.Framer().Encode(payload)); err != nil {
		sm.closef(h, "Send failed: %v", err)
		return err
	}
	return nil
}

// mergeTrees overlays the newly fetched subtree onto the base
// snapshot; entries in the overlay win.
func mergeTrees(base, overlay *netconf.Node) *netconf.Node {
	out := base.Copy()
	for _, oc := range overlay.Children {
		replaced := false
		for i, bc := range out.Children {
			if bc.Name() == oc.Name() && bc.Key() == oc.Key() {
				out.Children[i] = oc.Copy()
				replaced = true
				break
			}
		}
		if !replaced {
			out.AddChild(oc.Copy())
		}
	}
	return out
}
