package device

import (
	"time"

	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/schema"
)

// Handle is the runtime record of one managed device. Handles are
// owned by the Registry and mutated only on the reactor, so they
// carry no locks.
type Handle struct {
	name string

	// Conf is the inventory entry: address, user, enable flag,
	// connection type, yang-config policy.
	Conf config.DeviceConfig

	// YangPolicy is the parsed yang-config policy.
	YangPolicy YangConfig

	transport Transport
	framer    *netconf.Framer

	state     ConnState
	stateTime time.Time

	// msgID is the outbound message-id counter, strictly increasing
	// over the handle's lifetime.
	msgID uint64
	// pendingMsgID is the message-id of the single outstanding
	// request in a transient state; 0 when idle.
	pendingMsgID uint64

	capabilities []string

	// ModuleSet is the device's schema list translated to a module
	// set; non-nil from SCHEMA_LIST until close.
	ModuleSet *schema.ModuleSet
	// SchemaSet is the compiled, mounted schema; non-nil once the
	// handle has completed schema acquisition at least once.
	SchemaSet *schema.Set
	// schemaNr is the fetch cursor into ModuleSet during SCHEMA_ONE.
	schemaNr int
	// fetching is the module currently requested via get-schema.
	fetching *schema.Module

	// lastSynced is the device subtree captured at the last
	// successful sync; the diff baseline for pushes. Non-nil iff the
	// handle has reached OPEN at least once.
	lastSynced *netconf.Node
	syncTime   time.Time
	// syncMerge is set by a merge-mode pull for the in-flight sync.
	syncMerge bool

	// TID is the owning transaction id; 0 when idle.
	TID uint64

	// Timer is the token of the single armed per-state timer,
	// managed by the Clock. Nil when no timer is armed.
	Timer interface{}

	logMsg string
}

// NewHandle creates a handle in CLOSED state.
func NewHandle(conf config.DeviceConfig) *Handle {
	return &Handle{
		name:       conf.Name,
		Conf:       conf,
		YangPolicy: ParseYangConfig(conf.YangConfig),
		state:      CSClosed,
		stateTime:  time.Now(),
	}
}

// Name returns the device name.
func (h *Handle) Name() string {
	return h.name
}

// State returns the connection state.
func (h *Handle) State() ConnState {
	return h.state
}

// SetState transitions the connection state and stamps the change.
func (h *Handle) SetState(s ConnState) {
	h.state = s
	h.stateTime = time.Now()
}

// StateTime returns the last state-change timestamp.
func (h *Handle) StateTime() time.Time {
	return h.stateTime
}

// NextMsgID increments and returns the outbound message-id, recording
// it as the pending request id.
func (h *Handle) NextMsgID() uint64 {
	h.msgID++
	h.pendingMsgID = h.msgID
	return h.msgID
}

// PendingMsgID returns the outstanding request id, 0 when idle.
func (h *Handle) PendingMsgID() uint64 {
	return h.pendingMsgID
}

// ClearPending marks the outstanding request answered.
func (h *Handle) ClearPending() {
	h.pendingMsgID = 0
}

// Framer returns the handle's frame parser, creating it in EOM mode
// on first use. Sessions always start with EOM framing.
func (h *Handle) Framer() *netconf.Framer {
	if h.framer == nil {
		h.framer = netconf.NewFramer(netconf.FramingEOM)
	}
	return h.framer
}

// Transport returns the open transport, nil when CLOSED.
func (h *Handle) Transport() Transport {
	return h.transport
}

// SetTransport attaches an open transport.
func (h *Handle) SetTransport(t Transport) {
	h.transport = t
}

// Capabilities returns the capability set advertised by the peer.
func (h *Handle) Capabilities() []string {
	return h.capabilities
}

// SetCapabilities stores the peer's capability set.
func (h *Handle) SetCapabilities(caps []string) {
	h.capabilities = caps
}

// HasCapability reports whether the peer advertised the capability.
// Capability URIs are matched on their base form, ignoring any
// ?module= suffix.
func (h *Handle) HasCapability(uri string) bool {
	for _, c := range h.capabilities {
		if c == uri {
			return true
		}
		if len(c) > len(uri) && c[:len(uri)] == uri && c[len(uri)] == '?' {
			return true
		}
	}
	return false
}

// LastSynced returns the diff baseline subtree, nil before the first
// successful sync.
func (h *Handle) LastSynced() *netconf.Node {
	return h.lastSynced
}

// SetLastSynced captures the sync snapshot.
func (h *Handle) SetLastSynced(root *netconf.Node) {
	h.lastSynced = root
	h.syncTime = time.Now()
}

// SyncTime returns the time of the last successful sync.
func (h *Handle) SyncTime() time.Time {
	return h.syncTime
}

// LogMsg returns the last diagnostic recorded on the handle.
func (h *Handle) LogMsg() string {
	return h.logMsg
}

// SetLogMsg records a diagnostic.
func (h *Handle) SetLogMsg(msg string) {
	h.logMsg = msg
}
