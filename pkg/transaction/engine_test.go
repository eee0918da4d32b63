package transaction

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/datastore"
	"github.com/conduit-network/conduit/pkg/device"
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/schema"
)

// ---------------------------------------------------------------------
// Fakes and fixture
// ---------------------------------------------------------------------

type fakeTransport struct {
	wr     bytes.Buffer
	closed bool
}

func (t *fakeTransport) Read(p []byte) (int, error)  { return 0, io.EOF }
func (t *fakeTransport) Write(p []byte) (int, error) { return t.wr.Write(p) }
func (t *fakeTransport) Close() error                { t.closed = true; return nil }

func (t *fakeTransport) sent() string {
	s := t.wr.String()
	t.wr.Reset()
	return s
}

type fakeDialer struct {
	transports map[string]*fakeTransport
}

func (d *fakeDialer) Dial(conf *config.DeviceConfig) (device.Transport, error) {
	ft := &fakeTransport{}
	d.transports[conf.Name] = ft
	return ft, nil
}

type fakeClock struct{}

func (fakeClock) Arm(h *device.Handle)    { h.Timer = new(int) }
func (fakeClock) Disarm(h *device.Handle) { h.Timer = nil }

type fixture struct {
	cfg    *config.Config
	store  *datastore.Memory
	reg    *device.Registry
	eng    *Engine
	sm     *device.StateMachine
	dialer *fakeDialer

	events []Notification
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.SchemaDir = t.TempDir()
	f := &fixture{
		cfg:    cfg,
		store:  datastore.NewMemory(),
		reg:    device.NewRegistry(),
		dialer: &fakeDialer{transports: make(map[string]*fakeTransport)},
	}
	f.eng = NewEngine(cfg, f.store, f.reg, nil, NewNotifier())
	cache, err := schema.NewCache(cfg.SchemaDir)
	if err != nil {
		t.Fatal(err)
	}
	f.sm = device.NewStateMachine(cfg, f.store, schema.NewCompiler(cache, nil),
		f.dialer, fakeClock{}, f.eng, nil)
	f.eng.SetStateMachine(f.sm)
	f.eng.Notifier().Subscribe(func(ev Notification) {
		f.events = append(f.events, ev)
	})
	return f
}

func parseXML(t *testing.T, s string) *netconf.Node {
	t.Helper()
	n, err := netconf.Parse([]byte(s))
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return n
}

// openDevice installs an OPEN handle whose last-synced snapshot and
// running mount subtree both hold the given config.
func (f *fixture) openDevice(t *testing.T, name, rootXML string) (*device.Handle, *fakeTransport) {
	t.Helper()
	h := f.reg.GetOrCreate(config.DeviceConfig{Name: name, Addr: name, Enabled: true})
	ft := &fakeTransport{}
	h.SetTransport(ft)
	h.SetState(device.CSOpen)

	set := schema.NewSet()
	set.Add(schema.Module{Name: "m1", Revision: "2023-01-01", Namespace: "urn:m1"})
	h.SchemaSet = set
	f.store.Mount(name, set)

	root := parseXML(t, rootXML)
	root.SortRecurse()
	h.SetLastSynced(root)
	if err := f.store.PutDeviceRoot(datastore.Running, name, root); err != nil {
		t.Fatal(err)
	}
	if err := f.store.PutDeviceRoot(datastore.Candidate, name, root); err != nil {
		t.Fatal(err)
	}
	return h, ft
}

func (f *fixture) reply(t *testing.T, h *device.Handle, body string) {
	t.Helper()
	f.sm.HandleMessage(h, parseXML(t, fmt.Sprintf(
		`<rpc-reply xmlns="%s" message-id="%d">%s</rpc-reply>`,
		netconf.BaseNamespace, h.PendingMsgID(), body)))
}

func (f *fixture) lastEvent(t *testing.T) Notification {
	t.Helper()
	if len(f.events) == 0 {
		t.Fatal("no terminal notification published")
	}
	return f.events[len(f.events)-1]
}

const baseRoot = `<root><port xmlns="urn:m1"><name>eth0</name><mtu>1500</mtu></port></root>`
const bumpedRoot = `<root><port xmlns="urn:m1"><name>eth0</name><mtu>9100</mtu></port></root>`

// ---------------------------------------------------------------------
// Pull
// ---------------------------------------------------------------------

func TestPullGlobDispatch(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)
	d2, t2 := f.openDevice(t, "dev2", baseRoot)
	other := f.reg.GetOrCreate(config.DeviceConfig{Name: "other"}) // CLOSED

	tid, err := f.eng.Pull("tester", "dev*", false)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	tx := f.eng.Get(tid)
	if len(tx.Devices) != 2 {
		t.Fatalf("participants = %v, want dev1+dev2", tx.Devices)
	}
	if _, ok := tx.Devices["other"]; ok {
		t.Error("closed device enlisted")
	}
	if other.TID != 0 {
		t.Error("closed device owned")
	}
	for _, h := range []*device.Handle{d1, d2} {
		if h.State() != device.CSDeviceSync {
			t.Errorf("%s state = %s, want DEVICE-SYNC", h.Name(), h.State())
		}
	}
	if !strings.Contains(t1.sent(), "<get-config>") || !strings.Contains(t2.sent(), "<get-config>") {
		t.Error("pull did not emit get-config to both devices")
	}

	f.reply(t, d1, `<data><port xmlns="urn:m1"><name>eth0</name><mtu>1500</mtu></port></data>`)
	if len(f.events) != 0 {
		t.Fatal("terminated before all participants reported")
	}
	f.reply(t, d2, `<data><port xmlns="urn:m1"><name>eth0</name><mtu>1500</mtu></port></data>`)
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
	if d1.TID != 0 || d2.TID != 0 {
		t.Error("handles still owned after termination")
	}
}

func TestPullIdempotent(t *testing.T) {
	f := newFixture(t)
	d1, _ := f.openDevice(t, "dev1", baseRoot)
	data := `<data><port xmlns="urn:m1"><name>eth0</name><mtu>1500</mtu></port></data>`

	f.eng.Pull("tester", "dev1", false)
	f.reply(t, d1, data)
	first := d1.LastSynced().String()

	f.eng.Pull("tester", "dev1", false)
	f.reply(t, d1, data)
	second := d1.LastSynced().String()

	if first != second {
		t.Errorf("pull;pull changed the snapshot:\n%s\n%s", first, second)
	}
	if len(f.events) != 2 || f.events[0].Result != ResultSuccess || f.events[1].Result != ResultSuccess {
		t.Errorf("events = %+v", f.events)
	}
}

func TestPullNoParticipants(t *testing.T) {
	f := newFixture(t)
	tid, err := f.eng.Pull("tester", "nomatch*", false)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
}

func TestDeviceBusy(t *testing.T) {
	f := newFixture(t)
	d1, _ := f.openDevice(t, "dev1", baseRoot)
	d1.TID = 99

	_, err := f.eng.Pull("tester", "dev1", false)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	ev := f.lastEvent(t)
	if ev.Result != ResultFailed || !strings.Contains(ev.Reason, "device busy") {
		t.Errorf("notification = %+v", ev)
	}
	if d1.TID != 99 {
		t.Error("busy device reassigned")
	}
}

// ---------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------

func TestPushNoChangesIsNoop(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)

	tid, err := f.eng.Push("tester", "dev1")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
	if out := t1.sent(); out != "" {
		t.Errorf("no-op push emitted messages: %s", out)
	}
	if d1.State() != device.CSOpen {
		t.Errorf("state = %s, want OPEN", d1.State())
	}
}

func TestPushSendsEditDiff(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)
	// Intent: mtu bumped in the controller running datastore.
	f.store.PutDeviceRoot(datastore.Running, "dev1", parseXML(t, bumpedRoot))

	tid, err := f.eng.Push("tester", "dev1")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if d1.State() != device.CSPushEdit {
		t.Fatalf("state = %s, want PUSH_EDIT", d1.State())
	}
	out := t1.sent()
	if !strings.Contains(out, "<edit-config>") || !strings.Contains(out, "9100") {
		t.Errorf("edit-config payload missing delta: %s", out)
	}
	f.reply(t, d1, "<ok/>")
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
	if d1.State() != device.CSOpen || d1.TID != 0 {
		t.Errorf("device not released: state %s tid %d", d1.State(), d1.TID)
	}
}

func TestPushWithoutSyncFails(t *testing.T) {
	f := newFixture(t)
	h := f.reg.GetOrCreate(config.DeviceConfig{Name: "dev1", Enabled: true})
	h.SetState(device.CSOpen)
	h.SetTransport(&fakeTransport{})

	f.eng.Push("tester", "dev1")
	ev := f.lastEvent(t)
	if ev.Result != ResultFailed || !strings.Contains(ev.Reason, "No synced device tree") {
		t.Errorf("notification = %+v", ev)
	}
}

// ---------------------------------------------------------------------
// Controller commit
// ---------------------------------------------------------------------

func TestControllerCommitNoop(t *testing.T) {
	f := newFixture(t)
	_, t1 := f.openDevice(t, "dev1", baseRoot)

	tid, err := f.eng.ControllerCommit("tester", "dev1", "", ActionsNone, PushNone)
	if err != nil {
		t.Fatalf("ControllerCommit: %v", err)
	}
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
	if out := t1.sent(); out != "" {
		t.Errorf("no-op commit emitted messages: %s", out)
	}
}

func TestControllerCommitPipeline(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)
	f.store.PutDeviceRoot(datastore.Candidate, "dev1", parseXML(t, bumpedRoot))

	tid, err := f.eng.ControllerCommit("tester", "dev1", "", ActionsNone, PushCommit)
	if err != nil {
		t.Fatalf("ControllerCommit: %v", err)
	}
	steps := []struct {
		state device.ConnState
		want  string
	}{
		{device.CSPushLock, "<lock>"},
		{device.CSPushEdit, "<edit-config>"},
		{device.CSPushValidate, "<validate>"},
		{device.CSPushCommit, "<commit/>"},
		{device.CSPushUnlock, "<unlock>"},
	}
	for _, st := range steps {
		if d1.State() != st.state {
			t.Fatalf("state = %s, want %s", d1.State(), st.state)
		}
		if out := t1.sent(); !strings.Contains(out, st.want) {
			t.Fatalf("expected %s, got %s", st.want, out)
		}
		f.reply(t, d1, "<ok/>")
	}
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Fatalf("notification = %+v", ev)
	}
	// Candidate was promoted to running on success.
	running, _ := f.store.DeviceRoot(datastore.Running, "dev1")
	if running.Find("port").Body("mtu") != "9100" {
		t.Errorf("running not promoted: %s", running.String())
	}
	if d1.State() != device.CSOpen {
		t.Errorf("state = %s, want OPEN", d1.State())
	}
}

func TestControllerCommitLockDenied(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)
	f.store.PutDeviceRoot(datastore.Candidate, "dev1", parseXML(t, bumpedRoot))

	f.eng.ControllerCommit("tester", "dev1", "", ActionsNone, PushCommit)
	t1.sent() // the lock request
	f.reply(t, d1, "<rpc-error><error-tag>lock-denied</error-tag>"+
		"<error-message>held by session 2</error-message></rpc-error>")

	ev := f.lastEvent(t)
	if ev.Result != ResultFailed {
		t.Fatalf("result = %s, want FAILED", ev.Result)
	}
	want := "lock is already held in state PUSH_LOCK of device dev1"
	if ev.Reason != want {
		t.Errorf("reason = %q, want %q", ev.Reason, want)
	}
	if out := t1.sent(); strings.Contains(out, "<edit-config>") {
		t.Errorf("edit delivered despite lock failure: %s", out)
	}
	if d1.State() != device.CSOpen {
		t.Errorf("state = %s, want OPEN", d1.State())
	}
}

func TestControllerCommitRollbackOnPartialFailure(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)
	d2, t2 := f.openDevice(t, "dev2", baseRoot)
	f.store.PutDeviceRoot(datastore.Candidate, "dev1", parseXML(t, bumpedRoot))
	f.store.PutDeviceRoot(datastore.Candidate, "dev2", parseXML(t, bumpedRoot))

	f.eng.ControllerCommit("tester", "dev*", "", ActionsNone, PushCommit)

	// dev1 runs the full program.
	for i := 0; i < 5; i++ {
		f.reply(t, d1, "<ok/>")
	}
	if got := f.eng.Get(1).Devices["dev1"]; got != DevDone {
		t.Fatalf("dev1 substate = %s, want DONE", got)
	}
	// dev2 locks, then fails the edit.
	f.reply(t, d2, "<ok/>")
	t2.sent()
	f.reply(t, d2, "<rpc-error><error-tag>operation-failed</error-tag>"+
		"<error-message>bad leaf</error-message></rpc-error>")
	// Rollback: discard then unlock.
	out := t2.sent()
	if !strings.Contains(out, "<discard-changes/>") {
		t.Fatalf("expected discard-changes, got %s", out)
	}
	f.reply(t, d2, "<ok/>")
	if out := t2.sent(); !strings.Contains(out, "<unlock>") {
		t.Fatalf("expected unlock, got %s", out)
	}
	f.reply(t, d2, "<ok/>")

	ev := f.lastEvent(t)
	if ev.Result != ResultFailed || !strings.Contains(ev.Reason, "bad leaf") {
		t.Errorf("notification = %+v", ev)
	}
	// The already-committed device is not rolled back.
	if out := t1.sent(); strings.Contains(out, "<discard-changes/>") {
		t.Errorf("committed device rolled back: %s", out)
	}
	if d1.State() != device.CSOpen || d2.State() != device.CSOpen {
		t.Errorf("states = %s / %s, want OPEN", d1.State(), d2.State())
	}
}

// ---------------------------------------------------------------------
// User abort
// ---------------------------------------------------------------------

func TestUserAbort(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)
	d2, t2 := f.openDevice(t, "dev2", baseRoot)
	d3, t3 := f.openDevice(t, "dev3", baseRoot)
	for _, name := range []string{"dev1", "dev2", "dev3"} {
		f.store.PutDeviceRoot(datastore.Candidate, name, parseXML(t, bumpedRoot))
	}

	tid, _ := f.eng.ControllerCommit("tester", "dev*", "", ActionsNone, PushCommit)

	// All three lock; edits go out; dev3 runs to completion.
	f.reply(t, d1, "<ok/>")
	f.reply(t, d2, "<ok/>")
	for i := 0; i < 5; i++ {
		f.reply(t, d3, "<ok/>")
	}
	if d1.State() != device.CSPushEdit || d2.State() != device.CSPushEdit {
		t.Fatalf("states = %s / %s, want PUSH_EDIT", d1.State(), d2.State())
	}
	t1.sent()
	t2.sent()
	t3.sent()

	if err := f.eng.TransactionError(tid, "cli", "Aborted by user"); err != nil {
		t.Fatalf("TransactionError: %v", err)
	}
	// The two in PUSH_EDIT drain their edit replies into rollback.
	f.reply(t, d1, "<ok/>")
	f.reply(t, d2, "<ok/>")
	for _, pair := range []struct {
		h  *device.Handle
		ft *fakeTransport
	}{{d1, t1}, {d2, t2}} {
		out := pair.ft.sent()
		if !strings.Contains(out, "<discard-changes/>") {
			t.Fatalf("%s missing discard-changes: %s", pair.h.Name(), out)
		}
		f.reply(t, pair.h, "<ok/>")
		if out := pair.ft.sent(); !strings.Contains(out, "<unlock>") {
			t.Fatalf("%s missing unlock: %s", pair.h.Name(), out)
		}
		f.reply(t, pair.h, "<ok/>")
	}
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultFailed || ev.Reason != "Aborted by user" {
		t.Errorf("notification = %+v", ev)
	}
	// The committed device saw no rollback messages.
	if out := t3.sent(); strings.Contains(out, "<discard-changes/>") {
		t.Errorf("committed device rolled back: %s", out)
	}
	for _, h := range []*device.Handle{d1, d2, d3} {
		if h.State() != device.CSOpen || h.TID != 0 {
			t.Errorf("%s not released: state %s tid %d", h.Name(), h.State(), h.TID)
		}
	}
}

// ---------------------------------------------------------------------
// Reconnect, template, bare transactions
// ---------------------------------------------------------------------

func TestReconnectWalksHandshake(t *testing.T) {
	f := newFixture(t)
	h := f.reg.GetOrCreate(config.DeviceConfig{Name: "dev1", Addr: "10.0.0.1", Enabled: true})

	tid, err := f.eng.Reconnect("tester", "dev1")
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if h.State() != device.CSConnecting {
		t.Fatalf("state = %s, want CONNECTING", h.State())
	}
	// Hello; empty schema list; empty running config.
	f.sm.HandleMessage(h, parseXML(t, fmt.Sprintf(
		`<hello xmlns="%s"><capabilities><capability>%s</capability><capability>%s</capability></capabilities></hello>`,
		netconf.BaseNamespace, netconf.CapBase11, netconf.CapMonitoring)))
	f.reply(t, h, "<data><netconf-state><schemas/></netconf-state></data>")
	f.reply(t, h, "<data/>")
	if h.State() != device.CSOpen {
		t.Fatalf("state = %s, want OPEN (closed: %q)", h.State(), h.LogMsg())
	}
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
}

func TestReconnectSkipsDisabled(t *testing.T) {
	f := newFixture(t)
	f.reg.GetOrCreate(config.DeviceConfig{Name: "dev1", Enabled: false})
	tid, _ := f.eng.Reconnect("tester", "*")
	tx := f.eng.Get(tid)
	if len(tx.Devices) != 0 {
		t.Errorf("disabled device enlisted: %v", tx.Devices)
	}
	if ev := f.lastEvent(t); ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
}

func TestTemplateApply(t *testing.T) {
	f := newFixture(t)
	d1, t1 := f.openDevice(t, "dev1", baseRoot)

	tmpl := `<system xmlns="urn:m1"><hostname>${host}</hostname></system>`
	tid, err := f.eng.TemplateApply("tester", "dev1", tmpl, map[string]string{"host": "leaf1-ny"})
	if err != nil {
		t.Fatalf("TemplateApply: %v", err)
	}
	if d1.State() != device.CSPushEdit {
		t.Fatalf("state = %s, want PUSH_EDIT", d1.State())
	}
	out := t1.sent()
	if !strings.Contains(out, "<hostname>leaf1-ny</hostname>") {
		t.Errorf("edit missing expanded template: %s", out)
	}
	f.reply(t, d1, "<ok/>")
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultSuccess {
		t.Errorf("notification = %+v", ev)
	}
	running, _ := f.store.DeviceRoot(datastore.Running, "dev1")
	if running.Find("system") == nil {
		t.Errorf("template not committed locally: %s", running.String())
	}
}

func TestTemplateApplyUnboundVariable(t *testing.T) {
	f := newFixture(t)
	f.openDevice(t, "dev1", baseRoot)
	_, err := f.eng.TemplateApply("tester", "dev1", `<x>${nope}</x>`, nil)
	if err != nil {
		t.Fatalf("TemplateApply: %v", err)
	}
	ev := f.lastEvent(t)
	if ev.Result != ResultFailed || !strings.Contains(ev.Reason, "nope") {
		t.Errorf("notification = %+v", ev)
	}
}

func TestBareTransaction(t *testing.T) {
	f := newFixture(t)
	tid := f.eng.NewBare("tester")
	if tid == 0 {
		t.Fatal("NewBare returned 0")
	}
	tx := f.eng.Get(tid)
	if tx.Result != ResultInit {
		t.Fatalf("bare transaction result = %s, want INIT", tx.Result)
	}
	if len(f.events) != 0 {
		t.Fatal("bare transaction terminated prematurely")
	}
	if err := f.eng.TransactionError(tid, "tester", "operator gave up"); err != nil {
		t.Fatalf("TransactionError: %v", err)
	}
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultFailed || ev.Reason != "operator gave up" {
		t.Errorf("notification = %+v", ev)
	}
}

func TestTransactionErrorUnknownTID(t *testing.T) {
	f := newFixture(t)
	if err := f.eng.TransactionError(4711, "tester", "x"); err == nil {
		t.Error("TransactionError on unknown tid should fail")
	}
}

func TestTransactionIDsMonotonic(t *testing.T) {
	f := newFixture(t)
	a := f.eng.NewBare("t")
	b := f.eng.NewBare("t")
	if b != a+1 {
		t.Errorf("ids = %d, %d; want consecutive", a, b)
	}
}

func TestDeviceCloseFailsTransaction(t *testing.T) {
	f := newFixture(t)
	d1, _ := f.openDevice(t, "dev1", baseRoot)
	tid, _ := f.eng.Pull("tester", "dev1", false)
	f.sm.Timeout(d1)
	ev := f.lastEvent(t)
	if ev.TID != tid || ev.Result != ResultFailed {
		t.Fatalf("notification = %+v", ev)
	}
	if !strings.Contains(ev.Reason, "Timeout waiting for remote peer") {
		t.Errorf("reason = %q", ev.Reason)
	}
}
