// Package controller hosts the event loop: a single-threaded
// cooperative reactor multiplexing device sockets, timers and RPC
// requests. All state transitions run to completion on the reactor
// goroutine, so the components it owns need no locks.
package controller

import (
	"time"

	"github.com/conduit-network/conduit/pkg/actions"
	"github.com/conduit-network/conduit/pkg/config"
	"github.com/conduit-network/conduit/pkg/datastore"
	"github.com/conduit-network/conduit/pkg/device"
	"github.com/conduit-network/conduit/pkg/schema"
	"github.com/conduit-network/conduit/pkg/transaction"
	"github.com/conduit-network/conduit/pkg/util"
)

type event interface{}

type evInput struct {
	name string
	t    device.Transport
	data []byte
}

type evEOF struct {
	name string
	t    device.Transport
}

type evTimeout struct {
	name  string
	token *timerToken
}

// timerToken is the per-arm identity stored on the handle; a stale
// firing is detected by comparing tokens.
type timerToken struct {
	timer *time.Timer
}

type evCall struct {
	fn func()
}

// Controller owns the reactor and the core subsystems.
type Controller struct {
	cfg    *config.Config
	store  datastore.Store
	reg    *device.Registry
	sm     *device.StateMachine
	engine *transaction.Engine

	events chan event
	stop   chan struct{}
	done   chan struct{}
}

// Option adjusts controller construction.
type Option func(*options)

type options struct {
	dialer device.Dialer
	store  datastore.Store
	filter schema.FilterHook
	post   schema.PostprocessHook
}

// WithDialer substitutes the transport dialer (used by tests).
func WithDialer(d device.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStore substitutes the datastore backend.
func WithStore(s datastore.Store) Option {
	return func(o *options) { o.store = s }
}

// WithSchemaHooks injects the vendor policy hooks.
func WithSchemaHooks(filter schema.FilterHook, post schema.PostprocessHook) Option {
	return func(o *options) { o.filter = filter; o.post = post }
}

// New builds a controller from the process config.
func New(cfg *config.Config, opts ...Option) (*Controller, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	store := o.store
	if store == nil {
		var err error
		switch cfg.Datastore {
		case "redis":
			store, err = datastore.NewRedis(cfg.RedisAddr)
			if err != nil {
				return nil, err
			}
		default:
			store = datastore.NewMemory()
		}
	}
	cache, err := schema.NewCache(cfg.SchemaDir)
	if err != nil {
		return nil, err
	}
	compiler := schema.NewCompiler(cache, o.post)

	c := &Controller{
		cfg:    cfg,
		store:  store,
		reg:    device.NewRegistry(),
		events: make(chan event, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	runner := actions.NewRunner(cfg.ActionCommand)
	var actionRunner transaction.ActionRunner
	if runner != nil {
		actionRunner = runner
	}
	c.engine = transaction.NewEngine(cfg, store, c.reg, actionRunner, transaction.NewNotifier())

	dialer := o.dialer
	if dialer == nil {
		dialer = device.SSHDialer{}
	}
	c.sm = device.NewStateMachine(cfg, store, compiler,
		&readerDialer{inner: dialer, c: c},
		&reactorClock{c: c},
		c.engine, o.filter)
	c.engine.SetStateMachine(c.sm)
	return c, nil
}

// Registry returns the device registry. Reactor-owned; access via Do.
func (c *Controller) Registry() *device.Registry {
	return c.reg
}

// Engine returns the transaction engine. Reactor-owned; access via Do.
func (c *Controller) Engine() *transaction.Engine {
	return c.engine
}

// Store returns the datastore. Reactor-owned; access via Do.
func (c *Controller) Store() datastore.Store {
	return c.store
}

// StateMachine returns the device state machine. Reactor-owned.
func (c *Controller) StateMachine() *device.StateMachine {
	return c.sm
}

// Run processes events until Stop. Devices from the inventory are
// connected at startup.
func (c *Controller) Run() {
	defer close(c.done)
	c.connectInventory()
	for {
		select {
		case <-c.stop:
			return
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

// Stop shuts the reactor down. In-flight transactions are aborted by
// process exit; the committed running datastore is preserved.
func (c *Controller) Stop() {
	close(c.stop)
	<-c.done
}

// Do runs fn on the reactor and waits for it. This is how the RPC
// surface and CLI reach reactor-owned state.
func (c *Controller) Do(fn func()) {
	doneCh := make(chan struct{})
	c.events <- evCall{fn: func() {
		fn()
		close(doneCh)
	}}
	<-doneCh
}

func (c *Controller) dispatch(ev event) {
	switch e := ev.(type) {
	case evInput:
		h := c.reg.Find(e.name)
		if h == nil || h.Transport() != e.t {
			return // stale read from a replaced transport
		}
		c.sm.HandleInput(h, e.data)
	case evEOF:
		h := c.reg.Find(e.name)
		if h == nil || h.Transport() != e.t {
			return
		}
		c.sm.HandleEOF(h)
	case evTimeout:
		h := c.reg.Find(e.name)
		if h == nil || h.Timer != e.token {
			return // stale timer
		}
		c.sm.Timeout(h)
	case evCall:
		e.fn()
	}
}

// connectInventory creates handles for the configured devices and
// dials the enabled ones.
func (c *Controller) connectInventory() {
	for _, dc := range c.cfg.Devices {
		h := c.reg.GetOrCreate(dc)
		if !dc.Enabled {
			h.SetLogMsg("Configured down")
			continue
		}
		if dc.ConnType != "" && dc.ConnType != "NETCONF_SSH" {
			h.SetLogMsg("Unsupported connection type " + dc.ConnType)
			continue
		}
		if err := c.sm.Connect(h); err != nil {
			h.SetLogMsg(err.Error())
			util.WithDevice(dc.Name).Warnf("connect: %v", err)
		}
	}
}

// ---------------------------------------------------------------------
// Reactor adapters
// ---------------------------------------------------------------------

// reactorClock arms per-handle timers that fire as reactor events.
type reactorClock struct {
	c *Controller
}

func (rc *reactorClock) Arm(h *device.Handle) {
	rc.Disarm(h)
	name := h.Name()
	token := &timerToken{}
	token.timer = time.AfterFunc(rc.c.cfg.DeviceTimeout(), func() {
		select {
		case rc.c.events <- evTimeout{name: name, token: token}:
		case <-rc.c.stop:
		}
	})
	h.Timer = token
}

func (rc *reactorClock) Disarm(h *device.Handle) {
	if tok, ok := h.Timer.(*timerToken); ok && tok.timer != nil {
		tok.timer.Stop()
	}
	h.Timer = nil
}

// readerDialer wraps the transport dialer and pumps reads into the
// reactor.
type readerDialer struct {
	inner device.Dialer
	c     *Controller
}

func (rd *readerDialer) Dial(conf *config.DeviceConfig) (device.Transport, error) {
	t, err := rd.inner.Dial(conf)
	if err != nil {
		return nil, err
	}
	go rd.readLoop(conf.Name, t)
	return t, nil
}

func (rd *readerDialer) readLoop(name string, t device.Transport) {
	buf := make([]byte, 64*1024)
	for {
		n, err := t.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case rd.c.events <- evInput{name: name, t: t, data: data}:
			case <-rd.c.stop:
				return
			}
		}
		if err != nil {
			select {
			case rd.c.events <- evEOF{name: name, t: t}:
			case <-rd.c.stop:
			}
			return
		}
	}
}
