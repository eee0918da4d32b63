// Package rpc exposes the controller RPC surface over a unix socket.
// Requests and replies are EOM-framed XML in the controller
// namespace; terminal transaction notifications are streamed to
// subscribed clients.
package rpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/conduit-network/conduit/pkg/controller"
	"github.com/conduit-network/conduit/pkg/datastore"
	"github.com/conduit-network/conduit/pkg/device"
	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/transaction"
	"github.com/conduit-network/conduit/pkg/util"
)

// Server accepts RPC clients on a unix socket and dispatches into the
// reactor.
type Server struct {
	c        *controller.Controller
	listener net.Listener

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type conn struct {
	nc     net.Conn
	framer *netconf.Framer
	wmu    sync.Mutex
	subID  int
}

// NewServer listens on the unix socket path.
func NewServer(c *controller.Controller, path string) (*Server, error) {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc listen %s: %w", path, err)
	}
	return &Server{c: c, listener: l, conns: make(map[*conn]struct{})}, nil
}

// Serve accepts clients until the listener closes.
func (s *Server) Serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		cn := &conn{nc: nc, framer: netconf.NewFramer(netconf.FramingEOM), subID: -1}
		s.mu.Lock()
		s.conns[cn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(cn)
	}
}

// Close stops accepting and closes all client connections.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for cn := range s.conns {
		cn.nc.Close()
	}
}

func (s *Server) serveConn(cn *conn) {
	defer func() {
		if cn.subID >= 0 {
			s.c.Do(func() {
				s.c.Engine().Notifier().Unsubscribe(cn.subID)
			})
		}
		cn.nc.Close()
		s.mu.Lock()
		delete(s.conns, cn)
		s.mu.Unlock()
	}()
	buf := make([]byte, 64*1024)
	for {
		n, err := cn.nc.Read(buf)
		if n > 0 {
			msgs, ferr := cn.framer.Feed(buf[:n])
			if ferr != nil {
				return
			}
			for _, payload := range msgs {
				if !s.handle(cn, payload) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handle(cn *conn, payload []byte) bool {
	msg, err := netconf.Parse(payload)
	if err != nil {
		cn.writeReply("", errorXML("malformed-message", err.Error()))
		return false
	}
	msgID := netconf.MessageID(msg)
	if msg.Name() != "rpc" || len(msg.Children) == 0 {
		cn.writeReply(msgID, errorXML("malformed-message", "expected rpc"))
		return true
	}
	op := msg.Children[0]
	var body string
	var rpcErr error
	s.c.Do(func() {
		body, rpcErr = s.dispatch(cn, op)
	})
	if rpcErr != nil {
		tag := "operation-failed"
		if errors.Is(rpcErr, util.ErrNotFound) {
			tag = "unknown-element"
		}
		cn.writeReply(msgID, errorXML(tag, rpcErr.Error()))
		return true
	}
	cn.writeReply(msgID, body)
	return true
}

// dispatch runs on the reactor.
func (s *Server) dispatch(cn *conn, op *netconf.Node) (string, error) {
	eng := s.c.Engine()
	origin := op.Body("origin")
	switch op.Name() {
	case "sync-pull":
		tid, err := eng.Pull(origin, op.Body("devname"), false)
		return tidXML(tid), err
	case "sync-push":
		tid, err := eng.Push(origin, op.Body("devname"))
		return tidXML(tid), err
	case "config-pull":
		merge := op.Body("merge") == "true"
		tid, err := eng.Pull(origin, op.Body("devname"), merge)
		return tidXML(tid), err
	case "controller-commit":
		tid, err := eng.ControllerCommit(origin,
			patternOrAll(op.Body("device")),
			op.Body("source"),
			transaction.ParseActionsMode(op.Body("actions")),
			transaction.ParsePushMode(op.Body("push")))
		return tidXML(tid), err
	case "connection-change":
		return s.connectionChange(op)
	case "get-device-sync-config":
		return s.syncConfig(op)
	case "datastore-diff":
		return s.datastoreDiff(op)
	case "transaction-new":
		tid := eng.NewBare(origin)
		return fmt.Sprintf(`<id xmlns="%s">%d</id>`, netconf.ControllerNamespace, tid), nil
	case "transaction-error":
		tid, err := strconv.ParseUint(op.Body("tid"), 10, 64)
		if err != nil {
			return "", util.NewRPCError("bad-element", "tid: "+err.Error())
		}
		if err := eng.TransactionError(tid, origin, op.Body("reason")); err != nil {
			return "", err
		}
		return "<ok/>", nil
	case "device-template-apply":
		vars := make(map[string]string)
		if xv := op.Find("variables"); xv != nil {
			for _, v := range xv.FindAll("variable") {
				vars[v.Body("name")] = v.Body("value")
			}
		}
		tid, err := eng.TemplateApply(origin, op.Body("devname"), op.Body("template"), vars)
		return tidXML(tid), err
	case "devices":
		out := fmt.Sprintf(`<devices xmlns="%s">`, netconf.ControllerNamespace)
		for _, h := range s.c.Registry().Match(patternOrAll(op.Body("devname"))) {
			out += fmt.Sprintf(
				"<device><name>%s</name><state>%s</state><since>%s</since><logmsg>%s</logmsg></device>",
				h.Name(), h.State(), h.StateTime().Format("2006-01-02 15:04:05"),
				xmlEscape(h.LogMsg()))
		}
		out += "</devices>"
		return out, nil
	case "create-subscription":
		cn.subID = eng.Notifier().Subscribe(func(ev transaction.Notification) {
			cn.writeNotification(ev)
		})
		return "<ok/>", nil
	}
	return "", util.NewRPCError("operation-not-supported", op.Name())
}

func (s *Server) connectionChange(op *netconf.Node) (string, error) {
	pattern := patternOrAll(op.Body("devname"))
	switch op.Body("operation") {
	case "CLOSE":
		for _, h := range s.c.Registry().Match(pattern) {
			if h.State() != device.CSClosed {
				s.c.StateMachine().Close(h)
			}
		}
		return "<ok/>", nil
	case "OPEN", "RECONNECT":
		tid, err := s.c.Engine().Reconnect(op.Body("origin"), pattern)
		return tidXML(tid), err
	}
	return "", util.NewRPCError("bad-element", "operation must be CLOSE, OPEN or RECONNECT")
}

func (s *Server) syncConfig(op *netconf.Node) (string, error) {
	devname := op.Body("devname")
	h := s.c.Registry().Find(devname)
	if h == nil {
		return "", fmt.Errorf("%w: device %s", util.ErrNotFound, devname)
	}
	var body string
	if x := h.LastSynced(); x != nil {
		body = x.String()
	}
	return fmt.Sprintf(`<config xmlns="%s">%s</config>`, netconf.ControllerNamespace, body), nil
}

func (s *Server) datastoreDiff(op *netconf.Node) (string, error) {
	pattern := patternOrAll(op.Body("devname"))
	ds1 := op.Body("config-type1")
	ds2 := op.Body("config-type2")
	if ds1 == "" {
		ds1 = datastore.Running
	}
	if ds2 == "" {
		ds2 = datastore.Candidate
	}
	store := s.c.Store()
	out := fmt.Sprintf(`<diff xmlns="%s">`, netconf.ControllerNamespace)
	for _, h := range s.c.Registry().Match(pattern) {
		name := h.Name()
		t1, err := store.DeviceRoot(ds1, name)
		if err != nil {
			return "", err
		}
		t2, err := store.DeviceRoot(ds2, name)
		if err != nil {
			return "", err
		}
		d := datastore.DiffTrees(store.Mounted(name), t1, t2)
		if d.Empty() {
			continue
		}
		out += fmt.Sprintf("<device><name>%s</name>", name)
		for _, n := range d.Deleted {
			out += "<deleted>" + n.String() + "</deleted>"
		}
		for _, n := range d.Added {
			out += "<added>" + n.String() + "</added>"
		}
		for i := range d.ChangedBefore {
			out += "<changed><before>" + d.ChangedBefore[i].String() +
				"</before><after>" + d.ChangedAfter[i].String() + "</after></changed>"
		}
		out += "</device>"
	}
	out += "</diff>"
	return out, nil
}

func patternOrAll(p string) string {
	if p == "" {
		return "*"
	}
	return p
}

func tidXML(tid uint64) string {
	return fmt.Sprintf(`<tid xmlns="%s">%d</tid>`, netconf.ControllerNamespace, tid)
}

func errorXML(tag, message string) string {
	return fmt.Sprintf(
		"<rpc-error><error-type>application</error-type><error-tag>%s</error-tag>"+
			"<error-severity>error</error-severity><error-message>%s</error-message></rpc-error>",
		tag, xmlEscape(message))
}

func xmlEscape(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			b = append(b, "&lt;"...)
		case '>':
			b = append(b, "&gt;"...)
		case '&':
			b = append(b, "&amp;"...)
		default:
			b = append(b, s[i])
		}
	}
	return string(b)
}

func (cn *conn) writeReply(msgID, body string) {
	var msg string
	if msgID != "" {
		msg = fmt.Sprintf(`<rpc-reply xmlns="%s" message-id="%s">%s</rpc-reply>`,
			netconf.BaseNamespace, msgID, body)
	} else {
		msg = fmt.Sprintf(`<rpc-reply xmlns="%s">%s</rpc-reply>`, netconf.BaseNamespace, body)
	}
	cn.write([]byte(msg))
}

func (cn *conn) writeNotification(ev transaction.Notification) {
	msg := fmt.Sprintf(
		`<notification><controller-transaction xmlns="%s">`+
			`<tid>%d</tid><result>%s</result>`,
		netconf.ControllerNamespace, ev.TID, ev.Result)
	if ev.Reason != "" {
		msg += "<reason>" + xmlEscape(ev.Reason) + "</reason>"
	}
	msg += "</controller-transaction></notification>"
	cn.write([]byte(msg))
}

// write frames and transmits one message. Notification delivery is
// best-effort: a failed write is dropped.
func (cn *conn) write(payload []byte) {
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	cn.nc.Write(cn.framer.Encode(payload))
}
