package rpc

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/conduit-network/conduit/pkg/netconf"
	"github.com/conduit-network/conduit/pkg/util"
)

// Client talks to the controller RPC socket. It is used by the CLI
// and by programmatic callers.
type Client struct {
	nc      net.Conn
	framer  *netconf.Framer
	msgID   uint64
	pending [][]byte
}

// Dial connects to the controller unix socket.
func Dial(path string) (*Client, error) {
	nc, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("controller not reachable at %s: %w", path, err)
	}
	return &Client{nc: nc, framer: netconf.NewFramer(netconf.FramingEOM)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.nc.Close()
}

// Call sends one RPC and returns the rpc-reply. An rpc-error reply is
// returned as a *util.RPCError.
func (c *Client) Call(op string) (*netconf.Node, error) {
	c.msgID++
	msg := fmt.Sprintf(`<rpc xmlns="%s" message-id="%d">%s</rpc>`,
		netconf.BaseNamespace, c.msgID, op)
	if _, err := c.nc.Write(c.framer.Encode([]byte(msg))); err != nil {
		return nil, err
	}
	reply, err := c.read()
	if err != nil {
		return nil, err
	}
	if xe := netconf.ReplyError(reply); xe != nil {
		return nil, &util.RPCError{
			Type:     xe.Body("error-type"),
			Tag:      xe.Body("error-tag"),
			Severity: xe.Body("error-severity"),
			Message:  xe.Body("error-message"),
		}
	}
	return reply, nil
}

// read blocks for the next inbound message. Messages framed together
// in one socket read are queued so none are lost.
func (c *Client) read() (*netconf.Node, error) {
	buf := make([]byte, 64*1024)
	for {
		if len(c.pending) > 0 {
			payload := c.pending[0]
			c.pending = c.pending[1:]
			return netconf.Parse(payload)
		}
		n, err := c.nc.Read(buf)
		if n > 0 {
			msgs, ferr := c.framer.Feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			c.pending = append(c.pending, msgs...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

// CallTID sends an RPC whose reply carries a transaction id.
func (c *Client) CallTID(op string) (uint64, error) {
	reply, err := c.Call(op)
	if err != nil {
		return 0, err
	}
	body := reply.Body("tid")
	if body == "" {
		body = reply.Body("id")
	}
	if body == "" {
		return 0, fmt.Errorf("reply carries no transaction id")
	}
	return strconv.ParseUint(body, 10, 64)
}

// Notification is a received controller-transaction event.
type Notification struct {
	TID    uint64
	Result string
	Reason string
}

// SubscribeStart registers this connection on the transaction
// notification stream. Subscribe before issuing the operation on a
// second connection so no terminal notification is missed.
func (c *Client) SubscribeStart() error {
	_, err := c.Call("<create-subscription/>")
	return err
}

// NextNotification blocks for the next controller-transaction event.
func (c *Client) NextNotification() (Notification, error) {
	for {
		msg, err := c.read()
		if err != nil {
			return Notification{}, err
		}
		if msg.Name() != "notification" {
			continue
		}
		ct := msg.Find("controller-transaction")
		if ct == nil {
			continue
		}
		tid, _ := strconv.ParseUint(ct.Body("tid"), 10, 64)
		return Notification{
			TID:    tid,
			Result: ct.Body("result"),
			Reason: ct.Body("reason"),
		}, nil
	}
}

// WaitTransaction blocks on an already-subscribed connection until
// the given transaction terminates.
func (c *Client) WaitTransaction(tid uint64) (string, string, error) {
	for {
		ev, err := c.NextNotification()
		if err != nil {
			return "", "", err
		}
		if ev.TID == tid {
			return ev.Result, ev.Reason, nil
		}
	}
}

// Op builds an RPC operation element in the controller namespace from
// leaf name/value pairs.
func Op(name string, leaves ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<%s xmlns="%s">`, name, netconf.ControllerNamespace)
	for i := 0; i+1 < len(leaves); i += 2 {
		fmt.Fprintf(&b, "<%s>%s</%s>", leaves[i], leaves[i+1], leaves[i])
	}
	fmt.Fprintf(&b, "</%s>", name)
	return b.String()
}
