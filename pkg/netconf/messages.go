package netconf

import (
	"fmt"
	"strings"
)

// Protocol namespaces.
const (
	BaseNamespace       = "urn:ietf:params:xml:ns:netconf:base:1.0"
	MonitoringNamespace = "urn:ietf:params:xml:ns:yang:ietf-netconf-monitoring"
	YangLibNamespace    = "urn:ietf:params:xml:ns:yang:ietf-yang-library"
	ControllerNamespace = "http://clicon.org/controller"

	// Capability URNs from the hello exchange.
	CapBase10     = "urn:ietf:params:netconf:base:1.0"
	CapBase11     = "urn:ietf:params:netconf:base:1.1"
	CapMonitoring = "urn:ietf:params:xml:ns:yang:ietf-netconf-monitoring"
	CapCandidate  = "urn:ietf:params:netconf:capability:candidate:1.0"
)

// Hello builds the controller's outbound hello.
func Hello() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, `<hello xmlns="%s">`, BaseNamespace)
	b.WriteString("<capabilities>")
	fmt.Fprintf(&b, "<capability>%s</capability>", CapBase10)
	fmt.Fprintf(&b, "<capability>%s</capability>", CapBase11)
	b.WriteString("</capabilities>")
	b.WriteString("</hello>")
	return []byte(b.String())
}

func rpcOpen(b *strings.Builder, msgID uint64) {
	fmt.Fprintf(b, `<rpc xmlns="%s" message-id="%d">`, BaseNamespace, msgID)
}

// GetSchemaList builds a filtered <get> for the monitoring schemas
// container.
func GetSchemaList(msgID uint64) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	b.WriteString("<get>")
	b.WriteString(`<filter type="subtree">`)
	fmt.Fprintf(&b, `<netconf-state xmlns="%s">`, MonitoringNamespace)
	b.WriteString("<schemas/>")
	b.WriteString("</netconf-state>")
	b.WriteString("</filter>")
	b.WriteString("</get>")
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// GetSchema builds an RFC 6022 <get-schema> request.
func GetSchema(msgID uint64, identifier, version string) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	fmt.Fprintf(&b, `<get-schema xmlns="%s">`, MonitoringNamespace)
	fmt.Fprintf(&b, "<identifier>%s</identifier>", identifier)
	fmt.Fprintf(&b, "<version>%s</version>", version)
	b.WriteString("<format>yang</format>")
	b.WriteString("</get-schema>")
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// GetConfig builds a <get-config> for the given source datastore.
func GetConfig(msgID uint64, source string) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	b.WriteString("<get-config>")
	fmt.Fprintf(&b, "<source><%s/></source>", source)
	b.WriteString("</get-config>")
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// EditConfig builds an <edit-config> against the target datastore
// carrying the given config payload.
func EditConfig(msgID uint64, target string, configXML string) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	b.WriteString("<edit-config>")
	fmt.Fprintf(&b, "<target><%s/></target>", target)
	b.WriteString("<default-operation>merge</default-operation>")
	fmt.Fprintf(&b, "<config>%s</config>", configXML)
	b.WriteString("</edit-config>")
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// Lock builds a <lock> on the target datastore.
func Lock(msgID uint64, target string) []byte {
	return simpleTargetRPC(msgID, "lock", target)
}

// Unlock builds an <unlock> on the target datastore.
func Unlock(msgID uint64, target string) []byte {
	return simpleTargetRPC(msgID, "unlock", target)
}

func simpleTargetRPC(msgID uint64, op, target string) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	fmt.Fprintf(&b, "<%s><target><%s/></target></%s>", op, target, op)
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// Validate builds a <validate> of the given source datastore.
func Validate(msgID uint64, source string) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	fmt.Fprintf(&b, "<validate><source><%s/></source></validate>", source)
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// Commit builds a <commit>.
func Commit(msgID uint64) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	b.WriteString("<commit/>")
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// DiscardChanges builds a <discard-changes>.
func DiscardChanges(msgID uint64) []byte {
	var b strings.Builder
	rpcOpen(&b, msgID)
	b.WriteString("<discard-changes/>")
	b.WriteString("</rpc>")
	return []byte(b.String())
}

// ---------------------------------------------------------------------
// Inbound message helpers
// ---------------------------------------------------------------------

// IsHello reports whether the message is a hello in the base
// namespace.
func IsHello(msg *Node) bool {
	return msg.Name() == "hello" && msg.Namespace() == BaseNamespace
}

// IsRPCReply reports whether the message is an rpc-reply.
func IsRPCReply(msg *Node) bool {
	return msg.Name() == "rpc-reply"
}

// Capabilities extracts the capability list from a hello.
func Capabilities(hello *Node) []string {
	xcaps := hello.Find("capabilities")
	if xcaps == nil {
		return nil
	}
	var caps []string
	for _, c := range xcaps.FindAll("capability") {
		if c.Text != "" {
			caps = append(caps, c.Text)
		}
	}
	return caps
}

// ReplyError returns the first rpc-error of a reply, or nil.
func ReplyError(reply *Node) *Node {
	return reply.Find("rpc-error")
}

// ReplyErrorMessage renders the first rpc-error of a reply as a short
// diagnostic string, or "".
func ReplyErrorMessage(reply *Node) string {
	xe := ReplyError(reply)
	if xe == nil {
		return ""
	}
	if m := xe.Body("error-message"); m != "" {
		return m
	}
	return xe.Body("error-tag")
}

// ReplyIsLockDenied reports whether a reply is an rpc-error with the
// lock-denied tag.
func ReplyIsLockDenied(reply *Node) bool {
	xe := ReplyError(reply)
	return xe != nil && xe.Body("error-tag") == "lock-denied"
}

// ReplyOK reports whether a reply is a positive <ok/> rpc-reply.
func ReplyOK(reply *Node) bool {
	return IsRPCReply(reply) && reply.Find("ok") != nil && ReplyError(reply) == nil
}

// ReplyData returns the <data> subtree of a reply, or nil.
func ReplyData(reply *Node) *Node {
	return reply.Find("data")
}

// MessageID returns the message-id attribute of a reply, or "".
func MessageID(msg *Node) string {
	return msg.Attr("message-id")
}
