package netconf

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/conduit-network/conduit/pkg/util"
)

// Framing mode per RFC 6242.
type Framing int

const (
	// FramingEOM delimits messages with the ]]>]]> sentinel
	// (netconf 1.0).
	FramingEOM Framing = iota
	// FramingChunked frames messages as size-prefixed chunks
	// (netconf 1.1).
	FramingChunked
)

func (f Framing) String() string {
	if f == FramingChunked {
		return "chunked"
	}
	return "eom"
}

const eomSentinel = "]]>]]>"

// MaxFrameSize bounds a single message; larger frames are a
// protocol error.
const MaxFrameSize = 32 * 1024 * 1024

type chunkPhase int

const (
	chunkHeader chunkPhase = iota // expecting \n#<size>\n or \n##\n
	chunkBody                     // reading chunk-remaining bytes
)

// Framer converts the transport byte stream to and from discrete
// messages. It is restartable across partial reads: parser state
// lives here, owned by the device handle.
type Framer struct {
	mode Framing

	buf   bytes.Buffer // unconsumed input
	msg   bytes.Buffer // message assembled so far (chunked)
	phase chunkPhase
	need  int // bytes remaining of the current chunk
}

// NewFramer creates a framer in the given mode.
func NewFramer(mode Framing) *Framer {
	return &Framer{mode: mode}
}

// Mode returns the current framing mode.
func (f *Framer) Mode() Framing {
	return f.mode
}

// SetMode switches the framing mode. Version negotiation selects the
// mode at most once per session, after the hello exchange.
func (f *Framer) SetMode(mode Framing) {
	f.mode = mode
}

// Reset discards all parser state.
func (f *Framer) Reset() {
	f.buf.Reset()
	f.msg.Reset()
	f.phase = chunkHeader
	f.need = 0
}

// Buffered returns the number of unconsumed input bytes.
func (f *Framer) Buffered() int {
	return f.buf.Len() + f.msg.Len()
}

// Feed consumes transport bytes and returns any complete message
// payloads. A framing violation returns an error wrapping
// util.ErrFraming; the caller closes the connection.
func (f *Framer) Feed(p []byte) ([][]byte, error) {
	f.buf.Write(p)
	if f.mode == FramingChunked {
		return f.feedChunked()
	}
	return f.feedEOM()
}

func (f *Framer) feedEOM() ([][]byte, error) {
	var msgs [][]byte
	for {
		b := f.buf.Bytes()
		i := bytes.Index(b, []byte(eomSentinel))
		if i < 0 {
			if f.buf.Len() > MaxFrameSize {
				return nil, fmt.Errorf("%w: frame exceeds %d bytes", util.ErrFraming, MaxFrameSize)
			}
			return msgs, nil
		}
		payload := make([]byte, i)
		copy(payload, b[:i])
		f.buf.Next(i + len(eomSentinel))
		msgs = append(msgs, bytes.TrimSpace(payload))
	}
}

func (f *Framer) feedChunked() ([][]byte, error) {
	var msgs [][]byte
	for {
		switch f.phase {
		case chunkHeader:
			b := f.buf.Bytes()
			// Header is \n#<size>\n for a chunk, \n##\n for
			// end-of-message.
			if len(b) < 3 {
				return msgs, nil
			}
			if b[0] != '\n' || b[1] != '#' {
				return nil, fmt.Errorf("%w: bad chunk header", util.ErrFraming)
			}
			if b[2] == '#' {
				if len(b) < 4 {
					return msgs, nil
				}
				if b[3] != '\n' {
					return nil, fmt.Errorf("%w: bad end-of-chunks marker", util.ErrFraming)
				}
				f.buf.Next(4)
				payload := make([]byte, f.msg.Len())
				copy(payload, f.msg.Bytes())
				f.msg.Reset()
				msgs = append(msgs, payload)
				continue
			}
			nl := bytes.IndexByte(b[2:], '\n')
			if nl < 0 {
				if len(b) > 32 {
					return nil, fmt.Errorf("%w: unterminated chunk size", util.ErrFraming)
				}
				return msgs, nil
			}
			size, err := strconv.Atoi(string(b[2 : 2+nl]))
			if err != nil || size <= 0 {
				return nil, fmt.Errorf("%w: malformed chunk size %q", util.ErrFraming, string(b[2:2+nl]))
			}
			if size > MaxFrameSize || f.msg.Len()+size > MaxFrameSize {
				return nil, fmt.Errorf("%w: frame exceeds %d bytes", util.ErrFraming, MaxFrameSize)
			}
			f.buf.Next(2 + nl + 1)
			f.need = size
			f.phase = chunkBody
		case chunkBody:
			if f.buf.Len() == 0 {
				return msgs, nil
			}
			n := f.need
			if f.buf.Len() < n {
				n = f.buf.Len()
			}
			f.msg.Write(f.buf.Next(n))
			f.need -= n
			if f.need == 0 {
				f.phase = chunkHeader
			}
		}
	}
}

// Encode frames an outbound payload in the framer's current mode.
func (f *Framer) Encode(payload []byte) []byte {
	if f.mode == FramingChunked {
		var b bytes.Buffer
		fmt.Fprintf(&b, "\n#%d\n", len(payload))
		b.Write(payload)
		b.WriteString("\n##\n")
		return b.Bytes()
	}
	var b bytes.Buffer
	b.Write(payload)
	b.WriteString("\n")
	b.WriteString(eomSentinel)
	return b.Bytes()
}
