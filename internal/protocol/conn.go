package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ChuLiYu/proctor-guard/internal/codec"
)

// ErrClosed is returned by Send after the write side has failed or been
// closed. A broken pipe is reported once and then surfaces as ErrClosed.
var ErrClosed = errors.New("protocol: connection closed")

// Conn frames Messages as a CBOR sequence over a reader/writer pair. Send
// is safe for concurrent use; Receive must be called from one goroutine.
type Conn struct {
	mu     sync.Mutex
	enc    *codec.Encoder
	dec    *codec.Decoder
	w      io.Writer
	broken bool
}

// NewConn wraps r and w. Either may be nil for a one-directional Conn.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{w: w}
	if w != nil {
		c.enc = codec.NewEncoder(w)
	}
	if r != nil {
		c.dec = codec.NewDecoder(r)
	}
	return c
}

// Send validates and writes one message.
func (c *Conn) Send(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil || c.broken {
		return ErrClosed
	}
	if err := c.enc.Encode(m); err != nil {
		c.broken = true
		return fmt.Errorf("protocol: send %s: %w", m.Kind, err)
	}
	return nil
}

// Receive reads the next message. A well-formed frame with an invalid
// shape returns the decoded message together with a validation error so
// the caller can log and continue; io errors end the stream.
func (c *Conn) Receive() (Message, error) {
	if c.dec == nil {
		return Message{}, ErrClosed
	}
	var m Message
	if err := c.dec.Decode(&m); err != nil {
		var typeErr *codec.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Message{}, err
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// IsStreamEnd reports whether err from Receive means the peer is gone.
func IsStreamEnd(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, ErrClosed)
}

// IsShapeError reports whether err from Receive is a per-message
// validation failure that leaves the stream usable.
func IsShapeError(err error) bool {
	return errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrMalformed)
}

// Close closes the writer if it implements io.Closer.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broken = true
	if closer, ok := c.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
