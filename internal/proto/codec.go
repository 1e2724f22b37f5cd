package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Delimiter terminates every frame. It cannot occur inside JSON text.
const Delimiter byte = 0x00

// MaxFrameSize bounds a single frame so a peer that never sends the
// delimiter cannot grow the read buffer without limit.
const MaxFrameSize = 64 * 1024

var (
	ErrTimeout       = errors.New("timed out waiting for message")
	ErrMalformed     = errors.New("failed to parse message")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	ErrUnexpectedMessage = errors.New("unexpected message")
)

// Codec reads and writes NUL-delimited JSON frames on a connection.
// A Codec is not safe for concurrent Send or concurrent Recv calls.
type Codec struct {
	conn net.Conn
	rd   *bufio.Reader
}

func NewCodec(c net.Conn) *Codec {
	return &Codec{conn: c, rd: bufio.NewReader(c)}
}

// Send encodes v and writes it followed by the delimiter in a single write.
func (c *Codec) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = c.conn.Write(append(b, Delimiter))
	return err
}

// Recv decodes the next frame into v. It returns false with a nil error when
// the peer closed the stream before sending any byte of a new frame.
func (c *Codec) Recv(v any) (bool, error) {
	frame, err := c.readFrame()
	if err != nil {
		if errors.Is(err, io.EOF) && len(frame) == 0 {
			return false, nil
		}
		if !errors.Is(err, io.EOF) {
			return false, err
		}
		// unterminated trailing frame: decode what arrived
	}
	if err := json.Unmarshal(frame, v); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return true, nil
}

// RecvTimeout is Recv bounded by d. Expiry yields ErrTimeout.
func (c *Codec) RecvTimeout(v any, d time.Duration) (bool, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return false, err
	}
	ok, err := c.Recv(v)
	_ = c.conn.SetReadDeadline(time.Time{})
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return ok, err
}

// readFrame returns the bytes up to, not including, the next delimiter.
func (c *Codec) readFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := c.rd.ReadSlice(Delimiter)
		frame = append(frame, chunk...)
		if len(frame) > MaxFrameSize+1 {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			return frame[:len(frame)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return frame, err
		}
	}
}

// Conn returns the underlying connection with reads served from the codec
// buffer first, so bytes the peer sent right after a frame are not lost when
// the connection switches to raw streaming.
func (c *Codec) Conn() net.Conn {
	return &bufferedConn{Conn: c.conn, rd: c.rd}
}

// RemoteAddr is a convenience for logging.
func (c *Codec) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Codec) Close() error { return c.conn.Close() }

type bufferedConn struct {
	net.Conn
	rd *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.rd.Read(p) }
