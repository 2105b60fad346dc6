package proto

import (
	"bufio"
	"io"
	"strings"

	apperrors "github.com/nixhive/evaljobs/internal/errors"
)

// Conn frames messages over one pipe pair. Reads and writes are not
// internally synchronized: a Conn belongs to exactly one coordinator or one
// worker loop.
type Conn struct {
	r *bufio.Reader
	w io.Writer
}

// NewConn wraps a read end and a write end.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w}
}

// ReadFrame reads one line, without the newline. io.EOF is returned
// unwrapped so callers can distinguish an orderly close from a violation.
func (c *Conn) ReadFrame() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		if err == io.EOF {
			// A frame must be newline-terminated; a partial trailing line
			// means the peer died mid-write.
			return "", &apperrors.ProtocolError{Msg: "pipe closed mid-frame", Err: io.ErrUnexpectedEOF}
		}
		return "", &apperrors.ProtocolError{Msg: "read frame", Err: err}
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// framer is any message with a wire line.
type framer interface {
	Frame() string
}

// WriteFrame writes one message as a single line.
func (c *Conn) WriteFrame(m framer) error {
	if _, err := io.WriteString(c.w, m.Frame()+"\n"); err != nil {
		return &apperrors.ProtocolError{Msg: "write frame", Err: err}
	}
	return nil
}
