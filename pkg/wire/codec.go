package wire

import (
	"io"
	"sync"
)

// Codec reads and writes frames on one stream. Writes are serialised and
// numbered; reads must come from a single goroutine.
type Codec struct {
	r io.Reader
	w io.Writer

	wmu  sync.Mutex
	seq  uint64
	last uint64
}

// NewCodec creates a codec over rw
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{r: rw, w: rw}
}

// Send encodes body as a frame of the given kind and writes it
func (c *Codec) Send(kind uint16, body interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.seq++
	f, err := NewFrame(kind, c.seq, body)
	if err != nil {
		return err
	}
	return WriteFrame(c.w, f)
}

// Recv reads the next frame. Sequence numbers must increase.
func (c *Codec) Recv() (*Frame, error) {
	f, err := ReadFrame(c.r)
	if err != nil {
		return nil, err
	}
	if f.Seq <= c.last {
		return nil, ErrProtocol("sequence number did not increase")
	}
	c.last = f.Seq
	return f, nil
}

// Expect reads the next frame, requires the given kind and decodes its body
func (c *Codec) Expect(kind uint16, body interface{}) error {
	f, err := c.Recv()
	if err != nil {
		return err
	}
	if !f.IsKind(kind) {
		return ErrProtocol("unexpected frame kind")
	}
	return f.Decode(body)
}
