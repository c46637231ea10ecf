package dswire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// DefaultFrameLimit bounds one frame body when no limit is set.
const DefaultFrameLimit = 8 << 20

const headerLen = 4

var (
	ErrEmptyFrame    = errors.New("dswire: empty frame")
	ErrFrameTooLarge = errors.New("dswire: frame too large")
)

// Codec reads and writes frames on one stream: a big-endian uint32 body
// length followed by a JSON body. It is not safe for concurrent use.
type Codec struct {
	r     *bufio.Reader
	w     *bufio.Writer
	limit uint32
	body  []byte
	out   bytes.Buffer
	enc   *json.Encoder
}

// NewCodec wraps rw. A zero limit means DefaultFrameLimit.
func NewCodec(rw io.ReadWriter, limit uint32) *Codec {
	if limit == 0 {
		limit = DefaultFrameLimit
	}
	c := &Codec{r: bufio.NewReader(rw), w: bufio.NewWriter(rw), limit: limit}
	c.enc = json.NewEncoder(&c.out)
	return c
}

func (c *Codec) Limit() uint32 { return c.limit }

// Read decodes the next frame into v. io.EOF is returned untouched when
// the stream ends between frames.
func (c *Codec) Read(v any) error {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	switch {
	case n == 0:
		return ErrEmptyFrame
	case n > c.limit:
		return errors.Wrapf(ErrFrameTooLarge, "%d > %d", n, c.limit)
	}

	if cap(c.body) < int(n) {
		c.body = make([]byte, n)
	}
	body := c.body[:n]
	if _, err := io.ReadFull(c.r, body); err != nil {
		return errors.Wrap(err, "dswire: short frame")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, "dswire: bad json")
	}
	return nil
}

// Write encodes v and flushes header and body together.
func (c *Codec) Write(v any) error {
	c.out.Reset()
	if err := c.enc.Encode(v); err != nil {
		return errors.Wrap(err, "dswire: marshal")
	}
	body := bytes.TrimSuffix(c.out.Bytes(), []byte{'\n'})
	if uint64(len(body)) > uint64(c.limit) {
		return errors.Wrapf(ErrFrameTooLarge, "json %d > %d", len(body), c.limit)
	}

	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}
	return c.w.Flush()
}
