package proto

import (
	"errors"
	"io"
)

const readChunk = 4096

// Reader decodes a stream of frames using an accumulating buffer. It may read ahead of the
// current frame, so it must only be used on streams that carry nothing but frames.
type Reader struct {
	r   io.Reader
	max int
	buf []byte
}

func NewReader(r io.Reader, max int) *Reader {
	if max <= 0 {
		max = MaxControlFrame
	}
	return &Reader{r: r, max: max}
}

// ReadMsg returns the next complete frame, reading more bytes as needed.
func (rd *Reader) ReadMsg() (Message, error) {
	for {
		m, n, err := Decode(rd.buf, rd.max)
		if err == nil {
			rd.buf = rd.buf[n:]
			if len(rd.buf) == 0 {
				rd.buf = nil
			}
			return m, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}
		if err := rd.fill(); err != nil {
			if errors.Is(err, io.EOF) && len(rd.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

func (rd *Reader) fill() error {
	var chunk [readChunk]byte
	n, err := rd.r.Read(chunk[:])
	if n > 0 {
		rd.buf = append(rd.buf, chunk[:n]...)
		return nil
	}
	return err
}
