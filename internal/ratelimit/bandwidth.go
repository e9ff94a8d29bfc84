package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewBandwidth returns a byte-rate limiter for bytesPerSec, or nil when the limit is disabled.
func NewBandwidth(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst < 32*1024 {
		burst = 32 * 1024
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

// Writer wraps w so that writes block until lim admits the bytes. A nil lim returns w unchanged.
func Writer(ctx context.Context, w io.Writer, lim *rate.Limiter) io.Writer {
	if lim == nil {
		return w
	}
	return &limitedWriter{ctx: ctx, w: w, lim: lim}
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := len(p)
		if b := l.lim.Burst(); b > 0 && chunk > b {
			chunk = b
		}
		if err := l.lim.WaitN(l.ctx, chunk); err != nil {
			return written, err
		}
		n, err := l.w.Write(p[:chunk])
		written += n
		if err != nil {
			return written, err
		}
		p = p[chunk:]
	}
	return written, nil
}
