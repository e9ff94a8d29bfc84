package dispatch

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
	"github.com/matst80/backhaul/internal/ratelimit"
	"golang.org/x/time/rate"
)

const spliceBufSize = 32 * 1024

var bufPool = sync.Pool{New: func() any {
	b := make([]byte, spliceBufSize)
	return &b
}}

// Join copies user<->work until either direction ends, then closes both. lim, when non-nil,
// is shared by both directions, so it caps their combined rate. It returns bytes sent to the
// client (in) and to the user (out).
func Join(user, work net.Conn, lim *rate.Limiter) (in, out int64) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var once sync.Once
	closeBoth := func() {
		cancel()
		_ = user.Close()
		_ = work.Close()
	}
	copyFn := func(dst io.Writer, src io.Reader, n *int64) {
		defer wg.Done()
		buf := bufPool.Get().(*[]byte)
		defer bufPool.Put(buf)
		*n, _ = io.CopyBuffer(ratelimit.Writer(ctx, dst, lim), src, *buf)
		once.Do(closeBoth)
	}
	wg.Add(2)
	go copyFn(work, user, &in)
	go copyFn(user, work, &out)
	wg.Wait()
	return in, out
}

// splice runs Join for binding name and records metrics.
func splice(name string, user, work net.Conn, lim *rate.Limiter) {
	start := time.Now()
	obs.TunnelEstablishedTotal.WithLabelValues(name).Inc()
	in, out := Join(user, work, lim)
	obs.TrafficBytesTotal.WithLabelValues(name, "in").Add(float64(in))
	obs.TrafficBytesTotal.WithLabelValues(name, "out").Add(float64(out))
	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Debug("tunnel.closed", obs.Fields{"proxy": name, "in": in, "out": out, "duration": time.Since(start).String()})
}
