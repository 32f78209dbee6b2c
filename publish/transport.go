package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	srtgo "github.com/zsiec/srtgo"
	"golang.org/x/sys/unix"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/monitor"
)

// 7 TS packets per datagram, the usual MTU safe payload for UDP and SRT
const tsChunkSize = 7 * 188

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

var retryInitialInterval = 100 * time.Millisecond

// isTransient reports whether a failed write may succeed when retried.
func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EPIPE),
		errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return false
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS):
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// retryWriter retries transient write failures with exponential backoff,
// resuming from the unwritten remainder.
type retryWriter struct {
	w       io.Writer
	ctx     context.Context
	retries int
	timeout time.Duration
	// optional, armed before every attempt
	setDeadline func(time.Time) error
	onRetry     func(err error)
}

func (rw *retryWriter) Write(p []byte) (int, error) {
	ctx := rw.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	written := 0
	op := func() error {
		if rw.setDeadline != nil && rw.timeout > 0 {
			rw.setDeadline(time.Now().Add(rw.timeout))
		}
		n, err := rw.w.Write(p[written:])
		written += n
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(rw.retries)), ctx)
	err := backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		if rw.onRetry != nil {
			rw.onRetry(err)
		}
		if monitor.Enabled {
			monitor.TransportRetry()
		}
		clog.V(3).Infof(ctx, "Retrying output write in %s wrote=%d/%d err=%q", d, written, len(p), err)
	})
	if err != nil {
		if isTransient(err) {
			err = fmt.Errorf("giving up after %d retries: %w", rw.retries, err)
		}
		return written, lcerrors.Transport("write", err)
	}
	return written, nil
}

// retryConn is a net.Conn whose writes go through a retryWriter.
type retryConn struct {
	net.Conn
	rw *retryWriter
}

func newRetryConn(ctx context.Context, conn net.Conn, retries int, timeout time.Duration, onRetry func(error)) *retryConn {
	return &retryConn{
		Conn: conn,
		rw: &retryWriter{
			w:           conn,
			ctx:         ctx,
			retries:     retries,
			timeout:     timeout,
			setDeadline: conn.SetWriteDeadline,
			onRetry:     onRetry,
		},
	}
}

func (rc *retryConn) Write(p []byte) (int, error) {
	return rc.rw.Write(p)
}

// chunkWriter regroups a TS byte stream into fixed size datagrams. Flush
// sends whatever is buffered as a short datagram.
type chunkWriter struct {
	w    io.Writer
	size int
	buf  []byte
}

func newChunkWriter(w io.Writer, size int) *chunkWriter {
	return &chunkWriter{w: w, size: size, buf: make([]byte, 0, size)}
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		take := cw.size - len(cw.buf)
		if take > len(p) {
			take = len(p)
		}
		cw.buf = append(cw.buf, p[:take]...)
		p = p[take:]
		n += take
		if len(cw.buf) == cw.size {
			if err := cw.Flush(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (cw *chunkWriter) Flush() error {
	if len(cw.buf) == 0 {
		return nil
	}
	_, err := cw.w.Write(cw.buf)
	cw.buf = cw.buf[:0]
	return err
}

// udpWriter drops datagrams refused by the peer. Nobody listening is
// normal for a live UDP stream.
type udpWriter struct {
	conn    net.Conn
	refused int
}

func (uw *udpWriter) Write(p []byte) (int, error) {
	n, err := uw.conn.Write(p)
	if errors.Is(err, unix.ECONNREFUSED) {
		uw.refused++
		if uw.refused == 1 || uw.refused%1000 == 0 {
			clog.V(3).Infof(context.Background(), "UDP peer %s refused datagrams count=%d", uw.conn.RemoteAddr(), uw.refused)
		}
		return len(p), nil
	}
	return n, err
}

func dialTCP(ctx context.Context, host string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, lcerrors.Transport("dial", err)
	}
	return conn, nil
}

func dialUDP(ctx context.Context, host string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", host)
	if err != nil {
		return nil, lcerrors.Transport("dial", err)
	}
	return conn, nil
}

// dialSRT connects as an SRT caller. The dial is abandoned, and its
// connection closed in the background, when ctx ends or timeout passes.
func dialSRT(ctx context.Context, host, streamID string, timeout time.Duration) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if streamID != "" {
		cfg.StreamID = streamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(host, cfg)
		ch <- dialResult{conn, err}
	}()
	abandon := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, lcerrors.Transport("dial", fmt.Errorf("SRT dial failed: %w", res.err))
		}
		return res.conn, nil
	case <-timer.C:
		abandon()
		return nil, lcerrors.Transport("dial", fmt.Errorf("SRT dial timed out after %s", timeout))
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}
