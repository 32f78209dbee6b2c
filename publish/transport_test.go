package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	lcerrors "github.com/livepeer/go-livecast/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// flakyWriter fails its first failures calls after writing half of the data.
type flakyWriter struct {
	bytes.Buffer
	failures int
	err      error
	calls    int
}

func (fw *flakyWriter) Write(p []byte) (int, error) {
	fw.calls++
	if fw.failures > 0 {
		fw.failures--
		n := len(p) / 2
		fw.Buffer.Write(p[:n])
		return n, fw.err
	}
	return fw.Buffer.Write(p)
}

func fastRetries(t *testing.T) {
	old := retryInitialInterval
	retryInitialInterval = time.Millisecond
	t.Cleanup(func() { retryInitialInterval = old })
}

func TestIsTransient(t *testing.T) {
	assert := assert.New(t)
	assert.False(isTransient(nil))
	assert.True(isTransient(timeoutErr{}))
	assert.True(isTransient(&net.OpError{Op: "write", Err: os.ErrDeadlineExceeded}))
	assert.True(isTransient(os.NewSyscallError("sendto", unix.ENOBUFS)))
	assert.False(isTransient(&net.OpError{Op: "write", Err: os.NewSyscallError("write", unix.EPIPE)}))
	assert.False(isTransient(os.NewSyscallError("connect", unix.ECONNREFUSED)))
	assert.False(isTransient(fmt.Errorf("wrapped: %w", unix.ECONNRESET)))
	assert.False(isTransient(net.ErrClosed))
	assert.False(isTransient(errors.New("boom")))
}

func TestRetryWriter(t *testing.T) {
	fastRetries(t)
	assert := assert.New(t)
	payload := bytes.Repeat([]byte("0123456789"), 100)

	fw := &flakyWriter{failures: 2, err: timeoutErr{}}
	retries := 0
	rw := &retryWriter{w: fw, ctx: context.Background(), retries: 3, onRetry: func(error) { retries++ }}
	n, err := rw.Write(payload)
	require.NoError(t, err)
	assert.Equal(len(payload), n)
	assert.Equal(payload, fw.Bytes(), "resumes from the unwritten remainder")
	assert.Equal(2, retries)

	fw = &flakyWriter{failures: 5, err: timeoutErr{}}
	rw = &retryWriter{w: fw, ctx: context.Background(), retries: 2}
	_, err = rw.Write(payload)
	assert.True(lcerrors.Is(err, lcerrors.KindTransport))
	assert.False(lcerrors.IsAcceptable(err))
	assert.Contains(err.Error(), "giving up after 2 retries")
	assert.Equal(3, fw.calls)

	fw = &flakyWriter{failures: 5, err: os.NewSyscallError("write", unix.EPIPE)}
	rw = &retryWriter{w: fw, ctx: context.Background(), retries: 5}
	_, err = rw.Write(payload)
	assert.True(lcerrors.Is(err, lcerrors.KindTransport))
	assert.ErrorIs(err, unix.EPIPE)
	assert.Equal(1, fw.calls, "permanent errors are not retried")
}

func TestRetryWriter_Deadline(t *testing.T) {
	fastRetries(t)
	var deadlines []time.Time
	fw := &flakyWriter{}
	rw := &retryWriter{
		w:           fw,
		retries:     1,
		timeout:     time.Second,
		setDeadline: func(d time.Time) error { deadlines = append(deadlines, d); return nil },
	}
	_, err := rw.Write([]byte("abc"))
	require.NoError(t, err)
	require.Len(t, deadlines, 1)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadlines[0], 500*time.Millisecond)
}

func TestChunkWriter(t *testing.T) {
	assert := assert.New(t)
	var chunks [][]byte
	sink := writerFunc(func(p []byte) (int, error) {
		chunks = append(chunks, append([]byte(nil), p...))
		return len(p), nil
	})
	cw := newChunkWriter(sink, tsChunkSize)
	for i := 0; i < 10; i++ {
		n, err := cw.Write(bytes.Repeat([]byte{byte(i)}, 188))
		require.NoError(t, err)
		assert.Equal(188, n)
	}
	assert.Len(chunks, 1)
	require.NoError(t, cw.Flush())
	require.NoError(t, cw.Flush())
	require.Len(t, chunks, 2)
	assert.Len(chunks[0], tsChunkSize)
	assert.Len(chunks[1], 3*188)
	assert.Equal(byte(7), chunks[1][0])
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestSkipWriter(t *testing.T) {
	var buf bytes.Buffer
	sw := &skipWriter{w: &buf, skip: 5}
	n, err := sw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = sw.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	sw.Write([]byte("ij"))
	assert.Equal(t, "fghij", buf.String())
}

func TestEncodeScriptData(t *testing.T) {
	assert := assert.New(t)
	body, offsets, err := encodeScriptData("onMetaData", []amfProp{
		{"duration", 0.0},
		{"width", 1920},
		{"encoder", "x"},
		{"stereo", false},
	})
	require.NoError(t, err)
	want := []byte{amfString, 0, 10}
	want = append(want, "onMetaData"...)
	want = append(want, amfECMAArray, 0, 0, 0, 4)
	want = append(want, 0, 8)
	want = append(want, "duration"...)
	want = append(want, amfNumber, 0, 0, 0, 0, 0, 0, 0, 0)
	assert.Equal(want, body[:len(want)])
	assert.Equal(len(want)-8, offsets["duration"])
	assert.Equal(amfDouble(1920), body[offsets["width"]:offsets["width"]+8])
	assert.NotContains(offsets, "encoder")
	assert.Equal([]byte{0, 6, 's', 't', 'e', 'r', 'e', 'o', amfBool, 0, 0, 0, amfEnd}, body[len(body)-13:])

	_, _, err = encodeScriptData("onMetaData", []amfProp{{"bad", []int{1}}})
	assert.Error(err)
}

func TestDialSRT_Unreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn, err := dialSRT(ctx, "127.0.0.1:1", "livecast", 200*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, conn)

	conn, err = dialSRT(context.Background(), "127.0.0.1:1", "", 200*time.Millisecond)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.True(t, lcerrors.Is(err, lcerrors.KindTransport))
}
