package capture

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

func TestNew(t *testing.T) {
	assert := assert.New(t)
	for input, want := range map[string]interface{}{
		InputX11Grab: &DeviceSource{},
		InputV4L2:    &DeviceSource{},
		InputFeed:    &FeedSource{},
		InputRTSP:    &RTSPSource{},
		InputTestSrc: &TestSource{},
	} {
		src, err := New(Config{Input: input, Device: "x"})
		require.NoError(t, err)
		assert.IsType(want, src, input)
	}
	_, err := New(Config{Input: "dshow"})
	assert.True(lcerrors.Is(err, lcerrors.KindConfiguration))

	ds := NewDeviceSource(Config{Input: InputV4L2})
	assert.Equal(media.PixFmtYUYV422, ds.cfg.PixFmt)
	ds = NewDeviceSource(Config{Input: InputX11Grab})
	assert.Equal(media.PixFmtBGR0, ds.cfg.PixFmt)
}

func TestDefaultDevice(t *testing.T) {
	t.Setenv("DISPLAY", ":1.0")
	assert.Equal(t, ":1.0", DefaultDevice(InputX11Grab))
	assert.Equal(t, "/dev/video0", DefaultDevice(InputV4L2))
	assert.Equal(t, "", DefaultDevice(InputFeed))
}

func TestConfigLive(t *testing.T) {
	assert := assert.New(t)
	for _, in := range []string{InputX11Grab, InputV4L2, InputRTSP} {
		assert.True(Config{Input: in}.Live(), in)
	}
	assert.False(Config{Input: InputFeed}.Live())
	assert.False(Config{Input: InputTestSrc}.Live())
	assert.True(Config{Input: InputTestSrc, Realtime: true}.Live())
}

func TestDeviceSource_NoDisplay(t *testing.T) {
	t.Setenv("DISPLAY", "")
	src, err := New(Config{Input: InputX11Grab})
	require.NoError(t, err)
	_, err = src.Open(context.Background())
	assert.Equal(t, lcerrors.ReasonUnavailable, lcerrors.ReasonOf(err))
}

func TestDeviceSource_Args(t *testing.T) {
	ds := NewDeviceSource(Config{Input: InputX11Grab, Device: ":0.0", Width: 3840, Height: 2160, FrameRate: media.Rational{Num: 60, Den: 1}})
	args := strings.Join(ds.args(), " ")
	assert.Contains(t, args, "-f x11grab -framerate 60/1 -draw_mouse 1 -video_size 3840x2160 -i :0.0")
	assert.True(t, strings.HasSuffix(args, "-c:v rawvideo -pix_fmt bgr0 -f rawvideo pipe:1"))
}

func TestParseStreamGeometry(t *testing.T) {
	tests := []struct {
		line string
		w, h int
		ok   bool
	}{
		{"  Stream #0:0: Video: rawvideo (BGR[0] / 0x30524742), bgr0, 3840x2160, 60 fps, 1000k tbr, 1000k tbn", 3840, 2160, true},
		{"  Stream #0:0: Video: rawvideo (YUY2 / 0x32595559), yuyv422, 640x480, 147456 kb/s, 30 fps", 640, 480, true},
		{"Input #0, x11grab, from ':0.0':", 0, 0, false},
		{"[x11grab @ 0x55d5] stream 0: start_time: 1700000000.0", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, ok := parseStreamGeometry(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.w, w)
		assert.Equal(t, tt.h, h)
	}
}

func TestTestSource(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	src := NewTestSource(Config{Width: 4, Height: 2, PixFmt: media.PixFmtYUV420P, Frames: 3, FrameRate: media.Rational{Num: 60, Den: 1}})
	_, err := src.ReadPacket(ctx)
	assert.Equal(lcerrors.ReasonUnavailable, lcerrors.ReasonOf(err))

	info, err := src.Open(ctx)
	require.NoError(t, err)
	assert.Equal(media.CodecRawVideo, info.Codec)
	assert.Equal(media.Rational{Num: 1, Den: 60}, info.TimeBase)

	var first []byte
	for i := 0; i < 3; i++ {
		pkt, err := src.ReadPacket(ctx)
		require.NoError(t, err)
		assert.Equal(int64(i), pkt.PTS)
		assert.Equal(12, pkt.Size())
		if i == 0 {
			first = append([]byte(nil), pkt.Data[0]...)
		} else {
			// the pattern moves
			assert.NotEqual(first, pkt.Data[0])
		}
		pkt.Release()
	}
	_, err = src.ReadPacket(ctx)
	assert.Equal(io.EOF, err)
	assert.Nil(src.Close())
}

func TestTestSource_Realtime(t *testing.T) {
	ctx := context.Background()
	src := NewTestSource(Config{Width: 2, Height: 2, PixFmt: media.PixFmtGray, Frames: 6, FrameRate: media.Rational{Num: 100, Den: 1}, Realtime: true})
	_, err := src.Open(ctx)
	require.NoError(t, err)
	start := time.Now()
	for i := 0; i < 6; i++ {
		pkt, err := src.ReadPacket(ctx)
		require.NoError(t, err)
		pkt.Release()
	}
	// frame 5 is due 50ms after the first
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func newTestPipe(t *testing.T, frameSize int, finite bool, stall time.Duration) (*rawPipe, *os.File) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	return &rawPipe{
		r:         r,
		pool:      media.NewBufferPool(2, frameSize),
		frameSize: frameSize,
		stall:     stall,
		finite:    finite,
	}, w
}

func TestRawPipe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	rp, w := newTestPipe(t, 4, true, time.Second)

	go func() {
		w.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8})
		w.Close()
	}()
	p1, err := rp.read(ctx)
	require.NoError(t, err)
	assert.Equal([]byte{1, 2, 3, 4}, p1.Data[0])
	p2, err := rp.read(ctx)
	require.NoError(t, err)
	assert.Equal(int64(1), p2.PTS)
	// both buffers are out, the next read waits for one to come back
	p1.Release()
	_, err = rp.read(ctx)
	assert.Equal(io.EOF, err)
	p2.Release()
	assert.Equal(2, rp.pool.Available())
}

func TestRawPipe_Disconnect(t *testing.T) {
	ctx := context.Background()

	rp, w := newTestPipe(t, 4, false, time.Second)
	w.Write([]byte{1, 2})
	w.Close()
	_, err := rp.read(ctx)
	assert.Equal(t, lcerrors.ReasonDisconnected, lcerrors.ReasonOf(err))

	rp, w = newTestPipe(t, 4, false, time.Second)
	w.Close()
	_, err = rp.read(ctx)
	assert.Equal(t, lcerrors.ReasonDisconnected, lcerrors.ReasonOf(err))

	rp, _ = newTestPipe(t, 4, false, 20*time.Millisecond)
	_, err = rp.read(ctx)
	assert.Equal(t, lcerrors.ReasonDisconnected, lcerrors.ReasonOf(err))
	assert.Contains(t, err.Error(), "no frame for 20ms")
}

func TestRawPipe_Cancel(t *testing.T) {
	rp, _ := newTestPipe(t, 4, false, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := rp.read(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)
}
