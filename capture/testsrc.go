package capture

import (
	"context"
	"errors"
	"io"
	"time"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

// TestSource generates a moving gradient in any supported raw format. It
// stands in for a capture device in tests and dry runs.
type TestSource struct {
	cfg   Config
	pool  *media.BufferPool
	count int
	start time.Time
	open  bool
}

func NewTestSource(cfg Config) *TestSource {
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width, cfg.Height = 1920, 1080
	}
	if cfg.PixFmt == media.PixFmtNone {
		cfg.PixFmt = media.PixFmtBGR0
	}
	if !cfg.FrameRate.Valid() {
		cfg.FrameRate = media.Rational{Num: 30, Den: 1}
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 4
	}
	return &TestSource{cfg: cfg}
}

func (ts *TestSource) Open(ctx context.Context) (media.StreamInfo, error) {
	size := ts.cfg.PixFmt.FrameSize(ts.cfg.Width, ts.cfg.Height)
	if size == 0 {
		return media.StreamInfo{}, lcerrors.Configuration("testsrc", "unsupported test pattern format %s", ts.cfg.PixFmt)
	}
	ts.pool = media.NewBufferPool(ts.cfg.Buffers, size)
	ts.start = time.Now()
	ts.open = true
	return media.StreamInfo{
		Codec:     media.CodecRawVideo,
		Width:     ts.cfg.Width,
		Height:    ts.cfg.Height,
		PixFmt:    ts.cfg.PixFmt,
		FrameRate: ts.cfg.FrameRate,
		TimeBase:  ts.cfg.FrameRate.Invert(),
	}, nil
}

func (ts *TestSource) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if !ts.open {
		return nil, lcerrors.SourceUnavailable("read_packet", errors.New("source not open"))
	}
	if ts.cfg.Frames > 0 && ts.count >= ts.cfg.Frames {
		return nil, io.EOF
	}
	if ts.cfg.Realtime {
		due := ts.start.Add(time.Duration(int64(ts.count) * int64(time.Second) * ts.cfg.FrameRate.Den / ts.cfg.FrameRate.Num))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}
	buf, err := ts.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	paint(buf, ts.cfg.Width, ts.cfg.Height, ts.cfg.PixFmt, ts.count)
	pkt := media.NewPacket(media.CodecRawVideo, [][]byte{buf}, func() { ts.pool.Put(buf) })
	pkt.PTS = int64(ts.count)
	pkt.KeyFrame = true
	ts.count++
	return pkt, nil
}

func (ts *TestSource) Close() error {
	ts.open = false
	return nil
}

// paint draws a diagonal gradient shifted by n pixels. Every plane gets a
// distinct ramp so scaling and plane order mistakes are visible.
func paint(buf []byte, w, h int, pf media.PixelFormat, n int) {
	off := 0
	for i, pl := range pf.Planes(w, h) {
		for y := 0; y < pl.Rows; y++ {
			row := buf[off+y*pl.Stride : off+(y+1)*pl.Stride]
			for x := range row {
				row[x] = byte(x + y + n + i*64)
			}
		}
		off += pl.Stride * pl.Rows
	}
}
