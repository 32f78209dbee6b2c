// Package capture provides the frame sources feeding the pipeline: screen
// and camera grabbing, network and file feeds, RTSP cameras and a synthetic
// test pattern.
package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

// Input kinds accepted by New.
const (
	InputX11Grab = "x11grab"
	InputV4L2    = "v4l2"
	InputRTSP    = "rtsp"
	InputFeed    = "feed"
	InputTestSrc = "testsrc"
)

// Source produces packets for the decoder. ReadPacket blocks until a packet
// is available and returns io.EOF at the end of the stream.
type Source interface {
	Open(ctx context.Context) (media.StreamInfo, error)
	ReadPacket(ctx context.Context) (*media.Packet, error)
	Close() error
}

type Config struct {
	// One of the Input* kinds.
	Input string
	// Display, device node, URL or path, depending on Input.
	Device string
	// Capture geometry; probed when zero.
	Width  int
	Height int
	// Native pixel format of raw captures.
	PixFmt    media.PixelFormat
	FrameRate media.Rational
	// Packets buffered ahead of the consumer. Bounds capture memory.
	Buffers int
	// A live source that goes quiet for this long is considered gone.
	StallTimeout time.Duration
	// Frames produced by the test source, 0 for unlimited.
	Frames int
	// Pace file feeds and the test source at FrameRate.
	Realtime bool
}

// Live reports whether the input runs on its own clock. A consumer slower
// than a live input has to lose frames; anything else can be waited for.
func (c Config) Live() bool {
	switch c.Input {
	case InputX11Grab, InputV4L2, InputRTSP:
		return true
	}
	return c.Realtime
}

// DefaultDevice returns the device used when none is configured.
func DefaultDevice(input string) string {
	switch input {
	case InputX11Grab:
		if d := os.Getenv("DISPLAY"); d != "" {
			return d
		}
		return ""
	case InputV4L2:
		return "/dev/video0"
	}
	return ""
}

func New(cfg Config) (Source, error) {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice(cfg.Input)
	}
	if !cfg.FrameRate.Valid() {
		cfg.FrameRate = media.Rational{Num: 30, Den: 1}
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 12
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 5 * time.Second
	}
	switch strings.ToLower(cfg.Input) {
	case InputX11Grab, InputV4L2:
		return NewDeviceSource(cfg), nil
	case InputFeed:
		return NewFeedSource(cfg), nil
	case InputRTSP:
		return NewRTSPSource(cfg), nil
	case InputTestSrc:
		return NewTestSource(cfg), nil
	}
	return nil, lcerrors.Configuration("capture", "unknown input %q", cfg.Input)
}

// rawPipe reads fixed size rawvideo frames from a subprocess into pooled
// buffers.
type rawPipe struct {
	r         *os.File
	pool      *media.BufferPool
	frameSize int
	stall     time.Duration
	timeBase  media.Rational
	count     int64
	// whether EOF is the natural end of the stream
	finite bool
}

func (rp *rawPipe) read(ctx context.Context) (*media.Packet, error) {
	buf, err := rp.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	rp.r.SetReadDeadline(time.Now().Add(rp.stall))
	// unblock the read when ctx ends
	stop := context.AfterFunc(ctx, func() { rp.r.SetReadDeadline(time.Now()) })
	n, err := io.ReadFull(rp.r, buf)
	stop()
	if err != nil {
		rp.pool.Put(buf)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case err == io.EOF && rp.finite:
			return nil, io.EOF
		case err == io.EOF:
			return nil, lcerrors.SourceDisconnected("read_packet", fmt.Errorf("capture ended after %d frames", rp.count))
		case os.IsTimeout(err):
			return nil, lcerrors.SourceDisconnected("read_packet", fmt.Errorf("no frame for %s", rp.stall))
		case err == io.ErrUnexpectedEOF:
			return nil, lcerrors.SourceDisconnected("read_packet", fmt.Errorf("truncated frame %d/%d bytes: %w", n, rp.frameSize, err))
		}
		return nil, lcerrors.SourceDisconnected("read_packet", err)
	}
	pkt := media.NewPacket(media.CodecRawVideo, [][]byte{buf}, func() { rp.pool.Put(buf) })
	pkt.PTS = rp.count
	pkt.KeyFrame = true
	rp.count++
	return pkt, nil
}
