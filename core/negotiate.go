package core

import (
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

const (
	DefaultQueueSize       = 8
	DefaultCodecErrorLimit = 10
)

type Config struct {
	// Tags logs, metrics and the status endpoint.
	StreamID string

	// Output geometry; zero keeps the input geometry.
	Width  int
	Height int
	PixFmt media.PixelFormat
	// Bits per second.
	Bitrate int64
	// Encoder frame rate; zero takes the source rate. The encoder time-base
	// is its inverse.
	FrameRate media.Rational
	GOP       int
	// Scaling kernel, see scaler.Kernels.
	Kernel string

	// Packets buffered between capture and encode.
	QueueSize  int
	DropPolicy media.DropPolicy
	// Frames to encode before stopping, 0 for unlimited.
	MaxFrames int
	// Consecutive recoverable errors a stage may report before the run fails.
	CodecErrorLimit int

	// Never write duration or filesize into the container header.
	Live bool
}

func (cfg *Config) setDefaults() {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CodecErrorLimit <= 0 {
		cfg.CodecErrorLimit = DefaultCodecErrorLimit
	}
	if cfg.PixFmt == media.PixFmtNone {
		cfg.PixFmt = media.PixFmtYUV420P
	}
}

// Negotiate derives the descriptor of the output stream from what the
// source reports, the configuration and the container time-base. Every
// incompatibility is a configuration error.
func Negotiate(info media.StreamInfo, cfg Config, containerTB media.Rational) (StreamDescriptor, error) {
	cfg.setDefaults()
	if info.Width <= 0 || info.Height <= 0 {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "source geometry %dx%d unknown", info.Width, info.Height)
	}
	d := StreamDescriptor{
		Input:             info,
		Codec:             media.CodecH264,
		Width:             cfg.Width,
		Height:            cfg.Height,
		PixFmt:            cfg.PixFmt,
		Bitrate:           cfg.Bitrate,
		FrameRate:         cfg.FrameRate,
		GOP:               cfg.GOP,
		ContainerTimeBase: containerTB,
	}
	if d.Width == 0 && d.Height == 0 {
		d.Width, d.Height = info.Width, info.Height
	}
	if d.Width <= 0 || d.Height <= 0 {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "invalid output size %dx%d", d.Width, d.Height)
	}
	if d.PixFmt != media.PixFmtYUV420P && d.PixFmt != media.PixFmtNV12 {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "unsupported output pixel format %s", d.PixFmt)
	}
	if d.Width%2 != 0 || d.Height%2 != 0 {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "output size %dx%d must be even for %s", d.Width, d.Height, d.PixFmt)
	}
	if d.Bitrate <= 0 {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "bitrate must be positive, got %d", d.Bitrate)
	}
	if d.GOP <= 0 {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "gop must be positive, got %d", d.GOP)
	}
	if !d.FrameRate.Valid() {
		d.FrameRate = info.FrameRate
	}
	if !d.FrameRate.Valid() {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "no frame rate configured or reported by the source")
	}
	if !containerTB.Valid() {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate", "invalid container time-base %s", containerTB)
	}
	d.EncoderTimeBase = d.FrameRate.Invert()
	scale, ok := d.EncoderTimeBase.IntRatio(containerTB)
	if !ok || scale <= 0 {
		return StreamDescriptor{}, lcerrors.Configuration("negotiate",
			"encoder time-base %s is not a whole multiple of container time-base %s", d.EncoderTimeBase, containerTB)
	}
	d.PTSScale = scale
	return d, nil
}

// Timestamper hands out the presentation timestamps of encoded frames:
// frame i is stamped i*scale in container ticks.
type Timestamper struct {
	scale int64
	next  int64
}

func NewTimestamper(scale int64) *Timestamper {
	return &Timestamper{scale: scale}
}

// Peek returns the index and PTS of the next frame without consuming them.
func (ts *Timestamper) Peek() (int64, int64) {
	return ts.next, ts.next * ts.scale
}

func (ts *Timestamper) Advance() {
	ts.next++
}

// Count is the number of frames stamped so far.
func (ts *Timestamper) Count() int64 {
	return ts.next
}

func keyFrameDue(i int64, gop int) bool {
	return i%int64(gop) == 0
}

// gopChecker verifies every window of gop frames, counted from frame 0,
// carries at least one key frame.
type gopChecker struct {
	gop   int64
	scale int64

	started bool
	window  int64
	seenKey bool
}

func newGOPChecker(gop int, scale int64) *gopChecker {
	return &gopChecker{gop: int64(gop), scale: scale}
}

// observe returns the number of windows closed without a key frame.
func (gc *gopChecker) observe(pkt *media.Packet) int {
	w := pkt.PTS / gc.scale / gc.gop
	violations := 0
	if !gc.started {
		gc.started, gc.window = true, w
	} else if w != gc.window {
		if !gc.seenKey {
			violations++
		}
		// windows skipped entirely had no frames, so no key frame either
		if skipped := w - gc.window - 1; skipped > 0 {
			violations += int(skipped)
		}
		gc.window, gc.seenKey = w, false
	}
	if pkt.KeyFrame {
		gc.seenKey = true
	}
	return violations
}

// finish closes the last window.
func (gc *gopChecker) finish() int {
	if gc.started && !gc.seenKey {
		gc.seenKey = true
		return 1
	}
	return 0
}
