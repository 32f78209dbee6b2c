package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

var errNotConfigured = errors.New("encoder not configured")

type X264Options struct {
	// x264 preset, defaults to veryfast.
	Preset string
	// x264 tune, defaults to zerolatency.
	Tune string
	// How long a frame write may block before the encoder is considered stuck.
	WriteTimeout time.Duration
	// How long Flush and Close wait for ffmpeg to finish.
	CloseTimeout time.Duration
}

// X264Encoder encodes frames with libx264 in an ffmpeg subprocess. Raw
// frames go in on stdin, Annex-B access units come back on stdout and are
// matched in order with the timestamps of the submitted frames.
type X264Encoder struct {
	opts X264Options
	desc media.StreamDescriptor
	ctx  context.Context

	proc *media.FFmpegProcess

	mu       sync.Mutex
	aus      [][][]byte
	readErr  error
	readDone chan struct{}

	// submitted, not yet returned frames; caller goroutine only
	pending []pendingFrame
	flushed bool
}

type pendingFrame struct {
	pts      int64
	keyFrame bool
}

func NewX264Encoder(opts X264Options) *X264Encoder {
	if opts.Preset == "" {
		opts.Preset = "veryfast"
	}
	if opts.Tune == "" {
		opts.Tune = "zerolatency"
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.CloseTimeout == 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	return &X264Encoder{opts: opts}
}

func (e *X264Encoder) args() []string {
	d := e.desc
	bitrate := strconv.FormatInt(d.Bitrate, 10)
	gop := strconv.Itoa(d.GOP)
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", d.PixFmt.String(),
		"-s", fmt.Sprintf("%dx%d", d.Width, d.Height),
		"-framerate", fmt.Sprintf("%d/%d", d.FrameRate.Num, d.FrameRate.Den),
		"-i", "pipe:0",
		"-an",
		"-c:v", "libx264",
		"-preset", e.opts.Preset,
		"-tune", e.opts.Tune,
		"-pix_fmt", "yuv420p",
		"-b:v", bitrate,
		"-maxrate", bitrate,
		"-bufsize", strconv.FormatInt(2*d.Bitrate, 10),
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
		"-bf", "0",
		"-force_key_frames", "expr:eq(mod(n," + gop + "),0)",
		"-x264-params", "aud=1:repeat-headers=1",
		"-fps_mode", "passthrough",
		"-f", "h264",
		"pipe:1",
	}
}

// Configure fixes the encoding parameters and starts the encoder.
func (e *X264Encoder) Configure(ctx context.Context, desc media.StreamDescriptor) error {
	if e.proc != nil {
		return lcerrors.Configuration("encoder", "already configured")
	}
	if desc.Codec != media.CodecH264 {
		return lcerrors.Configuration("encoder", "unsupported codec %s", desc.Codec)
	}
	if desc.PixFmt != media.PixFmtYUV420P && desc.PixFmt != media.PixFmtNV12 {
		return lcerrors.Configuration("encoder", "unsupported input pixel format %s", desc.PixFmt)
	}
	e.desc = desc
	e.ctx = clog.AddStage(clog.Clone(context.Background(), ctx), "encode")
	proc, err := media.StartFFmpeg(e.ctx, media.FFmpegOptions{Args: e.args(), Stdin: true})
	if err != nil {
		return lcerrors.Configuration("encoder", "%v", err)
	}
	e.proc = proc
	e.readDone = make(chan struct{})
	go e.readLoop(proc.Stdout)
	clog.Infof(e.ctx, "Started x264 encoder %dx%d %s bitrate=%d gop=%d preset=%s", desc.Width, desc.Height, desc.FrameRate, desc.Bitrate, desc.GOP, e.opts.Preset)
	return nil
}

func (e *X264Encoder) readLoop(r io.Reader) {
	defer close(e.readDone)
	ar := media.NewAccessUnitReader(r)
	for {
		au, err := ar.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.mu.Lock()
				e.readErr = err
				e.mu.Unlock()
			}
			return
		}
		e.mu.Lock()
		e.aus = append(e.aus, au)
		e.mu.Unlock()
	}
}

func (e *X264Encoder) exited() bool {
	select {
	case <-e.readDone:
		return true
	default:
		return false
	}
}

func (e *X264Encoder) failure(err error) error {
	if tail := e.proc.StderrTail(); tail != "" {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	return lcerrors.CodecFatal("encode", err)
}

// Encode submits f and returns the next finished packet, if any. A nil
// packet with a nil error means the encoder has nothing to hand out yet.
// The frame is copied before Encode returns.
func (e *X264Encoder) Encode(ctx context.Context, f *media.RawFrame) (*media.Packet, error) {
	if e.proc == nil {
		return nil, lcerrors.CodecFatal("encode", errNotConfigured)
	}
	if e.flushed {
		return nil, lcerrors.CodecFatal("encode", errors.New("encode after flush"))
	}
	if e.exited() {
		return nil, e.failure(media.ErrProcessExited)
	}
	if f.Width != e.desc.Width || f.Height != e.desc.Height || f.PixFmt != e.desc.PixFmt {
		return nil, lcerrors.CodecFatal("encode", fmt.Errorf("frame is %dx%d %s, encoder expects %dx%d %s",
			f.Width, f.Height, f.PixFmt, e.desc.Width, e.desc.Height, e.desc.PixFmt))
	}
	e.proc.Stdin.SetWriteDeadline(time.Now().Add(e.opts.WriteTimeout))
	if err := writeFrame(e.proc.Stdin, f); err != nil {
		return nil, e.failure(err)
	}
	e.pending = append(e.pending, pendingFrame{pts: f.PTS, keyFrame: f.KeyFrame})
	return e.next(), nil
}

func (e *X264Encoder) next() *media.Packet {
	e.mu.Lock()
	if len(e.aus) == 0 {
		e.mu.Unlock()
		return nil
	}
	au := e.aus[0]
	e.aus[0] = nil
	e.aus = e.aus[1:]
	e.mu.Unlock()

	if len(e.pending) == 0 {
		clog.Warningf(e.ctx, "Dropping access unit with no matching frame nalus=%d", len(au))
		return nil
	}
	pf := e.pending[0]
	e.pending = e.pending[1:]

	pkt := media.NewPacket(media.CodecH264, au, nil)
	pkt.PTS = pf.pts
	pkt.DTS = pf.pts
	pkt.HasDTS = true
	pkt.KeyFrame = h264.IsRandomAccess(au)
	if pf.keyFrame && !pkt.KeyFrame {
		clog.Warningf(e.ctx, "Key frame requested but not produced pts=%d", pf.pts)
	}
	return pkt
}

// Flush ends the stream and returns every packet still held by the encoder.
func (e *X264Encoder) Flush(ctx context.Context) ([]*media.Packet, error) {
	if e.proc == nil {
		return nil, nil
	}
	if e.flushed {
		return nil, lcerrors.CodecFatal("flush", errors.New("flushed twice"))
	}
	e.flushed = true
	e.proc.CloseStdin()

	timer := time.NewTimer(e.opts.CloseTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-e.readDone:
		if werr := e.proc.Wait(ctx); werr != nil {
			err = e.failure(werr)
		}
	case <-timer.C:
		err = e.failure(fmt.Errorf("flush timed out after %s", e.opts.CloseTimeout))
	case <-ctx.Done():
		err = e.failure(ctx.Err())
	}

	var pkts []*media.Packet
	for {
		pkt := e.next()
		if pkt == nil {
			break
		}
		pkts = append(pkts, pkt)
	}
	if len(e.pending) > 0 {
		clog.Warningf(e.ctx, "Encoder returned fewer packets than frames missing=%d", len(e.pending))
		e.pending = nil
	}
	return pkts, err
}

func (e *X264Encoder) Close() error {
	if e.proc == nil {
		return nil
	}
	err := e.proc.Stop(e.opts.CloseTimeout)
	<-e.readDone
	e.mu.Lock()
	e.aus = nil
	e.mu.Unlock()
	if e.flushed {
		// already accounted for in Flush
		return nil
	}
	return err
}

// writeFrame writes the visible part of every plane of f.
func writeFrame(w io.Writer, f *media.RawFrame) error {
	for i, pl := range f.PixFmt.Planes(f.Width, f.Height) {
		plane, stride := f.Planes[i], f.Strides[i]
		if stride == pl.Stride {
			if _, err := w.Write(plane[:pl.Stride*pl.Rows]); err != nil {
				return err
			}
			continue
		}
		for row := 0; row < pl.Rows; row++ {
			if _, err := w.Write(plane[row*stride : row*stride+pl.Stride]); err != nil {
				return err
			}
		}
	}
	return nil
}
