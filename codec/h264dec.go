package codec

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

type H264DecoderOptions struct {
	// Number of decoded frames that may be in flight.
	Buffers      int
	WriteTimeout time.Duration
	CloseTimeout time.Duration
}

// H264Decoder decodes access units with ffmpeg into yuv420p frames of the
// stream geometry. Decoded frames take the smallest outstanding input
// timestamp, which undoes any reordering.
type H264Decoder struct {
	opts      H264DecoderOptions
	width     int
	height    int
	frameSize int
	ctx       context.Context
	cancel    context.CancelFunc

	proc *media.FFmpegProcess
	pool *media.BufferPool

	mu       sync.Mutex
	frames   []*media.RawFrame
	readErr  error
	readDone chan struct{}

	pts     ptsHeap
	seenKey bool
	flushed bool
}

func NewH264Decoder(ctx context.Context, info media.StreamInfo, opts H264DecoderOptions) (*H264Decoder, error) {
	if info.Codec != media.CodecH264 {
		return nil, lcerrors.Configuration("h264dec", "stream codec is %s", info.Codec)
	}
	if info.Width <= 0 || info.Height <= 0 {
		return nil, lcerrors.Configuration("h264dec", "unknown geometry %dx%d", info.Width, info.Height)
	}
	if opts.Buffers <= 0 {
		opts.Buffers = 8
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.CloseTimeout == 0 {
		opts.CloseTimeout = 10 * time.Second
	}
	d := &H264Decoder{
		opts:      opts,
		width:     info.Width,
		height:    info.Height,
		frameSize: media.PixFmtYUV420P.FrameSize(info.Width, info.Height),
		readDone:  make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(clog.AddStage(clog.Clone(context.Background(), ctx), "decode"))
	d.pool = media.NewBufferPool(opts.Buffers, d.frameSize)

	proc, err := media.StartFFmpeg(d.ctx, media.FFmpegOptions{
		Stdin: true,
		Args: []string{
			"-hide_banner", "-loglevel", "warning",
			"-fflags", "nobuffer", "-flags", "low_delay",
			"-probesize", "32", "-analyzeduration", "0",
			"-f", "h264", "-i", "pipe:0",
			"-an",
			"-fps_mode", "passthrough",
			"-pix_fmt", "yuv420p",
			"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
			"-f", "rawvideo", "pipe:1",
		},
	})
	if err != nil {
		d.cancel()
		return nil, lcerrors.Configuration("h264dec", "%v", err)
	}
	d.proc = proc
	go d.readLoop()
	return d, nil
}

func (d *H264Decoder) readLoop() {
	defer close(d.readDone)
	for {
		buf, err := d.pool.Get(d.ctx)
		if err != nil {
			return
		}
		if _, err := io.ReadFull(d.proc.Stdout, buf); err != nil {
			d.pool.Put(buf)
			if !errors.Is(err, io.EOF) {
				d.mu.Lock()
				d.readErr = err
				d.mu.Unlock()
			}
			return
		}
		f, err := media.WrapRawFrame(d.width, d.height, media.PixFmtYUV420P, buf, func() { d.pool.Put(buf) })
		if err != nil {
			d.pool.Put(buf)
			continue
		}
		d.mu.Lock()
		d.frames = append(d.frames, f)
		d.mu.Unlock()
	}
}

func (d *H264Decoder) failure(op string, err error) error {
	if tail := d.proc.StderrTail(); tail != "" {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	return lcerrors.CodecFatal(op, err)
}

// Decode takes ownership of pkt and returns the frames decoded so far.
func (d *H264Decoder) Decode(ctx context.Context, pkt *media.Packet) ([]*media.RawFrame, error) {
	defer pkt.Release()
	if d.flushed {
		return nil, lcerrors.CodecFatal("decode", errors.New("decode after flush"))
	}
	select {
	case <-d.readDone:
		return nil, d.failure("decode", media.ErrProcessExited)
	default:
	}
	if err := media.ValidateAccessUnit(pkt.Data); err != nil {
		return nil, lcerrors.Codec("decode", err)
	}
	if !d.seenKey {
		if !h264.IsRandomAccess(pkt.Data) {
			clog.V(5).Infof(d.ctx, "Dropping access unit before first key frame pts=%d", pkt.PTS)
			return nil, nil
		}
		d.seenKey = true
	}
	b, err := h264.AnnexB(pkt.Data).Marshal()
	if err != nil {
		return nil, lcerrors.Codec("decode", err)
	}
	d.proc.Stdin.SetWriteDeadline(time.Now().Add(d.opts.WriteTimeout))
	if _, err := d.proc.Stdin.Write(b); err != nil {
		return nil, d.failure("decode", err)
	}
	heap.Push(&d.pts, pkt.PTS)
	return d.take(), nil
}

func (d *H264Decoder) take() []*media.RawFrame {
	d.mu.Lock()
	frames := d.frames
	d.frames = nil
	d.mu.Unlock()
	out := frames[:0]
	for _, f := range frames {
		if d.pts.Len() == 0 {
			// more pictures than access units; nothing to time it with
			f.Release()
			continue
		}
		f.PTS = heap.Pop(&d.pts).(int64)
		out = append(out, f)
	}
	return out
}

// Flush returns the frames still buffered in the decoder.
func (d *H264Decoder) Flush(ctx context.Context) ([]*media.RawFrame, error) {
	if d.flushed {
		return nil, nil
	}
	d.flushed = true
	d.proc.CloseStdin()
	timer := time.NewTimer(d.opts.CloseTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-d.readDone:
	case <-timer.C:
		err = d.failure("flush", fmt.Errorf("flush timed out after %s", d.opts.CloseTimeout))
	case <-ctx.Done():
		err = d.failure("flush", ctx.Err())
	}
	return d.take(), err
}

func (d *H264Decoder) Close() error {
	d.cancel()
	err := d.proc.Stop(d.opts.CloseTimeout)
	<-d.readDone
	for _, f := range d.take() {
		f.Release()
	}
	if d.flushed {
		return nil
	}
	return err
}

type ptsHeap []int64

func (h ptsHeap) Len() int           { return len(h) }
func (h ptsHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h ptsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ptsHeap) Push(x any)        { *h = append(*h, x.(int64)) }
func (h *ptsHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
