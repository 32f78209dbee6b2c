package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

const feedExitWait = 2 * time.Second

// FeedSource decodes anything ffmpeg can open (a file, an HTTP or RTMP
// URL) into yuv420p rawvideo at the configured frame rate.
type FeedSource struct {
	cfg  Config
	proc *media.FFmpegProcess
	pipe *rawPipe
}

func NewFeedSource(cfg Config) *FeedSource {
	return &FeedSource{cfg: cfg}
}

func (fs *FeedSource) args(w, h int) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostats", "-nostdin"}
	if fs.cfg.Realtime {
		args = append(args, "-re")
	}
	return append(args,
		"-i", fs.cfg.Device,
		"-an",
		"-r", fmt.Sprintf("%d/%d", fs.cfg.FrameRate.Num, fs.cfg.FrameRate.Den),
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-pix_fmt", "yuv420p",
		"-f", "rawvideo",
		"pipe:1",
	)
}

func (fs *FeedSource) Open(ctx context.Context) (media.StreamInfo, error) {
	if fs.cfg.Device == "" {
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", errors.New("no feed url"))
	}
	ctx = clog.AddVal(ctx, "feed", fs.cfg.Device)
	w, h := fs.cfg.Width, fs.cfg.Height
	if w == 0 || h == 0 {
		info, err := Probe(fs.cfg.Device)
		if err != nil {
			return media.StreamInfo{}, lcerrors.SourceUnavailable("probe", err)
		}
		clog.V(3).Infof(ctx, "Probed feed vcodec=%s %dx%d fps=%.2f", info.Vcodec, info.Width, info.Height, info.FPS)
		w, h = info.Width, info.Height
	}
	if w <= 0 || h <= 0 {
		return media.StreamInfo{}, lcerrors.SourceUnavailable("probe", fmt.Errorf("feed has no usable geometry %dx%d", w, h))
	}
	proc, err := media.StartFFmpeg(ctx, media.FFmpegOptions{Args: fs.args(w, h)})
	if err != nil {
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", err)
	}
	fs.proc = proc
	info := media.StreamInfo{
		Codec:     media.CodecRawVideo,
		Width:     w,
		Height:    h,
		PixFmt:    media.PixFmtYUV420P,
		FrameRate: fs.cfg.FrameRate,
		TimeBase:  fs.cfg.FrameRate.Invert(),
	}
	frameSize := info.PixFmt.FrameSize(w, h)
	fs.pipe = &rawPipe{
		r:         proc.Stdout,
		pool:      media.NewBufferPool(fs.cfg.Buffers, frameSize),
		frameSize: frameSize,
		stall:     fs.cfg.StallTimeout,
		timeBase:  info.TimeBase,
		finite:    true,
	}
	clog.Infof(ctx, "Opened feed %s", info)
	return info, nil
}

func (fs *FeedSource) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if fs.pipe == nil {
		return nil, lcerrors.SourceUnavailable("read_packet", errors.New("source not open"))
	}
	pkt, err := fs.pipe.read(ctx)
	if err == nil || fs.pipe.count > 0 {
		return pkt, err
	}
	// nothing decoded at all. A closed stdout means ffmpeg is on its way
	// out, so give it a moment to report whether the feed ever opened.
	if !errors.Is(err, io.EOF) {
		return nil, err
	}
	timer := time.NewTimer(feedExitWait)
	defer timer.Stop()
	select {
	case <-fs.proc.Done():
		if fs.proc.ExitErr() != nil {
			return nil, lcerrors.SourceUnavailable("open", fmt.Errorf("feed decoder exited: %s", fs.proc.StderrTail()))
		}
	case <-timer.C:
	}
	return nil, err
}

func (fs *FeedSource) Close() error {
	if fs.proc == nil {
		return nil
	}
	// exit status reflects our own interrupt
	fs.proc.Stop(2 * time.Second)
	fs.proc = nil
	return nil
}
