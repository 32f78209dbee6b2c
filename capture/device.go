package capture

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

const probeTimeout = 10 * time.Second

// DeviceSource grabs a screen (x11grab) or a camera (v4l2) through ffmpeg
// and hands out one rawvideo packet per picture.
type DeviceSource struct {
	cfg  Config
	proc *media.FFmpegProcess
	pipe *rawPipe
	info media.StreamInfo
}

func NewDeviceSource(cfg Config) *DeviceSource {
	if cfg.PixFmt == media.PixFmtNone {
		cfg.PixFmt = media.PixFmtBGR0
		if cfg.Input == InputV4L2 {
			cfg.PixFmt = media.PixFmtYUYV422
		}
	}
	return &DeviceSource{cfg: cfg}
}

func (ds *DeviceSource) args() []string {
	cfg := ds.cfg
	args := []string{"-hide_banner", "-loglevel", "info", "-nostats", "-nostdin",
		"-f", cfg.Input,
		"-framerate", fmt.Sprintf("%d/%d", cfg.FrameRate.Num, cfg.FrameRate.Den),
	}
	if cfg.Input == InputX11Grab {
		args = append(args, "-draw_mouse", "1")
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
	}
	return append(args,
		"-i", cfg.Device,
		"-an",
		"-c:v", "rawvideo",
		"-pix_fmt", cfg.PixFmt.String(),
		"-f", "rawvideo",
		"pipe:1",
	)
}

// Open starts grabbing and waits until ffmpeg reports the capture geometry.
func (ds *DeviceSource) Open(ctx context.Context) (media.StreamInfo, error) {
	if ds.cfg.Device == "" {
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", errors.New("no capture device, is DISPLAY set?"))
	}
	ctx = clog.AddVal(ctx, "device", ds.cfg.Device)

	geometry := make(chan [2]int, 1)
	proc, err := media.StartFFmpeg(ctx, media.FFmpegOptions{
		Args: ds.args(),
		OnStderrLine: func(line string) {
			if w, h, ok := parseStreamGeometry(line); ok {
				select {
				case geometry <- [2]int{w, h}:
				default:
				}
			}
		},
	})
	if err != nil {
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", err)
	}

	w, h := ds.cfg.Width, ds.cfg.Height
	timer := time.NewTimer(probeTimeout)
	defer timer.Stop()
	select {
	case g := <-geometry:
		if w == 0 || h == 0 {
			w, h = g[0], g[1]
		}
	case <-proc.Done():
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", fmt.Errorf("%s exited: %s", ds.cfg.Input, proc.StderrTail()))
	case <-timer.C:
		proc.Stop(time.Second)
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", fmt.Errorf("no stream reported after %s", probeTimeout))
	case <-ctx.Done():
		proc.Stop(time.Second)
		return media.StreamInfo{}, ctx.Err()
	}

	ds.proc = proc
	ds.info = media.StreamInfo{
		Codec:     media.CodecRawVideo,
		Width:     w,
		Height:    h,
		PixFmt:    ds.cfg.PixFmt,
		FrameRate: ds.cfg.FrameRate,
		TimeBase:  ds.cfg.FrameRate.Invert(),
	}
	frameSize := ds.cfg.PixFmt.FrameSize(w, h)
	ds.pipe = &rawPipe{
		r:         proc.Stdout,
		pool:      media.NewBufferPool(ds.cfg.Buffers, frameSize),
		frameSize: frameSize,
		stall:     ds.cfg.StallTimeout,
		timeBase:  ds.info.TimeBase,
	}
	clog.Infof(ctx, "Opened %s capture %s", ds.cfg.Input, ds.info)
	return ds.info, nil
}

func (ds *DeviceSource) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if ds.pipe == nil {
		return nil, lcerrors.SourceUnavailable("read_packet", errors.New("source not open"))
	}
	return ds.pipe.read(ctx)
}

func (ds *DeviceSource) Close() error {
	if ds.proc == nil {
		return nil
	}
	// exit status reflects our own interrupt
	ds.proc.Stop(2 * time.Second)
	ds.proc = nil
	return nil
}

// matches "Stream #0:0: Video: rawvideo (BGR[0] / 0x30524742), bgr0, 3840x2160, ..."
var streamGeometryRe = regexp.MustCompile(`Stream #\d+:\d+.*: Video: .*?, (\d{2,5})x(\d{2,5})`)

func parseStreamGeometry(line string) (int, int, bool) {
	m := streamGeometryRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return w, h, true
}
