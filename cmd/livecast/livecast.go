/*
Livecast captures a display, camera or feed, encodes it to H.264 and
publishes it live over RTMP, SRT or UDP, or records it to a file.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/peterbourgon/ff/v3"

	"github.com/livepeer/go-livecast/capture"
	"github.com/livepeer/go-livecast/clog"
	"github.com/livepeer/go-livecast/codec"
	"github.com/livepeer/go-livecast/core"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
	"github.com/livepeer/go-livecast/monitor"
	"github.com/livepeer/go-livecast/publish"
)

const (
	exitOK          = 0
	exitFlags       = 1
	exitNegotiation = 2
	exitRunning     = 3
)

var version = "undefined"

type livecastConfig struct {
	// Input
	Input       *string
	Device      *string
	CaptureSize *string
	Realtime    *bool
	Frames      *int

	// Output
	Output           *string
	Format           *string
	TransportRetries *int
	WriteTimeout     *time.Duration

	// Encoding
	Size    *string
	PixFmt  *string
	Bitrate *string
	FPS     *string
	GOP     *int
	Kernel  *string
	Preset  *string
	Tune    *string

	// Pipeline
	QueueSize       *int
	DropPolicy      *string
	MaxFrames       *int
	CodecErrorLimit *int
	StreamID        *string

	// Metrics
	Monitor     *bool
	MonitorAddr *string
	Version     *bool
}

func newLivecastConfig(fs *flag.FlagSet) livecastConfig {
	var cfg livecastConfig

	cfg.Input = fs.String("input", capture.InputX11Grab, "Input kind: x11grab, v4l2, rtsp, feed or testsrc")
	cfg.Device = fs.String("device", "", "Display, device node, URL or path to capture from. Defaults to $DISPLAY for x11grab and /dev/video0 for v4l2")
	cfg.CaptureSize = fs.String("captureSize", "", "Capture geometry WxH; probed from the input when empty")
	cfg.Realtime = fs.Bool("realtime", false, "Pace file feeds and the test source at -fps")
	cfg.Frames = fs.Int("frames", 0, "Frames generated by the test source, 0 for unlimited")

	cfg.Output = fs.String("output", "rtmp://localhost/publishlive/livestream", "rtmp://, srt:// or udp:// URL, or a file path")
	cfg.Format = fs.String("format", "", "Container: flv or mpegts. Taken from the output scheme or extension when empty")
	cfg.TransportRetries = fs.Int("transportRetries", 3, "Retries of a stalled network write before giving up")
	cfg.WriteTimeout = fs.Duration("writeTimeout", 5*time.Second, "Deadline of a single network write")

	cfg.Size = fs.String("size", "1920x1080", "Output geometry WxH")
	cfg.PixFmt = fs.String("pixFmt", "yuv420p", "Output pixel format: yuv420p or nv12")
	cfg.Bitrate = fs.String("bitrate", "400k", "Video bitrate in bits per second, SI suffixes allowed")
	cfg.FPS = fs.String("fps", "50", "Output frame rate, e.g. 50 or 30000/1001")
	cfg.GOP = fs.Int("gop", 12, "Frames per group of pictures")
	cfg.Kernel = fs.String("kernel", "bicubic", "Scaling kernel: bicubic, bilinear, fast_bilinear or neighbor")
	cfg.Preset = fs.String("preset", "veryfast", "x264 preset")
	cfg.Tune = fs.String("tune", "zerolatency", "x264 tune")

	cfg.QueueSize = fs.Int("queueSize", core.DefaultQueueSize, "Frames buffered between capture and encode")
	cfg.DropPolicy = fs.String("dropPolicy", "drop-oldest", "What to discard when the queue of a live input is full: drop-oldest, drop-newest or block. Inputs that are not paced in real time always block")
	cfg.MaxFrames = fs.Int("maxFrames", 0, "Stop after encoding this many frames, 0 for unlimited")
	cfg.CodecErrorLimit = fs.Int("codecErrorLimit", core.DefaultCodecErrorLimit, "Consecutive codec errors tolerated before the stream fails")
	cfg.StreamID = fs.String("streamId", "", "Identifies the stream in logs and metrics. Random when empty")

	cfg.Monitor = fs.Bool("monitor", false, "Expose prometheus metrics and the pipeline status")
	cfg.MonitorAddr = fs.String("monitorAddr", "127.0.0.1:7935", "Address serving /metrics and /status")
	cfg.Version = fs.Bool("version", false, "Print out the version")

	// Config file
	_ = fs.String("config", "", "Config file in the format 'key value', flags and env vars take precedence over the config file")
	return cfg
}

// printConfig lists the settings that differ from their defaults.
func (cfg livecastConfig) printConfig(w io.Writer) {
	defCfg := newLivecastConfig(flag.NewFlagSet("defaults", flag.ContinueOnError))
	vDefCfg := reflect.ValueOf(defCfg)
	vCfg := reflect.ValueOf(cfg)
	cfgType := vCfg.Type()
	paramTable := tablewriter.NewWriter(w)
	for i := 0; i < cfgType.NumField(); i++ {
		if vCfg.Field(i).Elem().Interface() != vDefCfg.Field(i).Elem().Interface() {
			paramTable.Append([]string{cfgType.Field(i).Name, fmt.Sprintf("%v", vCfg.Field(i).Elem())})
		}
	}
	paramTable.SetAlignment(tablewriter.ALIGN_LEFT)
	paramTable.SetCenterSeparator("*")
	paramTable.SetColumnSeparator("|")
	paramTable.Render()
}

func parseFlags(fs *flag.FlagSet, args []string) (livecastConfig, error) {
	cfg := newLivecastConfig(fs)
	err := ff.Parse(fs, args,
		ff.WithConfigFileFlag("config"),
		ff.WithEnvVarPrefix("LIVECAST"),
	)
	return cfg, err
}

// settings turns the flag values into component configurations.
type settings struct {
	capture   capture.Config
	pipeline  core.Config
	publish   publish.Options
	encoder   codec.X264Options
	output    string
	streamID  string
	monitor   bool
	monitorAt string
}

func (cfg livecastConfig) settings() (*settings, error) {
	s := &settings{
		output:    *cfg.Output,
		streamID:  *cfg.StreamID,
		monitor:   *cfg.Monitor,
		monitorAt: *cfg.MonitorAddr,
	}
	if s.streamID == "" {
		s.streamID = uuid.New().String()
	}

	w, h, err := media.ParseSize(*cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("invalid -size: %w", err)
	}
	pixFmt, err := media.ParsePixelFormat(*cfg.PixFmt)
	if err != nil {
		return nil, fmt.Errorf("invalid -pixFmt: %w", err)
	}
	bitrate, unit, err := humanize.ParseSI(*cfg.Bitrate)
	if err != nil || (unit != "" && !strings.EqualFold(unit, "bps")) {
		return nil, fmt.Errorf("invalid -bitrate %q", *cfg.Bitrate)
	}
	fps, err := media.ParseRational(*cfg.FPS)
	if err != nil {
		return nil, fmt.Errorf("invalid -fps: %w", err)
	}
	if !fps.Valid() {
		return nil, fmt.Errorf("invalid -fps %q", *cfg.FPS)
	}
	policy, err := media.ParseDropPolicy(*cfg.DropPolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid -dropPolicy: %w", err)
	}
	format, err := publish.ParseFormat(*cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("invalid -format: %w", err)
	}
	var cw, ch int
	if *cfg.CaptureSize != "" {
		if cw, ch, err = media.ParseSize(*cfg.CaptureSize); err != nil {
			return nil, fmt.Errorf("invalid -captureSize: %w", err)
		}
	}

	s.capture = capture.Config{
		Input:     *cfg.Input,
		Device:    *cfg.Device,
		Width:     cw,
		Height:    ch,
		FrameRate: fps,
		Buffers:   *cfg.QueueSize + 4,
		Frames:    *cfg.Frames,
		Realtime:  *cfg.Realtime,
	}
	if !s.capture.Live() {
		// a file or an unpaced test pattern can wait for the encoder
		policy = media.Block
	}
	s.pipeline = core.Config{
		StreamID:        s.streamID,
		Width:           w,
		Height:          h,
		PixFmt:          pixFmt,
		Bitrate:         int64(bitrate),
		FrameRate:       fps,
		GOP:             *cfg.GOP,
		Kernel:          *cfg.Kernel,
		QueueSize:       *cfg.QueueSize,
		DropPolicy:      policy,
		MaxFrames:       *cfg.MaxFrames,
		CodecErrorLimit: *cfg.CodecErrorLimit,
	}
	s.publish = publish.Options{
		Format:           format,
		TransportRetries: *cfg.TransportRetries,
		WriteTimeout:     *cfg.WriteTimeout,
	}
	if *cfg.TransportRetries == 0 {
		// publish.Options reads zero as its default
		s.publish.TransportRetries = -1
	}
	s.encoder = codec.X264Options{Preset: *cfg.Preset, Tune: *cfg.Tune}
	return s, nil
}

// exitCode tells a failed negotiation apart from a failure mid-stream.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var perr *core.PipelineError
	if errors.As(err, &perr) && perr.Phase == core.StateRunning {
		return exitRunning
	}
	return exitNegotiation
}

func run(ctx context.Context, s *settings) error {
	src, err := capture.New(s.capture)
	if err != nil {
		return err
	}
	pub, err := publish.New(s.output, s.publish)
	if err != nil {
		return err
	}
	s.pipeline.Live = pub.Live()
	p, err := core.NewPipeline(s.pipeline, core.Components{
		Source:    src,
		Encoder:   codec.NewX264Encoder(s.encoder),
		Publisher: pub,
	})
	if err != nil {
		return err
	}

	if s.monitor {
		monitor.Enabled = true
		monitor.InitCensus(s.streamID, s.output, version)
		srv := startMonitor(ctx, s.monitorAt)
		defer srv.Close()
	}

	err = p.Run(ctx)
	st := p.Stats()
	ps := pub.Stats()
	clog.InfofErr(ctx, "Stream finished state=%s frames=%d packets=%d bytes=%s retries=%d",
		st.State, st.FramesEncoded, ps.Packets, humanize.Bytes(ps.Bytes), ps.Retries, err)
	return err
}

func startMonitor(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitor.Exporter)
	mux.Handle("/status", monitor.StatusHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		clog.Infof(ctx, "Serving metrics on http://%s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			clog.Errorf(ctx, "Metrics server failed err=%q", err)
		}
	}()
	return srv
}

func main() {
	// Override the default flag set since there are dependencies that
	// incorrectly add their own flags (specifically, due to the 'testing'
	// package being linked)
	flag.Set("logtostderr", "true")
	vFlag := flag.Lookup("v")
	// glog's verbosity is carried over before the default set is replaced
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	verbosity := flag.String("v", "3", "Log verbosity.  {4|5|6}")

	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		glog.Errorf("Error parsing flags: %v", err)
		os.Exit(exitFlags)
	}
	vFlag.Value.Set(*verbosity)

	if *cfg.Version {
		fmt.Println("Livecast Version: " + version)
		return
	}

	s, err := cfg.settings()
	if err != nil {
		glog.Errorf("%v", err)
		os.Exit(exitFlags)
	}
	cfg.printConfig(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = clog.AddSessionID(ctx, s.streamID)
	glog.Infof("***Livecast is running %s -> %s***", s.capture.Input, s.output)

	err = run(ctx, s)
	code := exitCode(err)
	if err != nil {
		if code == exitNegotiation && lcerrors.Is(err, lcerrors.KindConfiguration) {
			glog.Errorf("Configuration error: %v", err)
		} else {
			glog.Errorf("Stream failed: %v", err)
		}
	}
	glog.Flush()
	stop()
	os.Exit(code)
}
