package main

import (
	"bytes"
	"errors"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livepeer/go-livecast/core"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
	"github.com/livepeer/go-livecast/publish"
)

func TestParseFlags_Defaults(t *testing.T) {
	assert := assert.New(t)
	cfg, err := parseFlags(flag.NewFlagSet("livecast", flag.ContinueOnError), nil)
	require.NoError(t, err)
	s, err := cfg.settings()
	require.NoError(t, err)

	assert.Equal("rtmp://localhost/publishlive/livestream", s.output)
	assert.Equal("x11grab", s.capture.Input)
	assert.Equal(1920, s.pipeline.Width)
	assert.Equal(1080, s.pipeline.Height)
	assert.Equal(media.PixFmtYUV420P, s.pipeline.PixFmt)
	assert.Equal(int64(400000), s.pipeline.Bitrate)
	assert.Equal(media.Rational{Num: 50, Den: 1}, s.pipeline.FrameRate)
	assert.Equal(12, s.pipeline.GOP)
	assert.Equal("bicubic", s.pipeline.Kernel)
	assert.Equal(media.DropOldest, s.pipeline.DropPolicy)
	assert.Equal(core.DefaultQueueSize+4, s.capture.Buffers)
	assert.Equal(publish.FormatAuto, s.publish.Format)
	assert.Len(s.streamID, 36, "random uuid")
	assert.Equal(s.streamID, s.pipeline.StreamID)
}

func TestParseFlags_Sources(t *testing.T) {
	assert := assert.New(t)
	conf := filepath.Join(t.TempDir(), "livecast.conf")
	require.NoError(t, os.WriteFile(conf, []byte("gop 25\nbitrate 2.5M\n"), 0644))
	t.Setenv("LIVECAST_FPS", "30000/1001")

	cfg, err := parseFlags(flag.NewFlagSet("livecast", flag.ContinueOnError), []string{
		"-config", conf,
		"-output", "out.ts",
		"-gop", "30",
		"-dropPolicy", "drop-newest",
		"-writeTimeout", "2s",
	})
	require.NoError(t, err)
	s, err := cfg.settings()
	require.NoError(t, err)
	assert.Equal(30, s.pipeline.GOP, "flags win over the config file")
	assert.Equal(int64(2500000), s.pipeline.Bitrate)
	assert.Equal(media.Rational{Num: 30000, Den: 1001}, s.pipeline.FrameRate)
	assert.Equal(s.pipeline.FrameRate, s.capture.FrameRate)
	assert.Equal(media.DropNewest, s.pipeline.DropPolicy)
	assert.Equal(2*time.Second, s.publish.WriteTimeout)
	assert.Equal("out.ts", s.output)
}

func TestSettings_DropPolicy(t *testing.T) {
	for _, tt := range []struct {
		args []string
		want media.DropPolicy
	}{
		{[]string{"-input", "x11grab"}, media.DropOldest},
		{[]string{"-input", "rtsp", "-dropPolicy", "drop-newest"}, media.DropNewest},
		{[]string{"-input", "v4l2", "-dropPolicy", "block"}, media.Block},
		{[]string{"-input", "testsrc", "-frames", "120"}, media.Block},
		{[]string{"-input", "feed", "-device", "in.mp4", "-dropPolicy", "drop-newest"}, media.Block},
		{[]string{"-input", "testsrc", "-realtime"}, media.DropOldest},
	} {
		cfg, err := parseFlags(flag.NewFlagSet("livecast", flag.ContinueOnError), tt.args)
		require.NoError(t, err, tt.args)
		s, err := cfg.settings()
		require.NoError(t, err, tt.args)
		assert.Equal(t, tt.want, s.pipeline.DropPolicy, tt.args)
		assert.Equal(t, *cfg.QueueSize+4, s.capture.Buffers)
	}
}

func TestSettings_Invalid(t *testing.T) {
	for _, args := range [][]string{
		{"-size", "1920"},
		{"-pixFmt", "p010"},
		{"-bitrate", "fast"},
		{"-fps", "0"},
		{"-dropPolicy", "random"},
		{"-format", "mp4"},
		{"-captureSize", "axb"},
	} {
		cfg, err := parseFlags(flag.NewFlagSet("livecast", flag.ContinueOnError), args)
		require.NoError(t, err, args)
		_, err = cfg.settings()
		assert.Error(t, err, args)
	}

	_, err := parseFlags(flag.NewFlagSet("livecast", flag.ContinueOnError), []string{"-nope"})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(exitOK, exitCode(nil))
	assert.Equal(exitNegotiation, exitCode(&core.PipelineError{
		Phase: core.StateNegotiating,
		Err:   lcerrors.Configuration("negotiate", "odd size"),
	}))
	assert.Equal(exitRunning, exitCode(&core.PipelineError{
		Phase: core.StateRunning,
		Err:   lcerrors.Transport("write_packet", errors.New("reset")),
	}))
	// failures before the pipeline exists happen while negotiating
	assert.Equal(exitNegotiation, exitCode(lcerrors.Configuration("open_output", "unsupported output scheme")))
}

func TestPrintConfig(t *testing.T) {
	cfg, err := parseFlags(flag.NewFlagSet("livecast", flag.ContinueOnError), []string{"-gop", "25", "-output", "out.flv"})
	require.NoError(t, err)
	var buf bytes.Buffer
	cfg.printConfig(&buf)
	out := buf.String()
	assert.Contains(t, out, "GOP")
	assert.Contains(t, out, "25")
	assert.Contains(t, out, "out.flv")
	assert.NotContains(t, out, "Bitrate", "defaults are left out")
}
