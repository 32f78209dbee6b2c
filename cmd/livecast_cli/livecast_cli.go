package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/livepeer/lpms/ffmpeg"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"

	"github.com/livepeer/go-livecast/capture"
	"github.com/livepeer/go-livecast/core"
	"github.com/livepeer/go-livecast/media"
	"github.com/livepeer/go-livecast/publish"
)

func main() {
	app := newApp(os.Stdout)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "livecast_cli"
	app.Usage = "inspect inputs and validate livecast settings"
	app.Writer = out
	app.Commands = []cli.Command{
		{
			Name:      "probe",
			Usage:     "print the video stream of a file or URL",
			ArgsUsage: "<file or url>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("probe needs exactly one input", 1)
				}
				return probe(c.App.Writer, c.Args().First())
			},
		},
		{
			Name:  "check",
			Usage: "negotiate an output stream without opening anything",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "inputSize", Value: "1920x1080", Usage: "source geometry WxH"},
				cli.StringFlag{Name: "size", Usage: "output geometry WxH, the source geometry when empty"},
				cli.StringFlag{Name: "pixFmt", Value: "yuv420p", Usage: "output pixel format"},
				cli.StringFlag{Name: "bitrate", Value: "400k", Usage: "bits per second, SI suffixes allowed"},
				cli.StringFlag{Name: "fps", Value: "50", Usage: "output frame rate"},
				cli.IntFlag{Name: "gop", Value: 12, Usage: "frames per group of pictures"},
				cli.StringFlag{Name: "format", Value: "flv", Usage: "container: flv or mpegts"},
			},
			Action: func(c *cli.Context) error {
				return check(c)
			},
		},
	}
	return app
}

func probe(w io.Writer, input string) error {
	ffmpeg.InitFFmpeg()
	info, err := capture.Probe(input)
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Property", "Value"})
	table.Append([]string{"Video codec", info.Vcodec})
	table.Append([]string{"Audio codec", info.Acodec})
	table.Append([]string{"Geometry", fmt.Sprintf("%dx%d", info.Width, info.Height)})
	table.Append([]string{"Frame rate", strconv.FormatFloat(float64(info.FPS), 'f', 2, 64)})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()
	return nil
}

func check(c *cli.Context) error {
	inW, inH, err := media.ParseSize(c.String("inputSize"))
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	cfg := core.Config{GOP: c.Int("gop")}
	if s := c.String("size"); s != "" {
		if cfg.Width, cfg.Height, err = media.ParseSize(s); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
	}
	if cfg.PixFmt, err = media.ParsePixelFormat(c.String("pixFmt")); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	bitrate, _, err := humanize.ParseSI(c.String("bitrate"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid bitrate %q", c.String("bitrate")), 1)
	}
	cfg.Bitrate = int64(bitrate)
	if cfg.FrameRate, err = media.ParseRational(c.String("fps")); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	format, err := publish.ParseFormat(c.String("format"))
	if err != nil || format == publish.FormatAuto {
		return cli.NewExitError(fmt.Sprintf("invalid format %q", c.String("format")), 1)
	}

	info := media.StreamInfo{
		Codec:     media.CodecRawVideo,
		Width:     inW,
		Height:    inH,
		PixFmt:    media.PixFmtBGR0,
		FrameRate: cfg.FrameRate,
	}
	d, err := core.Negotiate(info, cfg, format.TimeBase())
	if err != nil {
		return cli.NewExitError(err.Error(), 2)
	}

	table := tablewriter.NewWriter(c.App.Writer)
	table.SetHeader([]string{"Setting", "Value"})
	table.Append([]string{"Container", format.String()})
	table.Append([]string{"Geometry", fmt.Sprintf("%dx%d -> %dx%d", inW, inH, d.Width, d.Height)})
	table.Append([]string{"Pixel format", d.PixFmt.String()})
	table.Append([]string{"Bitrate", humanize.SI(float64(d.Bitrate), "bps")})
	table.Append([]string{"GOP", strconv.Itoa(d.GOP)})
	table.Append([]string{"Encoder time-base", d.EncoderTimeBase.String()})
	table.Append([]string{"Container time-base", d.ContainerTimeBase.String()})
	table.Append([]string{"PTS scale", strconv.FormatInt(d.PTSScale, 10)})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Render()
	return nil
}
