// Package publish muxes encoded H.264 into FLV or MPEG-TS and delivers it
// over RTMP, SRT, UDP or to a local file.
package publish

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/livepeer/joy4/format/rtmp"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
	"github.com/livepeer/go-livecast/monitor"
)

type Format int

const (
	FormatAuto Format = iota
	FormatFLV
	FormatMPEGTS
)

var (
	flvTimeBase    = media.Rational{Num: 1, Den: 1000}
	mpegtsTimeBase = media.Rational{Num: 1, Den: 90000}
)

func (f Format) String() string {
	switch f {
	case FormatFLV:
		return "flv"
	case FormatMPEGTS:
		return "mpegts"
	}
	return "auto"
}

// TimeBase returns the time-base packets must be stamped in for f.
func (f Format) TimeBase() media.Rational {
	if f == FormatMPEGTS {
		return mpegtsTimeBase
	}
	return flvTimeBase
}

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return FormatAuto, nil
	case "flv":
		return FormatFLV, nil
	case "mpegts", "ts":
		return FormatMPEGTS, nil
	}
	return FormatAuto, lcerrors.Configuration("format", "unknown output format %q", s)
}

// HeaderOptions carries what the container header needs about the stream.
type HeaderOptions struct {
	Descriptor media.StreamDescriptor
	// Parameter sets from the first key frame.
	SPS []byte
	PPS []byte
	// Never write or patch duration and filesize, as for a live stream.
	NoDurationFilesize bool
}

type Options struct {
	Format Format
	// Retries of a transient write failure before giving up.
	TransportRetries int
	// Deadline of a single network write.
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if o.TransportRetries < 0 {
		o.TransportRetries = 0
	} else if o.TransportRetries == 0 {
		o.TransportRetries = 3
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// muxer is a container writer bound to an open transport.
type muxer interface {
	WriteHeader(opts HeaderOptions) error
	WritePacket(pkt *media.Packet) error
	WriteTrailer() error
	Close() error
}

// Stats counts what went out.
type Stats struct {
	Packets uint64
	Bytes   uint64
	Retries uint64
}

// Publisher writes one stream to one destination. The header and trailer
// are each written once, packets in between in non-decreasing DTS order.
type Publisher struct {
	output string
	scheme string
	target *url.URL
	format Format
	opts   Options

	mux muxer

	mu      sync.Mutex
	header  bool
	trailer bool
	closed  bool
	hasDTS  bool
	lastDTS int64
	stats   Stats
}

// New resolves output to a transport and container but opens nothing.
// Outputs are rtmp:// (FLV), srt:// and udp:// (MPEG-TS), or a file path
// or file:// URL whose container comes from format or the extension.
func New(output string, opts Options) (*Publisher, error) {
	opts.setDefaults()
	p := &Publisher{output: output, opts: opts}
	u, err := url.Parse(output)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// a bare path, or a windows drive letter
		u = &url.URL{Scheme: "file", Path: output}
	}
	p.scheme = strings.ToLower(u.Scheme)
	p.target = u

	switch p.scheme {
	case "rtmp":
		if opts.Format == FormatMPEGTS {
			return nil, lcerrors.Configuration("open_output", "rtmp output only carries flv")
		}
		p.format = FormatFLV
	case "srt", "udp":
		if opts.Format == FormatFLV {
			return nil, lcerrors.Configuration("open_output", "%s output only carries mpegts", p.scheme)
		}
		if u.Host == "" {
			return nil, lcerrors.Configuration("open_output", "missing host in %q", output)
		}
		p.format = FormatMPEGTS
	case "file":
		if u.Path == "" {
			return nil, lcerrors.Configuration("open_output", "missing path in %q", output)
		}
		p.format = opts.Format
		if p.format == FormatAuto {
			p.format = formatFromExt(u.Path)
		}
		if p.format == FormatAuto {
			return nil, lcerrors.Configuration("open_output", "cannot tell the container of %q, set the format", output)
		}
	default:
		return nil, lcerrors.Configuration("open_output", "unsupported output scheme %q", u.Scheme)
	}
	return p, nil
}

func formatFromExt(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".flv":
		return FormatFLV
	case ".ts", ".m2ts", ".mts", ".mpegts":
		return FormatMPEGTS
	}
	return FormatAuto
}

func (p *Publisher) Format() Format {
	return p.format
}

// TimeBase is the container time-base of the output.
func (p *Publisher) TimeBase() media.Rational {
	return p.format.TimeBase()
}

// Live reports whether the output is a network stream.
func (p *Publisher) Live() bool {
	return p.scheme != "file"
}

// Open connects the transport and prepares the container writer.
func (p *Publisher) Open(ctx context.Context) error {
	if p.mux != nil {
		return lcerrors.Configuration("open_output", "output already open")
	}
	ctx = clog.AddVal(ctx, "output", p.output)
	onRetry := func(error) {
		p.mu.Lock()
		p.stats.Retries++
		p.mu.Unlock()
	}
	var err error
	switch p.scheme {
	case "rtmp":
		p.mux, err = p.openRTMP(ctx, onRetry)
	case "srt":
		p.mux, err = p.openSRT(ctx, onRetry)
	case "udp":
		p.mux, err = p.openUDP(ctx, onRetry)
	case "file":
		p.mux, err = p.openFile()
	}
	if err != nil {
		return err
	}
	clog.Infof(ctx, "Opened output format=%s", p.format)
	return nil
}

func (p *Publisher) openRTMP(ctx context.Context, onRetry func(error)) (muxer, error) {
	u, err := rtmp.ParseURL(p.output)
	if err != nil {
		return nil, lcerrors.Configuration("open_output", "invalid rtmp url %q: %v", p.output, err)
	}
	netConn, err := dialTCP(ctx, u.Host, p.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	conn := rtmp.NewConn(newRetryConn(ctx, netConn, p.opts.TransportRetries, p.opts.WriteTimeout, onRetry))
	conn.URL = u
	return newFLVMuxer(conn, nil), nil
}

func (p *Publisher) openSRT(ctx context.Context, onRetry func(error)) (muxer, error) {
	conn, err := dialSRT(ctx, p.target.Host, p.target.Query().Get("streamid"), p.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	w := &retryWriter{
		w:       conn,
		ctx:     ctx,
		retries: p.opts.TransportRetries,
		onRetry: onRetry,
	}
	return newTSMuxer(newChunkWriter(w, tsChunkSize), conn), nil
}

func (p *Publisher) openUDP(ctx context.Context, onRetry func(error)) (muxer, error) {
	conn, err := dialUDP(ctx, p.target.Host, p.opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	w := &retryWriter{
		w:           &udpWriter{conn: conn},
		ctx:         ctx,
		retries:     p.opts.TransportRetries,
		timeout:     p.opts.WriteTimeout,
		setDeadline: conn.SetWriteDeadline,
		onRetry:     onRetry,
	}
	return newTSMuxer(newChunkWriter(w, tsChunkSize), conn), nil
}

func (p *Publisher) openFile() (muxer, error) {
	f, err := os.Create(p.target.Path)
	if err != nil {
		return nil, lcerrors.Transport("open_output", err)
	}
	if p.format == FormatMPEGTS {
		return newTSMuxer(bufio.NewWriter(f), f), nil
	}
	return newFLVFileMuxer(f), nil
}

// WriteHeader writes the container header. It must precede every packet
// and may only happen once.
func (p *Publisher) WriteHeader(ctx context.Context, opts HeaderOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mux == nil || p.closed {
		return lcerrors.Transport("write_header", errors.New("output not open"))
	}
	if p.header {
		return lcerrors.Transport("write_header", errors.New("header already written"))
	}
	if len(opts.SPS) == 0 || len(opts.PPS) == 0 {
		return lcerrors.CodecFatal("write_header", errors.New("missing SPS/PPS"))
	}
	if err := p.mux.WriteHeader(opts); err != nil {
		return classify("write_header", err)
	}
	p.header = true
	clog.V(3).Infof(ctx, "Wrote %s header %s", p.format, opts.Descriptor)
	return nil
}

// WritePacket writes one access unit. PTS and DTS are in TimeBase() units.
// The caller keeps ownership of pkt.
func (p *Publisher) WritePacket(ctx context.Context, pkt *media.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.mux == nil || p.closed:
		return lcerrors.Transport("write_packet", errors.New("output not open"))
	case !p.header:
		return lcerrors.Transport("write_packet", errors.New("packet before header"))
	case p.trailer:
		return lcerrors.Transport("write_packet", errors.New("packet after trailer"))
	}
	dts := pkt.DecodeTS()
	if p.hasDTS && dts < p.lastDTS {
		return lcerrors.Transport("write_packet", fmt.Errorf("non-monotonic DTS %d after %d", dts, p.lastDTS))
	}
	start := time.Now()
	if err := p.mux.WritePacket(pkt); err != nil {
		return classify("write_packet", err)
	}
	p.hasDTS, p.lastDTS = true, dts
	p.stats.Packets++
	p.stats.Bytes += uint64(pkt.Size())
	if monitor.Enabled {
		monitor.PacketPublished(pkt.Size(), time.Since(start))
	}
	return nil
}

// WriteTrailer finishes the container. File outputs get their metadata
// patched here; live outputs never seek back.
func (p *Publisher) WriteTrailer(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.mux == nil || p.closed:
		return lcerrors.Transport("write_trailer", errors.New("output not open"))
	case !p.header:
		return lcerrors.Transport("write_trailer", errors.New("trailer before header"))
	case p.trailer:
		return lcerrors.Transport("write_trailer", errors.New("trailer already written"))
	}
	p.trailer = true
	if err := p.mux.WriteTrailer(); err != nil {
		return classify("write_trailer", err)
	}
	clog.V(3).Infof(ctx, "Wrote %s trailer packets=%d bytes=%d", p.format, p.stats.Packets, p.stats.Bytes)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.mux == nil {
		p.closed = true
		return nil
	}
	p.closed = true
	return p.mux.Close()
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func classify(op string, err error) error {
	if lcerrors.KindOf(err) != lcerrors.KindUnknown {
		return err
	}
	return lcerrors.Transport(op, err)
}
