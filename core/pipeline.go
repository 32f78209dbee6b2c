package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
	"github.com/livepeer/go-livecast/monitor"
	"github.com/livepeer/go-livecast/publish"
)

type State int32

const (
	StateUninitialized State = iota
	StateNegotiating
	StateRunning
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateNegotiating:
		return "Negotiating"
	case StateRunning:
		return "Running"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// PipelineError is a failure that ended a run, tagged with the state the
// pipeline was in when it happened.
type PipelineError struct {
	Phase State
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s: %v", strings.ToLower(e.Phase.String()), e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	State            State
	FramesCaptured   uint64
	FramesDropped    uint64
	FramesEncoded    uint64
	PacketsPublished uint64
	BytesPublished   uint64
	DecodeErrors     uint64
	ConvertErrors    uint64
	EncodeErrors     uint64
	GOPViolations    uint64
}

type closer struct {
	name  string
	close func() error
}

// Pipeline runs one stream from its source to its output. A Pipeline runs
// once; it is not reusable.
type Pipeline struct {
	cfg  Config
	comp Components

	started atomic.Bool
	state   atomic.Int32

	captured  atomic.Uint64
	dropped   atomic.Uint64
	encoded   atomic.Uint64
	published atomic.Uint64
	bytes     atomic.Uint64
	gopErrs   atomic.Uint64

	mu      sync.Mutex
	lastErr error

	// owned by Run and the processing goroutine
	desc      StreamDescriptor
	decoder   Decoder
	converter Converter
	queue     *media.Queue[*media.Packet]
	em        *errorMonitor
	ts        *Timestamper
	gop       *gopChecker
	closers   []closer
	header    bool
	pubFailed bool
}

func NewPipeline(cfg Config, comp Components) (*Pipeline, error) {
	if comp.Source == nil || comp.Encoder == nil || comp.Publisher == nil {
		return nil, lcerrors.Configuration("pipeline", "source, encoder and publisher are required")
	}
	cfg.setDefaults()
	if comp.NewDecoder == nil {
		comp.NewDecoder = DefaultDecoder
	}
	if comp.NewConverter == nil {
		comp.NewConverter = DefaultConverter
	}
	return &Pipeline{
		cfg:  cfg,
		comp: comp,
		em:   NewErrorMonitor(cfg.CodecErrorLimit),
	}, nil
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Descriptor is valid once the pipeline has left Negotiating.
func (p *Pipeline) Descriptor() StreamDescriptor {
	return p.desc
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		State:            p.State(),
		FramesCaptured:   p.captured.Load(),
		FramesDropped:    p.dropped.Load(),
		FramesEncoded:    p.encoded.Load(),
		PacketsPublished: p.published.Load(),
		BytesPublished:   p.bytes.Load(),
		DecodeErrors:     p.em.Total(stageDecode),
		ConvertErrors:    p.em.Total(stageConvert),
		EncodeErrors:     p.em.Total(stageEncode),
		GOPViolations:    p.gopErrs.Load(),
	}
}

func (p *Pipeline) setState(ctx context.Context, s State) {
	prev := State(p.state.Swap(int32(s)))
	clog.V(2).Infof(ctx, "Pipeline state %s -> %s", prev, s)
	if monitor.Enabled {
		monitor.PipelineState(int(s))
	}
	p.reportStatus()
}

func (p *Pipeline) reportStatus() {
	if p.cfg.StreamID == "" {
		return
	}
	st := p.Stats()
	status := monitor.PipelineStatus{
		State:            st.State.String(),
		FramesCaptured:   st.FramesCaptured,
		FramesDropped:    st.FramesDropped,
		FramesEncoded:    st.FramesEncoded,
		PacketsPublished: st.PacketsPublished,
		BytesPublished:   st.BytesPublished,
		CodecErrors:      st.DecodeErrors + st.ConvertErrors + st.EncodeErrors,
		GOPViolations:    st.GOPViolations,
		UpdatedAt:        time.Now(),
	}
	p.mu.Lock()
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}
	p.mu.Unlock()
	monitor.UpdatePipelineStatus(p.cfg.StreamID, status)
}

func (p *Pipeline) recordErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

// Run negotiates the stream, processes frames until end of stream, the
// frame budget, a fatal error or ctx cancellation, then drains and closes
// everything. Cancelling ctx is a regular stop and still flushes the codecs
// and writes the trailer.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return lcerrors.Configuration("pipeline", "pipeline already ran")
	}
	if p.cfg.StreamID != "" {
		ctx = clog.AddStreamID(ctx, p.cfg.StreamID)
	}
	p.setState(ctx, StateNegotiating)
	defer p.close(ctx)

	if err := p.negotiate(ctx); err != nil {
		p.recordErr(err)
		clog.Errorf(ctx, "Negotiation failed err=%q", err)
		// nothing was started, so there is nothing to drain
		return &PipelineError{Phase: StateNegotiating, Err: err}
	}

	p.setState(ctx, StateRunning)
	runErr := p.run(ctx)
	if runErr != nil {
		p.recordErr(runErr)
		clog.Errorf(ctx, "Pipeline failed, draining err=%q", runErr)
	}

	p.setState(ctx, StateDraining)
	// the stop signal has already fired, draining must still complete
	if err := p.drain(context.WithoutCancel(ctx)); err != nil {
		clog.Errorf(ctx, "Drain failed err=%q", err)
		if runErr == nil {
			runErr = err
			p.recordErr(err)
		}
	}
	if runErr != nil {
		return &PipelineError{Phase: StateRunning, Err: runErr}
	}
	return nil
}

func (p *Pipeline) pushCloser(name string, fn func() error) {
	p.closers = append(p.closers, closer{name: name, close: fn})
}

func (p *Pipeline) negotiate(ctx context.Context) error {
	// codec subprocesses and the output outlive a stop signal until drained
	procCtx := context.WithoutCancel(ctx)

	info, err := p.comp.Source.Open(ctx)
	if err != nil {
		return err
	}
	p.pushCloser("source", p.comp.Source.Close)
	clog.Infof(ctx, "Opened source %s", info)

	if err := p.comp.Publisher.Open(procCtx); err != nil {
		return err
	}
	p.pushCloser("publisher", p.comp.Publisher.Close)

	desc, err := Negotiate(info, p.cfg, p.comp.Publisher.TimeBase())
	if err != nil {
		return err
	}
	p.desc = desc

	if p.decoder, err = p.comp.NewDecoder(procCtx, info); err != nil {
		return err
	}
	p.pushCloser("decoder", p.decoder.Close)

	if p.converter, err = p.comp.NewConverter(desc, p.cfg.Kernel); err != nil {
		return err
	}
	p.pushCloser("converter", p.converter.Close)

	if err := p.comp.Encoder.Configure(procCtx, desc); err != nil {
		return err
	}
	p.pushCloser("encoder", p.comp.Encoder.Close)

	p.queue, err = media.NewQueue(&media.QueueConfig[*media.Packet]{
		Capacity: p.cfg.QueueSize,
		Policy:   p.cfg.DropPolicy,
		OnDrop: func(pkt *media.Packet) {
			pkt.Release()
			p.dropped.Add(1)
			if monitor.Enabled {
				monitor.FramesDropped(1)
			}
		},
	})
	if err != nil {
		return lcerrors.Configuration("pipeline", "%v", err)
	}
	p.ts = NewTimestamper(desc.PTSScale)
	p.gop = newGOPChecker(desc.GOP, desc.PTSScale)

	clog.Infof(ctx, "Negotiated stream %s queue=%d policy=%s", desc, p.cfg.QueueSize, p.cfg.DropPolicy)
	return nil
}

func (p *Pipeline) run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	var srcErr error
	g.Go(func() error {
		// a failed source closes the queue like end of stream, so what was
		// captured before still goes out
		srcErr = p.capture(gctx)
		return nil
	})
	g.Go(func() error {
		// ending the processing loop also ends capture
		defer stop()
		return p.process(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return srcErr
}

// capture is the single writer of the queue.
func (p *Pipeline) capture(ctx context.Context) error {
	defer p.queue.Close()
	for {
		if ctx.Err() != nil {
			return nil
		}
		pkt, err := p.comp.Source.ReadPacket(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				clog.Infof(ctx, "End of stream frames=%d", p.captured.Load())
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.captured.Add(1)
		if _, err := p.queue.Push(ctx, pkt); err != nil {
			pkt.Release()
			return nil
		}
		if monitor.Enabled {
			monitor.FramesCaptured(1)
			monitor.QueueDepth(p.queue.Len())
		}
	}
}

func (p *Pipeline) budgetSpent() bool {
	return p.cfg.MaxFrames > 0 && p.ts.Count() >= int64(p.cfg.MaxFrames)
}

// process is the single reader of the queue.
func (p *Pipeline) process(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			clog.V(2).Infof(ctx, "Stop requested")
			return nil
		}
		if p.budgetSpent() {
			clog.Infof(ctx, "Frame budget reached frames=%d", p.ts.Count())
			return nil
		}
		pkt, err := p.queue.Pop(ctx)
		if err != nil {
			// io.EOF once capture is done, or the stop signal
			return nil
		}
		frames, err := p.decoder.Decode(ctx, pkt)
		if err != nil {
			if err := p.tolerate(ctx, stageDecode, err); err != nil {
				return err
			}
			continue
		}
		p.em.ClearErrCount(stageDecode)
		if err := p.encodeFrames(ctx, frames); err != nil {
			return err
		}
	}
}

// tolerate counts a recoverable error on stage and returns nil while the
// stage stays under the limit of consecutive errors.
func (p *Pipeline) tolerate(ctx context.Context, stage string, err error) error {
	if !lcerrors.IsAcceptable(err) {
		return err
	}
	if monitor.Enabled {
		monitor.CodecError(stage)
	}
	if !p.em.AcceptErr(stage) {
		return lcerrors.CodecFatal(stage, fmt.Errorf("more than %d consecutive errors: %w", p.cfg.CodecErrorLimit, err))
	}
	clog.Warningf(ctx, "Skipping frame stage=%s err=%q", stage, err)
	return nil
}

// encodeFrames takes ownership of frames.
func (p *Pipeline) encodeFrames(ctx context.Context, frames []*media.RawFrame) error {
	for i, f := range frames {
		if p.budgetSpent() {
			releaseFrames(frames[i:])
			return nil
		}
		if err := p.encodeFrame(ctx, f); err != nil {
			releaseFrames(frames[i+1:])
			return err
		}
	}
	return nil
}

func releaseFrames(frames []*media.RawFrame) {
	for _, f := range frames {
		f.Release()
	}
}

func (p *Pipeline) encodeFrame(ctx context.Context, f *media.RawFrame) error {
	out, err := p.converter.Convert(f)
	f.Release()
	if err != nil {
		return p.tolerate(ctx, stageConvert, err)
	}
	p.em.ClearErrCount(stageConvert)

	i, pts := p.ts.Peek()
	out.PTS = pts
	out.KeyFrame = keyFrameDue(i, p.desc.GOP)
	start := time.Now()
	pkt, err := p.comp.Encoder.Encode(ctx, out)
	if err != nil {
		return p.tolerate(ctx, stageEncode, err)
	}
	p.em.ClearErrCount(stageEncode)
	p.ts.Advance()
	p.encoded.Add(1)
	if monitor.Enabled {
		monitor.FrameEncoded(time.Since(start))
	}
	if pkt == nil {
		// the encoder is still buffering
		return nil
	}
	return p.publish(ctx, pkt)
}

func (p *Pipeline) publish(ctx context.Context, pkt *media.Packet) error {
	defer pkt.Release()
	if p.pubFailed {
		return nil
	}
	if !p.header {
		if err := p.writeHeader(ctx, pkt); err != nil {
			p.pubFailed = true
			return err
		}
	}
	if n := p.gop.observe(pkt); n > 0 {
		p.gopViolation(ctx, n, pkt.PTS)
	}
	if err := p.comp.Publisher.WritePacket(ctx, pkt); err != nil {
		p.pubFailed = true
		clog.Errorf(clog.AddSeqNo(clog.Clone(ctx, ctx), p.published.Load()), "Publishing failed pts=%d key=%v err=%q", pkt.PTS, pkt.KeyFrame, err)
		return err
	}
	p.published.Add(1)
	p.bytes.Add(uint64(pkt.Size()))
	if n := p.published.Load(); n%uint64(p.desc.GOP) == 0 {
		p.reportStatus()
	}
	return nil
}

// writeHeader takes the parameter sets from the first packet, which the
// encoder always makes a key frame.
func (p *Pipeline) writeHeader(ctx context.Context, pkt *media.Packet) error {
	sps, pps := media.ParameterSets(pkt.Data)
	if sps == nil || pps == nil {
		return lcerrors.CodecFatal(stagePublish, fmt.Errorf("first packet pts=%d carries no SPS/PPS", pkt.PTS))
	}
	err := p.comp.Publisher.WriteHeader(ctx, publish.HeaderOptions{
		Descriptor:         p.desc,
		SPS:                sps,
		PPS:                pps,
		NoDurationFilesize: p.cfg.Live,
	})
	if err != nil {
		return err
	}
	p.header = true
	return nil
}

func (p *Pipeline) gopViolation(ctx context.Context, n int, pts int64) {
	p.gopErrs.Add(uint64(n))
	clog.Warning(ctx, "No key frame within GOP", "gop", p.desc.GOP, "windows", n, "pts", pts)
	if monitor.Enabled {
		for i := 0; i < n; i++ {
			monitor.GOPViolation()
		}
	}
}

// drain flushes the decoder and the encoder, publishes what they still held
// and writes the trailer once, if a header went out.
func (p *Pipeline) drain(ctx context.Context) error {
	var errs []error
	frames, err := p.decoder.Flush(ctx)
	if err != nil {
		clog.Warningf(ctx, "Decoder flush failed err=%q", err)
	}
	if err := p.encodeFrames(ctx, frames); err != nil {
		errs = append(errs, err)
	}

	pkts, err := p.comp.Encoder.Flush(ctx)
	if err != nil {
		clog.Warningf(ctx, "Encoder flush failed err=%q", err)
	}
	for i, pkt := range pkts {
		if err := p.publish(ctx, pkt); err != nil {
			errs = append(errs, err)
			for _, rest := range pkts[i+1:] {
				rest.Release()
			}
			break
		}
	}
	clog.V(2).Info(ctx, "Drained", "frames", len(frames), "packets", len(pkts))

	if p.header {
		if n := p.gop.finish(); n > 0 {
			p.gopViolation(ctx, n, -1)
		}
		if err := p.comp.Publisher.WriteTrailer(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// close releases everything in reverse order of acquisition.
func (p *Pipeline) close(ctx context.Context) {
	if p.queue != nil {
		p.queue.Close()
		for _, pkt := range p.queue.Drain() {
			pkt.Release()
		}
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		c := p.closers[i]
		if err := c.close(); err != nil {
			clog.Warningf(ctx, "Error closing %s err=%q", c.name, err)
		}
	}
	p.closers = nil
	p.setState(ctx, StateClosed)

	st := p.Stats()
	clog.Info(ctx, "Pipeline closed",
		"captured", st.FramesCaptured,
		"dropped", st.FramesDropped,
		"encoded", st.FramesEncoded,
		"packets", st.PacketsPublished,
		"bytes", humanize.Bytes(st.BytesPublished),
		"codecErrors", st.DecodeErrors+st.ConvertErrors+st.EncodeErrors,
		"gopViolations", st.GOPViolations)
}
