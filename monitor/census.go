package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"

	"contrib.go.opencensus.io/exporter/prometheus"
	rprom "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Enabled true if metrics was enabled in command line
var Enabled bool

// Exporter serves the registered views in the prometheus text format.
var Exporter *prometheus.Exporter

// frames encoded over this window make up the reported fps
const fpsWindow = 2 * time.Second

type (
	censusMetricsCounter struct {
		streamID           string
		ctx                context.Context
		kStreamID          tag.Key
		kStage             tag.Key
		kOutput            tag.Key
		mFramesCaptured    *stats.Int64Measure
		mFramesDropped     *stats.Int64Measure
		mFramesEncoded     *stats.Int64Measure
		mPacketsPublished  *stats.Int64Measure
		mBytesPublished    *stats.Int64Measure
		mCodecErrors       *stats.Int64Measure
		mTransportRetries  *stats.Int64Measure
		mGOPViolations     *stats.Int64Measure
		mPipelineState     *stats.Int64Measure
		mQueueDepth        *stats.Int64Measure
		mEncodeTime        *stats.Float64Measure
		mPublishTime       *stats.Float64Measure
		mEncodeFPS         *stats.Float64Measure
		lock               sync.Mutex
		fps                *fpsAverager
	}

	// fpsAverager counts frames over a sliding window of one second buckets.
	fpsAverager struct {
		window  time.Duration
		buckets []fpsBucket
	}

	fpsBucket struct {
		start  time.Time
		frames int
	}
)

var census censusMetricsCounter

// InitCensus registers the pipeline views and the prometheus exporter.
func InitCensus(streamID, output, version string) {
	initCensus(streamID, output, version)
}

func initCensus(streamID, output, version string) {
	census = censusMetricsCounter{
		streamID: streamID,
		fps:      newFPSAverager(fpsWindow),
	}
	var err error
	census.kStreamID, _ = tag.NewKey("stream_id")
	census.kStage, _ = tag.NewKey("stage")
	census.kOutput, _ = tag.NewKey("output")
	census.ctx, err = tag.New(context.Background(), tag.Insert(census.kStreamID, streamID), tag.Insert(census.kOutput, output))
	if err != nil {
		glog.Fatal("Error creating context", err)
	}
	census.mFramesCaptured = stats.Int64("frames_captured_total", "Packets read from the capture source", "tot")
	census.mFramesDropped = stats.Int64("frames_dropped_total", "Packets dropped by the capture queue", "tot")
	census.mFramesEncoded = stats.Int64("frames_encoded_total", "Frames submitted to the encoder", "tot")
	census.mPacketsPublished = stats.Int64("packets_published_total", "Packets written to the output", "tot")
	census.mBytesPublished = stats.Int64("bytes_published_total", "Payload bytes written to the output", "By")
	census.mCodecErrors = stats.Int64("codec_errors_total", "Recoverable decode, convert and encode errors", "tot")
	census.mTransportRetries = stats.Int64("transport_retries_total", "Retried output writes", "tot")
	census.mGOPViolations = stats.Int64("gop_violations_total", "GOP windows that ended without a key frame", "tot")
	census.mPipelineState = stats.Int64("pipeline_state", "Current pipeline state", "state")
	census.mQueueDepth = stats.Int64("queue_depth", "Packets waiting in the capture queue", "tot")
	census.mEncodeTime = stats.Float64("encode_time_seconds", "Time spent submitting one frame to the encoder", "sec")
	census.mPublishTime = stats.Float64("publish_time_seconds", "Time spent writing one packet to the output", "sec")
	census.mEncodeFPS = stats.Float64("encode_fps", "Frames encoded per second", "fps")

	glog.Infof("Compiler: %s Arch %s OS %s Go version %s", runtime.Compiler, runtime.GOARCH, runtime.GOOS, runtime.Version())
	glog.Infof("Livecast version: %s", version)
	glog.Infof("Stream ID %s output %s", streamID, output)
	mVersions := stats.Int64("versions", "Version information.", "Num")
	goversion, _ := tag.NewKey("goversion")
	livecastversion, _ := tag.NewKey("livecastversion")
	ctx, err := tag.New(census.ctx, tag.Insert(goversion, runtime.Version()), tag.Insert(livecastversion, version))
	if err != nil {
		glog.Fatal("Error creating tagged context", err)
	}
	baseTags := []tag.Key{census.kStreamID, census.kOutput}
	views := []*view.View{
		{
			Name:        "versions",
			Measure:     mVersions,
			Description: "Versions used by the livecast process.",
			TagKeys:     []tag.Key{census.kStreamID, goversion, livecastversion},
			Aggregation: view.LastValue(),
		},
		{
			Name:        "frames_captured_total",
			Measure:     census.mFramesCaptured,
			Description: "Packets read from the capture source",
			TagKeys:     baseTags,
			Aggregation: view.Sum(),
		},
		{
			Name:        "frames_dropped_total",
			Measure:     census.mFramesDropped,
			Description: "Packets dropped by the capture queue",
			TagKeys:     baseTags,
			Aggregation: view.Sum(),
		},
		{
			Name:        "frames_encoded_total",
			Measure:     census.mFramesEncoded,
			Description: "Frames submitted to the encoder",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "packets_published_total",
			Measure:     census.mPacketsPublished,
			Description: "Packets written to the output",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "bytes_published_total",
			Measure:     census.mBytesPublished,
			Description: "Payload bytes written to the output",
			TagKeys:     baseTags,
			Aggregation: view.Sum(),
		},
		{
			Name:        "codec_errors_total",
			Measure:     census.mCodecErrors,
			Description: "Recoverable decode, convert and encode errors",
			TagKeys:     append([]tag.Key{census.kStage}, baseTags...),
			Aggregation: view.Count(),
		},
		{
			Name:        "transport_retries_total",
			Measure:     census.mTransportRetries,
			Description: "Retried output writes",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "gop_violations_total",
			Measure:     census.mGOPViolations,
			Description: "GOP windows that ended without a key frame",
			TagKeys:     baseTags,
			Aggregation: view.Count(),
		},
		{
			Name:        "pipeline_state",
			Measure:     census.mPipelineState,
			Description: "Current pipeline state: 0 uninitialized, 1 negotiating, 2 running, 3 draining, 4 closed",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "queue_depth",
			Measure:     census.mQueueDepth,
			Description: "Packets waiting in the capture queue",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
		{
			Name:        "encode_time_seconds",
			Measure:     census.mEncodeTime,
			Description: "EncodeTime, seconds",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, .001, .002, .005, .010, .020, .050, .100, .250, .500, 1.000),
		},
		{
			Name:        "publish_time_seconds",
			Measure:     census.mPublishTime,
			Description: "PublishTime, seconds",
			TagKeys:     baseTags,
			Aggregation: view.Distribution(0, .001, .002, .005, .010, .020, .050, .100, .250, .500, 1.000),
		},
		{
			Name:        "encode_fps",
			Measure:     census.mEncodeFPS,
			Description: "Frames encoded per second",
			TagKeys:     baseTags,
			Aggregation: view.LastValue(),
		},
	}
	// Register the views
	if err := view.Register(views...); err != nil {
		glog.Fatalf("Failed to register views: %v", err)
	}
	registry := rprom.NewRegistry()
	registry.MustRegister(rprom.NewProcessCollector(rprom.ProcessCollectorOpts{}))
	registry.MustRegister(rprom.NewGoCollector())
	pe, err := prometheus.NewExporter(prometheus.Options{
		Namespace: "livecast",
		Registry:  registry,
	})
	if err != nil {
		glog.Fatalf("Failed to create the Prometheus stats exporter: %v", err)
	}

	// Register the Prometheus exporters as a stats exporter.
	view.RegisterExporter(pe)
	stats.Record(ctx, mVersions.M(1))
	Exporter = pe
}

func FramesCaptured(n int) {
	stats.Record(census.ctx, census.mFramesCaptured.M(int64(n)))
}

func FramesDropped(n int) {
	glog.V(4).Infof("Capture queue dropped frames=%d", n)
	stats.Record(census.ctx, census.mFramesDropped.M(int64(n)))
}

func FrameEncoded(encodeDur time.Duration) {
	census.lock.Lock()
	fps := census.fps.add(time.Now(), 1)
	census.lock.Unlock()
	stats.Record(census.ctx, census.mFramesEncoded.M(1), census.mEncodeTime.M(encodeDur.Seconds()), census.mEncodeFPS.M(fps))
}

func PacketPublished(bytes int, publishDur time.Duration) {
	stats.Record(census.ctx, census.mPacketsPublished.M(1), census.mBytesPublished.M(int64(bytes)), census.mPublishTime.M(publishDur.Seconds()))
}

// CodecError records a recoverable error of the decode, convert or encode stage.
func CodecError(stage string) {
	ctx, err := tag.New(census.ctx, tag.Insert(census.kStage, stage))
	if err != nil {
		glog.Error("Error creating context", err)
		return
	}
	stats.Record(ctx, census.mCodecErrors.M(1))
}

func TransportRetry() {
	stats.Record(census.ctx, census.mTransportRetries.M(1))
}

func GOPViolation() {
	stats.Record(census.ctx, census.mGOPViolations.M(1))
}

func PipelineState(state int) {
	stats.Record(census.ctx, census.mPipelineState.M(int64(state)))
}

func QueueDepth(depth int) {
	stats.Record(census.ctx, census.mQueueDepth.M(int64(depth)))
}

func newFPSAverager(window time.Duration) *fpsAverager {
	return &fpsAverager{window: window}
}

// add counts frames at now and returns the rate over the window.
func (fa *fpsAverager) add(now time.Time, frames int) float64 {
	sec := now.Truncate(time.Second)
	if n := len(fa.buckets); n > 0 && fa.buckets[n-1].start.Equal(sec) {
		fa.buckets[n-1].frames += frames
	} else {
		fa.buckets = append(fa.buckets, fpsBucket{start: sec, frames: frames})
	}
	cutoff := now.Add(-fa.window)
	drop := 0
	for drop < len(fa.buckets)-1 && fa.buckets[drop].start.Before(cutoff) {
		drop++
	}
	fa.buckets = fa.buckets[drop:]
	total := 0
	for _, b := range fa.buckets {
		total += b.frames
	}
	span := now.Sub(fa.buckets[0].start)
	if span < time.Second {
		span = time.Second
	}
	return float64(total) / span.Seconds()
}
