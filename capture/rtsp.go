package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/gortsplib/v4/pkg/rtptime"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pion/rtp"

	"github.com/livepeer/go-livecast/clog"
	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

var rtspTimeBase = media.Rational{Num: 1, Den: 90000}

// RTSPSource pulls H.264 from an RTSP camera. Packets carry whole access
// units with 90kHz timestamps and still need decoding.
type RTSPSource struct {
	cfg    Config
	client *gortsplib.Client
	queue  *media.Queue[*media.Packet]

	// set once an access unit was dropped; cleared by the next random
	// access unit. Only touched from the RTP callback.
	resync bool

	mu      sync.Mutex
	sps     []byte
	spsSeen chan struct{}
	waitErr error
}

func NewRTSPSource(cfg Config) *RTSPSource {
	return &RTSPSource{cfg: cfg, spsSeen: make(chan struct{})}
}

func (rs *RTSPSource) Open(ctx context.Context) (media.StreamInfo, error) {
	ctx = clog.AddVal(ctx, "rtsp", rs.cfg.Device)
	u, err := base.ParseURL(rs.cfg.Device)
	if err != nil {
		return media.StreamInfo{}, lcerrors.Configuration("rtsp", "invalid url %q: %v", rs.cfg.Device, err)
	}
	queue, err := media.NewQueue(&media.QueueConfig[*media.Packet]{
		Capacity: rs.cfg.Buffers,
		Policy:   media.DropNewest,
		OnDrop:   func(p *media.Packet) { p.Release() },
	})
	if err != nil {
		return media.StreamInfo{}, lcerrors.Configuration("rtsp", "%v", err)
	}
	rs.queue = queue

	c := &gortsplib.Client{
		ReadTimeout:  rs.cfg.StallTimeout,
		WriteTimeout: rs.cfg.StallTimeout,
	}
	if err := c.Start(u.Scheme, u.Host); err != nil {
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", err)
	}
	fail := func(err error) (media.StreamInfo, error) {
		c.Close()
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", err)
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		return fail(err)
	}
	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return fail(errors.New("no H264 track"))
	}
	dec, err := forma.CreateDecoder()
	if err != nil {
		return fail(err)
	}
	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return fail(err)
	}
	if len(forma.SPS) > 0 {
		rs.setSPS(forma.SPS)
	}

	timeDecoder := rtptime.NewGlobalDecoder2()
	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		pts, ok := timeDecoder.Decode(forma, pkt)
		if !ok {
			return
		}
		au, err := dec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) && !errors.Is(err, rtph264.ErrMorePacketsNeeded) {
				clog.V(4).Infof(ctx, "RTP depacketize error err=%q", err)
			}
			return
		}
		for _, nalu := range au {
			if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
				rs.setSPS(nalu)
			}
		}
		p := media.NewPacket(media.CodecH264, au, nil)
		p.PTS = pts
		p.KeyFrame = h264.IsRandomAccess(au)
		rs.enqueue(ctx, p)
	})

	if _, err := c.Play(nil); err != nil {
		return fail(err)
	}
	rs.client = c
	go func() {
		err := c.Wait()
		rs.mu.Lock()
		rs.waitErr = err
		rs.mu.Unlock()
		rs.queue.Close()
	}()

	timer := time.NewTimer(probeTimeout)
	defer timer.Stop()
	select {
	case <-rs.spsSeen:
	case <-timer.C:
		rs.Close()
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", fmt.Errorf("no SPS received within %s", probeTimeout))
	case <-ctx.Done():
		rs.Close()
		return media.StreamInfo{}, ctx.Err()
	}

	rs.mu.Lock()
	w, h, err := media.SPSGeometry(rs.sps)
	rs.mu.Unlock()
	if err != nil {
		rs.Close()
		return media.StreamInfo{}, lcerrors.SourceUnavailable("open", fmt.Errorf("unreadable SPS: %w", err))
	}
	info := media.StreamInfo{
		Codec:     media.CodecH264,
		Width:     w,
		Height:    h,
		PixFmt:    media.PixFmtYUV420P,
		FrameRate: rs.cfg.FrameRate,
		TimeBase:  rtspTimeBase,
	}
	clog.Infof(ctx, "Opened RTSP source %s", info)
	return info, nil
}

// enqueue hands an access unit to ReadPacket. When the queue overflows the
// incoming unit is dropped, and so is everything after it up to the next
// random access unit, since those would reference the lost picture.
func (rs *RTSPSource) enqueue(ctx context.Context, p *media.Packet) {
	if rs.resync && !p.KeyFrame {
		p.Release()
		return
	}
	rs.resync = false
	dropped, err := rs.queue.Push(context.Background(), p)
	if err != nil {
		p.Release()
		return
	}
	if dropped {
		clog.V(3).Infof(ctx, "RTSP queue full, skipping to the next key frame pts=%d", p.PTS)
		rs.resync = true
	}
}

func (rs *RTSPSource) setSPS(sps []byte) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.sps == nil {
		close(rs.spsSeen)
	}
	rs.sps = sps
}

func (rs *RTSPSource) ReadPacket(ctx context.Context) (*media.Packet, error) {
	if rs.queue == nil {
		return nil, lcerrors.SourceUnavailable("read_packet", errors.New("source not open"))
	}
	pkt, err := rs.queue.Pop(ctx)
	if errors.Is(err, io.EOF) {
		rs.mu.Lock()
		werr := rs.waitErr
		rs.mu.Unlock()
		if werr == nil {
			werr = errors.New("session ended")
		}
		return nil, lcerrors.SourceDisconnected("read_packet", werr)
	}
	return pkt, err
}

func (rs *RTSPSource) Close() error {
	if rs.client != nil {
		rs.client.Close()
		rs.client = nil
	}
	if rs.queue != nil {
		rs.queue.Close()
		for _, p := range rs.queue.Drain() {
			p.Release()
		}
	}
	return nil
}
