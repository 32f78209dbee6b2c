package capture

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

// 1280x720 high profile parameter set
var testSPS = []byte{
	0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
	0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
	0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
	0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
}

var (
	testPPS   = []byte{0x68, 0xeb, 0xe3, 0xcb}
	testIDR   = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	testSlice = []byte{0x41, 0x9a, 0x21, 0x6c}
)

type cameraHandler struct {
	stream *gortsplib.ServerStream
}

func (h *cameraHandler) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, h.stream, nil
}

func (h *cameraHandler) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	return &base.Response{StatusCode: base.StatusOK}, h.stream, nil
}

func (h *cameraHandler) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	return &base.Response{StatusCode: base.StatusOK}, nil
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// startCamera serves a single H.264 track over TCP and streams a key frame
// every gop access units at 30fps until the test ends.
func startCamera(t *testing.T, gop int) string {
	addr := freeAddr(t)
	h := &cameraHandler{}
	s := &gortsplib.Server{Handler: h, RTSPAddress: addr}
	require.NoError(t, s.Start())

	forma := &format.H264{PayloadTyp: 96, PacketizationMode: 1, SPS: testSPS, PPS: testPPS}
	medi := &description.Media{Type: description.MediaTypeVideo, Formats: []format.Format{forma}}
	h.stream = gortsplib.NewServerStream(s, &description.Session{Medias: []*description.Media{medi}})
	enc, err := forma.CreateEncoder()
	require.NoError(t, err)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tick := time.NewTicker(10 * time.Millisecond)
		defer tick.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-tick.C:
			}
			au := [][]byte{testSlice}
			if i%gop == 0 {
				au = [][]byte{testSPS, testPPS, testIDR}
			}
			pkts, err := enc.Encode(au)
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			for _, pkt := range pkts {
				pkt.Timestamp = uint32(i * 3000)
				h.stream.WritePacketRTP(medi, pkt)
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		wg.Wait()
		h.stream.Close()
		s.Close()
	})
	return "rtsp://" + addr + "/camera"
}

func TestRTSPSource(t *testing.T) {
	assert := assert.New(t)
	src := NewRTSPSource(Config{
		Input:        InputRTSP,
		Device:       startCamera(t, 5),
		FrameRate:    media.Rational{Num: 30, Den: 1},
		Buffers:      16,
		StallTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := src.Open(ctx)
	require.NoError(t, err)
	assert.Equal(media.CodecH264, info.Codec)
	assert.Equal(1280, info.Width)
	assert.Equal(720, info.Height)
	assert.Equal(media.Rational{Num: 1, Den: 90000}, info.TimeBase)

	var keys int
	last := int64(-1)
	for i := 0; i < 12; i++ {
		pkt, err := src.ReadPacket(ctx)
		require.NoError(t, err)
		assert.Equal(media.CodecH264, pkt.Codec)
		assert.Greater(pkt.PTS, last)
		last = pkt.PTS
		if pkt.KeyFrame {
			keys++
			sps, pps := media.ParameterSets(pkt.Data)
			assert.Equal(testSPS, sps)
			assert.Equal(testPPS, pps)
		}
		pkt.Release()
	}
	assert.GreaterOrEqual(keys, 2)

	require.NoError(t, src.Close())
	_, err = src.ReadPacket(ctx)
	assert.True(lcerrors.Is(err, lcerrors.KindSource))
}

func TestRTSPSource_Unavailable(t *testing.T) {
	src := NewRTSPSource(Config{Input: InputRTSP, Device: "rtsp://" + freeAddr(t) + "/none", StallTimeout: time.Second, Buffers: 4})
	_, err := src.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, lcerrors.ReasonUnavailable, lcerrors.ReasonOf(err))

	_, err = NewRTSPSource(Config{Device: "not a url\x7f", Buffers: 4}).Open(context.Background())
	assert.True(t, lcerrors.Is(err, lcerrors.KindConfiguration))
}

func TestRTSPSource_OverflowSkipsToKeyFrame(t *testing.T) {
	assert := assert.New(t)
	q, err := media.NewQueue(&media.QueueConfig[*media.Packet]{
		Capacity: 2,
		Policy:   media.DropNewest,
		OnDrop:   func(p *media.Packet) { p.Release() },
	})
	require.NoError(t, err)
	rs := &RTSPSource{queue: q}

	var released atomic.Int32
	au := func(pts int64, key bool) *media.Packet {
		p := media.NewPacket(media.CodecH264, [][]byte{testSlice}, func() { released.Add(1) })
		p.PTS, p.KeyFrame = pts, key
		return p
	}
	ctx := context.Background()

	rs.enqueue(ctx, au(0, true))
	rs.enqueue(ctx, au(1, false))
	rs.enqueue(ctx, au(2, false)) // queue full
	assert.True(rs.resync)
	assert.Equal(int32(1), released.Load())

	for _, pts := range []int64{0, 1} {
		p, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(pts, p.PTS)
	}

	// room again, but 3 depends on the lost picture
	rs.enqueue(ctx, au(3, false))
	assert.Equal(0, q.Len())
	assert.Equal(int32(2), released.Load())

	rs.enqueue(ctx, au(4, true))
	rs.enqueue(ctx, au(5, false))
	assert.False(rs.resync)
	for _, pts := range []int64{4, 5} {
		p, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(pts, p.PTS)
	}
}
