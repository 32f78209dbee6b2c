package codec

import (
	"container/heap"
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

// idleDecoder has no ffmpeg behind it; only paths that never reach the
// process may be exercised.
func idleDecoder() *H264Decoder {
	return &H264Decoder{readDone: make(chan struct{}), ctx: context.Background()}
}

func TestH264Decoder_Malformed(t *testing.T) {
	d := idleDecoder()
	for _, au := range [][][]byte{
		nil,
		{{}},
		{{0xe5, 0x88}},
	} {
		released := 0
		frames, err := d.Decode(context.Background(), media.NewPacket(media.CodecH264, au, func() { released++ }))
		assert.Empty(t, frames)
		assert.True(t, lcerrors.Is(err, lcerrors.KindCodec), "%v", err)
		assert.True(t, lcerrors.IsAcceptable(err))
		assert.Equal(t, 1, released)
	}
	assert.Zero(t, d.pts.Len())
}

func TestH264Decoder_WaitsForKeyFrame(t *testing.T) {
	d := idleDecoder()
	released := 0
	pkt := media.NewPacket(media.CodecH264, [][]byte{{0x41, 0x9a, 0x21, 0x6c}}, func() { released++ })
	pkt.PTS = 3000
	frames, err := d.Decode(context.Background(), pkt)
	assert.Nil(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 1, released)
	assert.False(t, d.seenKey)
	assert.Zero(t, d.pts.Len())
}

func TestH264Decoder_TakeSmallestPTS(t *testing.T) {
	assert := assert.New(t)
	d := idleDecoder()
	for _, pts := range []int64{3000, 0, 1500} {
		heap.Push(&d.pts, pts)
	}
	released := 0
	for i := 0; i < 4; i++ {
		f, err := media.WrapRawFrame(2, 2, media.PixFmtYUV420P, make([]byte, 6), func() { released++ })
		require.NoError(t, err)
		d.frames = append(d.frames, f)
	}

	frames := d.take()
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(int64(i*1500), f.PTS)
	}
	// the fourth picture had no timestamp left
	assert.Equal(1, released)
	assert.Empty(d.frames)
	assert.Empty(d.take())
}

func TestPTSHeap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOf(rapid.Int64()).Draw(t, "pts")
		var h ptsHeap
		for _, v := range in {
			heap.Push(&h, v)
		}
		out := make([]int64, 0, len(in))
		for h.Len() > 0 {
			out = append(out, heap.Pop(&h).(int64))
		}
		want := slices.Clone(in)
		slices.Sort(want)
		if !slices.Equal(want, out) {
			t.Fatalf("got %v want %v", out, want)
		}
	})
}

func TestH264Decoder(t *testing.T) {
	requireFFmpeg(t)
	assert := assert.New(t)
	ctx := context.Background()
	const n, gop, scale = 24, 12, 1500

	e := NewX264Encoder(X264Options{})
	require.NoError(t, e.Configure(ctx, testDescriptor(64, 64, gop)))
	var pkts []*media.Packet
	for i := 0; i < n; i++ {
		f, _ := media.NewRawFrame(64, 64, media.PixFmtYUV420P)
		for j := range f.Planes[0] {
			f.Planes[0][j] = byte(i*4 + j)
		}
		f.PTS = int64(i * scale)
		f.KeyFrame = i%gop == 0
		pkt, err := e.Encode(ctx, f)
		require.NoError(t, err)
		if pkt != nil {
			pkts = append(pkts, pkt)
		}
	}
	rest, err := e.Flush(ctx)
	require.NoError(t, err)
	pkts = append(pkts, rest...)
	require.NoError(t, e.Close())
	require.Len(t, pkts, n)

	info := media.StreamInfo{Codec: media.CodecH264, Width: 64, Height: 64, TimeBase: media.Rational{Num: 1, Den: 90000}}
	d, err := NewH264Decoder(ctx, info, H264DecoderOptions{Buffers: n + 4})
	require.NoError(t, err)
	defer d.Close()

	var out []*media.RawFrame
	// joining mid GOP
	for _, p := range pkts[1:3] {
		frames, err := d.Decode(ctx, media.NewPacket(media.CodecH264, p.Data, nil))
		require.NoError(t, err)
		assert.Empty(frames)
	}
	assert.Zero(d.pts.Len())

	// presentation order differs from decode order
	for i := 0; i+1 < n; i += 2 {
		pkts[i].PTS, pkts[i+1].PTS = pkts[i+1].PTS, pkts[i].PTS
	}
	for _, p := range pkts {
		frames, err := d.Decode(ctx, p)
		require.NoError(t, err)
		out = append(out, frames...)
	}
	frames, err := d.Flush(ctx)
	require.NoError(t, err)
	out = append(out, frames...)

	require.Len(t, out, n)
	got := make([]int64, 0, n)
	for _, f := range out {
		assert.Equal(64, f.Width)
		assert.Equal(64, f.Height)
		got = append(got, f.PTS)
		f.Release()
	}
	want := make([]int64, n)
	for i := range want {
		want[i] = int64(i * scale)
	}
	assert.ElementsMatch(want, got)

	_, err = d.Decode(ctx, media.NewPacket(media.CodecH264, pkts[0].Data, nil))
	assert.True(lcerrors.Is(err, lcerrors.KindCodec))
	assert.False(lcerrors.IsAcceptable(err))
}

func TestNewH264Decoder_Config(t *testing.T) {
	_, err := NewH264Decoder(context.Background(), media.StreamInfo{Codec: media.CodecRawVideo, Width: 4, Height: 4}, H264DecoderOptions{})
	assert.True(t, lcerrors.Is(err, lcerrors.KindConfiguration))
	_, err = NewH264Decoder(context.Background(), media.StreamInfo{Codec: media.CodecH264}, H264DecoderOptions{})
	assert.True(t, lcerrors.Is(err, lcerrors.KindConfiguration))
}
