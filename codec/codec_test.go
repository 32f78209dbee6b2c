package codec

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

func requireFFmpeg(t *testing.T) {
	if _, err := exec.LookPath(media.FFmpegPath); err != nil {
		t.Skip("ffmpeg not available")
	}
	out, err := exec.Command(media.FFmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil || !bytes.Contains(out, []byte("libx264")) {
		t.Skip("ffmpeg built without libx264")
	}
}

func testDescriptor(w, h, gop int) media.StreamDescriptor {
	return media.StreamDescriptor{
		Codec:             media.CodecH264,
		Width:             w,
		Height:            h,
		PixFmt:            media.PixFmtYUV420P,
		Bitrate:           400_000,
		FrameRate:         media.Rational{Num: 60, Den: 1},
		GOP:               gop,
		EncoderTimeBase:   media.Rational{Num: 1, Den: 60},
		ContainerTimeBase: media.Rational{Num: 1, Den: 90000},
		PTSScale:          1500,
	}
}

func TestRawVideoDecoder(t *testing.T) {
	assert := assert.New(t)
	info := media.StreamInfo{Codec: media.CodecRawVideo, Width: 4, Height: 2, PixFmt: media.PixFmtBGR0}
	d, err := NewRawVideoDecoder(info)
	require.NoError(t, err)

	released := 0
	buf := make([]byte, 32)
	pkt := media.NewPacket(media.CodecRawVideo, [][]byte{buf}, func() { released++ })
	pkt.PTS = 77
	frames, err := d.Decode(context.Background(), pkt)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(int64(77), frames[0].PTS)
	assert.Equal(media.PixFmtBGR0, frames[0].PixFmt)
	// zero copy
	frames[0].Planes[0][5] = 9
	assert.Equal(byte(9), buf[5])
	assert.Equal(0, released)
	frames[0].Release()
	assert.Equal(1, released)

	// malformed packets are recoverable and released
	short := media.NewPacket(media.CodecRawVideo, [][]byte{buf[:10]}, func() { released++ })
	_, err = d.Decode(context.Background(), short)
	assert.True(lcerrors.Is(err, lcerrors.KindCodec))
	assert.True(lcerrors.IsAcceptable(err))
	assert.Equal(2, released)

	frames, err = d.Flush(context.Background())
	assert.Nil(err)
	assert.Empty(frames)

	_, err = NewRawVideoDecoder(media.StreamInfo{Codec: media.CodecH264})
	assert.True(lcerrors.Is(err, lcerrors.KindConfiguration))
}

func TestX264Args(t *testing.T) {
	e := NewX264Encoder(X264Options{})
	e.desc = testDescriptor(1920, 1080, 12)
	args := strings.Join(e.args(), " ")
	assert.Contains(t, args, "-f rawvideo -pix_fmt yuv420p -s 1920x1080 -framerate 60/1 -i pipe:0")
	assert.Contains(t, args, "-c:v libx264 -preset veryfast -tune zerolatency")
	assert.Contains(t, args, "-b:v 400000 -maxrate 400000 -bufsize 800000")
	assert.Contains(t, args, "-g 12 -keyint_min 12 -sc_threshold 0 -bf 0 -force_key_frames expr:eq(mod(n,12),0)")
	assert.True(t, strings.HasSuffix(args, "-f h264 pipe:1"))
}

func TestX264Configure(t *testing.T) {
	e := NewX264Encoder(X264Options{})
	_, err := e.Encode(context.Background(), &media.RawFrame{})
	assert.True(t, lcerrors.Is(err, lcerrors.KindCodec))

	d := testDescriptor(64, 64, 12)
	d.PixFmt = media.PixFmtBGRA
	err = e.Configure(context.Background(), d)
	assert.True(t, lcerrors.Is(err, lcerrors.KindConfiguration))

	pkts, err := e.Flush(context.Background())
	assert.Nil(t, err)
	assert.Empty(t, pkts)
	assert.Nil(t, e.Close())
}

func TestWriteFrame(t *testing.T) {
	f, _ := media.NewRawFrame(2, 2, media.PixFmtYUV420P)
	copy(f.Planes[0], []byte{1, 2, 3, 4})
	f.Planes[1][0], f.Planes[2][0] = 5, 6
	var b bytes.Buffer
	require.NoError(t, writeFrame(&b, f))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, b.Bytes())

	// padded rows are trimmed to the visible width
	padded := &media.RawFrame{
		Width: 2, Height: 1, PixFmt: media.PixFmtGray,
		Planes:  [][]byte{{7, 8, 0, 0}},
		Strides: []int{4},
	}
	b.Reset()
	require.NoError(t, writeFrame(&b, padded))
	assert.Equal(t, []byte{7, 8}, b.Bytes())
}

func TestX264Encoder_GOP(t *testing.T) {
	requireFFmpeg(t)
	ctx := context.Background()
	const frames, gop, scale = 30, 12, 1500

	e := NewX264Encoder(X264Options{})
	require.NoError(t, e.Configure(ctx, testDescriptor(64, 64, gop)))
	defer e.Close()

	var pkts []*media.Packet
	for i := 0; i < frames; i++ {
		f, _ := media.NewRawFrame(64, 64, media.PixFmtYUV420P)
		for j := range f.Planes[0] {
			f.Planes[0][j] = byte(i*8 + j)
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

	require.Len(t, pkts, frames)
	for i, p := range pkts {
		assert.Equal(t, int64(i*scale), p.PTS)
		assert.Equal(t, p.PTS, p.DTS)
		assert.Equal(t, i%gop == 0, p.KeyFrame, "frame %d", i)
	}
	sps, pps := media.ParameterSets(pkts[0].Data)
	assert.NotEmpty(t, sps)
	assert.NotEmpty(t, pps)

	_, err = e.Encode(ctx, &media.RawFrame{Width: 64, Height: 64, PixFmt: media.PixFmtYUV420P})
	assert.True(t, lcerrors.Is(err, lcerrors.KindCodec))
}
