// Package codec holds the decoders and encoders used between capture and
// publishing. Compressed work runs in ffmpeg subprocesses fed through pipes.
package codec

import (
	"context"
	"fmt"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

// RawVideoDecoder turns captured rawvideo packets into frames without
// copying: the frame borrows the packet's buffer and releasing the frame
// releases the packet.
type RawVideoDecoder struct {
	width  int
	height int
	pixFmt media.PixelFormat
	size   int
}

func NewRawVideoDecoder(info media.StreamInfo) (*RawVideoDecoder, error) {
	if info.Codec != media.CodecRawVideo {
		return nil, lcerrors.Configuration("rawvideo", "stream codec is %s", info.Codec)
	}
	size := info.PixFmt.FrameSize(info.Width, info.Height)
	if size == 0 {
		return nil, lcerrors.Configuration("rawvideo", "unsupported raw layout %dx%d %s", info.Width, info.Height, info.PixFmt)
	}
	return &RawVideoDecoder{
		width:  info.Width,
		height: info.Height,
		pixFmt: info.PixFmt,
		size:   size,
	}, nil
}

// Decode takes ownership of pkt.
func (d *RawVideoDecoder) Decode(ctx context.Context, pkt *media.Packet) ([]*media.RawFrame, error) {
	if len(pkt.Data) != 1 || len(pkt.Data[0]) != d.size {
		pkt.Release()
		return nil, lcerrors.Codec("decode", fmt.Errorf("malformed rawvideo packet: %d bytes, want %d", pkt.Size(), d.size))
	}
	f, err := media.WrapRawFrame(d.width, d.height, d.pixFmt, pkt.Data[0], pkt.Release)
	if err != nil {
		pkt.Release()
		return nil, lcerrors.Codec("decode", err)
	}
	f.PTS = pkt.PTS
	return []*media.RawFrame{f}, nil
}

// Flush has nothing to return; rawvideo never buffers.
func (d *RawVideoDecoder) Flush(ctx context.Context) ([]*media.RawFrame, error) {
	return nil, nil
}

func (d *RawVideoDecoder) Close() error {
	return nil
}
