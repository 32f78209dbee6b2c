// Package core drives a live stream through capture, decode, conversion,
// encode and publish, and owns the lifecycle of everything it opens.
package core

import (
	"context"

	"github.com/livepeer/go-livecast/capture"
	"github.com/livepeer/go-livecast/codec"
	"github.com/livepeer/go-livecast/media"
	"github.com/livepeer/go-livecast/publish"
	"github.com/livepeer/go-livecast/scaler"
)

// Stages tracked by the error monitor and the codec error metric.
const (
	stageDecode  = "decode"
	stageConvert = "convert"
	stageEncode  = "encode"
	stagePublish = "publish"
)

// StreamDescriptor is fixed once Negotiating completes.
type StreamDescriptor = media.StreamDescriptor

type Source interface {
	Open(ctx context.Context) (media.StreamInfo, error)
	ReadPacket(ctx context.Context) (*media.Packet, error)
	Close() error
}

// Decoder takes ownership of every packet passed to Decode. Frames it
// returns belong to the caller.
type Decoder interface {
	Decode(ctx context.Context, pkt *media.Packet) ([]*media.RawFrame, error)
	Flush(ctx context.Context) ([]*media.RawFrame, error)
	Close() error
}

// Converter returns a frame that stays valid until the next Convert.
type Converter interface {
	Convert(in *media.RawFrame) (*media.RawFrame, error)
	Close() error
}

// Encoder returns a nil packet and a nil error when it has nothing to hand
// out yet.
type Encoder interface {
	Configure(ctx context.Context, desc StreamDescriptor) error
	Encode(ctx context.Context, f *media.RawFrame) (*media.Packet, error)
	Flush(ctx context.Context) ([]*media.Packet, error)
	Close() error
}

type Publisher interface {
	Open(ctx context.Context) error
	// TimeBase is the container time-base packets are stamped in.
	TimeBase() media.Rational
	WriteHeader(ctx context.Context, opts publish.HeaderOptions) error
	WritePacket(ctx context.Context, pkt *media.Packet) error
	WriteTrailer(ctx context.Context) error
	Close() error
}

// Components are the stages a Pipeline runs. Source, Encoder and Publisher
// are required; the factories default to the codec and scaler packages.
type Components struct {
	Source    Source
	Encoder   Encoder
	Publisher Publisher

	NewDecoder   func(ctx context.Context, info media.StreamInfo) (Decoder, error)
	NewConverter func(desc StreamDescriptor, kernel string) (Converter, error)
}

var (
	_ Source    = (capture.Source)(nil)
	_ Encoder   = (*codec.X264Encoder)(nil)
	_ Publisher = (*publish.Publisher)(nil)
	_ Converter = (*scaler.Scaler)(nil)
)

// DefaultDecoder picks the decoder for what the source produces.
func DefaultDecoder(ctx context.Context, info media.StreamInfo) (Decoder, error) {
	if info.Codec == media.CodecH264 {
		d, err := codec.NewH264Decoder(ctx, info, codec.H264DecoderOptions{})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	d, err := codec.NewRawVideoDecoder(info)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DefaultConverter scales decoded frames to the negotiated output.
func DefaultConverter(desc StreamDescriptor, kernel string) (Converter, error) {
	in := desc.Input
	if in.Codec == media.CodecH264 {
		// the h264 decoder always hands out yuv420p
		in.PixFmt = media.PixFmtYUV420P
	}
	s, err := scaler.New(scaler.Config{
		InWidth:   in.Width,
		InHeight:  in.Height,
		InPixFmt:  in.PixFmt,
		OutWidth:  desc.Width,
		OutHeight: desc.Height,
		OutPixFmt: desc.PixFmt,
		Kernel:    kernel,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
