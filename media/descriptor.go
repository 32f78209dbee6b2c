package media

import "fmt"

// StreamDescriptor is the negotiated description of a running stream. It is
// derived once before the first frame and never changes afterwards.
type StreamDescriptor struct {
	Input StreamInfo

	Codec     CodecID
	Width     int
	Height    int
	PixFmt    PixelFormat
	Bitrate   int64 // bits per second
	FrameRate Rational
	GOP       int

	// EncoderTimeBase is 1/FrameRate.
	EncoderTimeBase Rational
	// ContainerTimeBase is imposed by the output container.
	ContainerTimeBase Rational
	// PTSScale is EncoderTimeBase / ContainerTimeBase, a positive integer.
	PTSScale int64
}

func (d StreamDescriptor) String() string {
	return fmt.Sprintf("in=[%s] out=[%s %dx%d %s %dbps %s fps gop=%d tb=%s scale=%d]",
		d.Input, d.Codec, d.Width, d.Height, d.PixFmt, d.Bitrate, d.FrameRate, d.GOP, d.ContainerTimeBase, d.PTSScale)
}
