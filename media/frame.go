package media

import (
	"context"
	"fmt"
)

// RawFrame is one uncompressed picture. It is owned by exactly one stage at
// a time; the owner calls Release once it no longer needs the pixels.
type RawFrame struct {
	Width   int
	Height  int
	PixFmt  PixelFormat
	Planes  [][]byte
	Strides []int

	PTS int64
	// KeyFrame asks the encoder to start a new GOP at this frame.
	KeyFrame bool

	release func()
}

// WrapRawFrame slices buf into the planes of a w x h picture without copying.
// release, if set, runs once when the frame is released.
func WrapRawFrame(w, h int, pf PixelFormat, buf []byte, release func()) (*RawFrame, error) {
	layout := pf.Planes(w, h)
	if layout == nil {
		return nil, fmt.Errorf("unsupported pixel format %s", pf)
	}
	need := pf.FrameSize(w, h)
	if len(buf) != need {
		return nil, fmt.Errorf("frame size mismatch for %dx%d %s: got %d bytes, want %d", w, h, pf, len(buf), need)
	}
	f := &RawFrame{
		Width:   w,
		Height:  h,
		PixFmt:  pf,
		Planes:  make([][]byte, len(layout)),
		Strides: make([]int, len(layout)),
		release: release,
	}
	off := 0
	for i, pl := range layout {
		n := pl.Stride * pl.Rows
		f.Planes[i] = buf[off : off+n : off+n]
		f.Strides[i] = pl.Stride
		off += n
	}
	return f, nil
}

// NewRawFrame allocates a zeroed w x h picture.
func NewRawFrame(w, h int, pf PixelFormat) (*RawFrame, error) {
	return WrapRawFrame(w, h, pf, make([]byte, pf.FrameSize(w, h)), nil)
}

// Release hands the frame's memory back to where it came from. Safe to call
// more than once.
func (f *RawFrame) Release() {
	if f == nil || f.release == nil {
		return
	}
	r := f.release
	f.release = nil
	r()
}

// Packet is a unit of coded or raw data travelling between stages.
type Packet struct {
	Codec CodecID
	// Data holds one unit for rawvideo, or the NAL units of one access unit
	// (without start codes) for h264.
	Data [][]byte

	PTS    int64
	DTS    int64
	HasDTS bool

	KeyFrame    bool
	StreamIndex int

	release func()
}

// NewPacket builds a packet whose Release runs release once.
func NewPacket(codec CodecID, data [][]byte, release func()) *Packet {
	return &Packet{Codec: codec, Data: data, release: release}
}

// Size returns the payload size in bytes.
func (p *Packet) Size() int {
	n := 0
	for _, d := range p.Data {
		n += len(d)
	}
	return n
}

// DecodeTS returns DTS when set and PTS otherwise.
func (p *Packet) DecodeTS() int64 {
	if p.HasDTS {
		return p.DTS
	}
	return p.PTS
}

func (p *Packet) Release() {
	if p == nil || p.release == nil {
		return
	}
	r := p.release
	p.release = nil
	r()
}

// BufferPool is a fixed set of equally sized byte buffers. Get blocks while
// every buffer is in use, which bounds capture memory.
type BufferPool struct {
	size int
	free chan []byte
}

func NewBufferPool(count, size int) *BufferPool {
	bp := &BufferPool{
		size: size,
		free: make(chan []byte, count),
	}
	for i := 0; i < count; i++ {
		bp.free <- make([]byte, size)
	}
	return bp
}

// Get waits for a free buffer or for ctx to be done.
func (bp *BufferPool) Get(ctx context.Context) ([]byte, error) {
	select {
	case b := <-bp.free:
		return b, nil
	default:
	}
	select {
	case b := <-bp.free:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a buffer obtained from Get.
func (bp *BufferPool) Put(b []byte) {
	if cap(b) < bp.size {
		return
	}
	select {
	case bp.free <- b[:bp.size]:
	default:
		// not one of ours
	}
}

// BufferSize returns the size of every buffer in the pool.
func (bp *BufferPool) BufferSize() int {
	return bp.size
}

// Available returns the number of buffers not currently handed out.
func (bp *BufferPool) Available() int {
	return len(bp.free)
}
