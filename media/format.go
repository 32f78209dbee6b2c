package media

import (
	"fmt"
	"strconv"
	"strings"
)

// PixelFormat is a raw picture layout, named as ffmpeg names it.
type PixelFormat int

const (
	PixFmtNone PixelFormat = iota
	PixFmtYUV420P
	PixFmtNV12
	PixFmtYUYV422
	PixFmtRGB24
	PixFmtRGBA
	PixFmtBGRA
	PixFmtBGR0
	PixFmtGray
)

var pixFmtNames = map[PixelFormat]string{
	PixFmtYUV420P: "yuv420p",
	PixFmtNV12:    "nv12",
	PixFmtYUYV422: "yuyv422",
	PixFmtRGB24:   "rgb24",
	PixFmtRGBA:    "rgba",
	PixFmtBGRA:    "bgra",
	PixFmtBGR0:    "bgr0",
	PixFmtGray:    "gray",
}

func (p PixelFormat) String() string {
	if n, ok := pixFmtNames[p]; ok {
		return n
	}
	return "none"
}

// ParsePixelFormat maps an ffmpeg pixel format name to a PixelFormat.
func ParsePixelFormat(name string) (PixelFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "yuyv" {
		name = "yuyv422"
	}
	for p, n := range pixFmtNames {
		if n == name {
			return p, nil
		}
	}
	return PixFmtNone, fmt.Errorf("unsupported pixel format %q", name)
}

// PlaneLayout describes one plane of a picture.
type PlaneLayout struct {
	Stride int
	Rows   int
}

// Planes returns the tightly packed plane layout of a w x h picture.
func (p PixelFormat) Planes(w, h int) []PlaneLayout {
	cw, ch := (w+1)/2, (h+1)/2
	switch p {
	case PixFmtYUV420P:
		return []PlaneLayout{{w, h}, {cw, ch}, {cw, ch}}
	case PixFmtNV12:
		return []PlaneLayout{{w, h}, {2 * cw, ch}}
	case PixFmtYUYV422:
		return []PlaneLayout{{4 * cw, h}}
	case PixFmtRGB24:
		return []PlaneLayout{{3 * w, h}}
	case PixFmtRGBA, PixFmtBGRA, PixFmtBGR0:
		return []PlaneLayout{{4 * w, h}}
	case PixFmtGray:
		return []PlaneLayout{{w, h}}
	}
	return nil
}

// FrameSize returns the number of bytes of a tightly packed w x h picture.
func (p PixelFormat) FrameSize(w, h int) int {
	size := 0
	for _, pl := range p.Planes(w, h) {
		size += pl.Stride * pl.Rows
	}
	return size
}

// Rational is a fraction used for frame rates and time bases.
type Rational struct {
	Num int64
	Den int64
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Invert returns Den/Num; the time base of a frame rate and vice versa.
func (r Rational) Invert() Rational {
	return Rational{Num: r.Den, Den: r.Num}
}

// IntRatio returns r / o when the quotient is a whole number.
func (r Rational) IntRatio(o Rational) (int64, bool) {
	if !r.Valid() || !o.Valid() {
		return 0, false
	}
	n := r.Num * o.Den
	d := r.Den * o.Num
	if n%d != 0 {
		return 0, false
	}
	return n / d, true
}

// ParseRational accepts "60", "30000/1001" or "29.97".
func ParseRational(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseInt(num, 10, 64)
		if err != nil {
			return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
		}
		d, err := strconv.ParseInt(den, 10, 64)
		if err != nil {
			return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
		}
		return Rational{n, d}, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Rational{n, 1}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
	}
	return Rational{int64(f*1000 + 0.5), 1000}, nil
}

// ParseSize parses a WxH geometry.
func ParseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q, expected WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return w, h, nil
}

// CodecID identifies the payload of a Packet.
type CodecID int

const (
	CodecNone CodecID = iota
	CodecRawVideo
	CodecH264
)

func (c CodecID) String() string {
	switch c {
	case CodecRawVideo:
		return "rawvideo"
	case CodecH264:
		return "h264"
	}
	return "none"
}

// StreamInfo is what a source reports once opened.
type StreamInfo struct {
	Codec     CodecID
	Width     int
	Height    int
	PixFmt    PixelFormat
	FrameRate Rational
	// TimeBase of the PTS carried by the source packets.
	TimeBase Rational
}

func (si StreamInfo) String() string {
	return fmt.Sprintf("%s %dx%d %s %s fps tb=%s", si.Codec, si.Width, si.Height, si.PixFmt, si.FrameRate, si.TimeBase)
}
