// Package scaler converts raw pictures to the publishing geometry and pixel
// format. Every source format is first brought to planar 4:2:0, then each
// plane is resampled independently with the configured kernel.
package scaler

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"golang.org/x/image/draw"

	lcerrors "github.com/livepeer/go-livecast/errors"
	"github.com/livepeer/go-livecast/media"
)

// DefaultKernel is used when no kernel is configured.
const DefaultKernel = "bicubic"

var kernels = map[string]draw.Interpolator{
	"bicubic":       draw.CatmullRom,
	"bilinear":      draw.BiLinear,
	"fast_bilinear": draw.ApproxBiLinear,
	"neighbor":      draw.NearestNeighbor,
}

// Kernels lists the accepted kernel names.
func Kernels() []string {
	names := make([]string, 0, len(kernels))
	for n := range kernels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type Config struct {
	InWidth   int
	InHeight  int
	InPixFmt  media.PixelFormat
	OutWidth  int
	OutHeight int
	OutPixFmt media.PixelFormat
	// Kernel name, defaults to bicubic.
	Kernel string
}

// Scaler is a FrameConverter. It is not safe for concurrent use; the frame
// returned by Convert is lent to the caller until the next call.
type Scaler struct {
	cfg    Config
	kernel draw.Interpolator

	// planar 4:2:0 view of the input
	inY, inU, inV *image.Gray
	// backing storage when the input cannot be viewed in place
	tmpY, tmpU, tmpV []byte

	out          *media.RawFrame
	outY         *image.Gray
	outU, outV   *image.Gray
	outUV        []byte // nv12 scratch before interleaving
	sameGeometry bool
}

func New(cfg Config) (*Scaler, error) {
	if cfg.Kernel == "" {
		cfg.Kernel = DefaultKernel
	}
	kernel, ok := kernels[strings.ToLower(cfg.Kernel)]
	if !ok {
		return nil, lcerrors.Configuration("scaler", "unknown scaling kernel %q, want one of %s", cfg.Kernel, strings.Join(Kernels(), ","))
	}
	if cfg.InWidth <= 0 || cfg.InHeight <= 0 || cfg.OutWidth <= 0 || cfg.OutHeight <= 0 {
		return nil, lcerrors.Configuration("scaler", "invalid geometry %dx%d -> %dx%d", cfg.InWidth, cfg.InHeight, cfg.OutWidth, cfg.OutHeight)
	}
	if cfg.InPixFmt.Planes(cfg.InWidth, cfg.InHeight) == nil {
		return nil, lcerrors.Configuration("scaler", "unsupported input pixel format %s", cfg.InPixFmt)
	}
	if cfg.OutPixFmt != media.PixFmtYUV420P && cfg.OutPixFmt != media.PixFmtNV12 {
		return nil, lcerrors.Configuration("scaler", "unsupported output pixel format %s", cfg.OutPixFmt)
	}
	out, err := media.NewRawFrame(cfg.OutWidth, cfg.OutHeight, cfg.OutPixFmt)
	if err != nil {
		return nil, lcerrors.Configuration("scaler", "%v", err)
	}
	s := &Scaler{
		cfg:          cfg,
		kernel:       kernel,
		out:          out,
		sameGeometry: cfg.InWidth == cfg.OutWidth && cfg.InHeight == cfg.OutHeight,
	}

	w, h := cfg.InWidth, cfg.InHeight
	cw, ch := (w+1)/2, (h+1)/2
	s.inY = gray(nil, w, w, h)
	s.inU = gray(nil, cw, cw, ch)
	s.inV = gray(nil, cw, cw, ch)
	if cfg.InPixFmt != media.PixFmtYUV420P && cfg.InPixFmt != media.PixFmtNV12 {
		s.tmpY = make([]byte, w*h)
		s.inY.Pix = s.tmpY
	}
	if cfg.InPixFmt != media.PixFmtYUV420P {
		s.tmpU = make([]byte, cw*ch)
		s.tmpV = make([]byte, cw*ch)
		s.inU.Pix = s.tmpU
		s.inV.Pix = s.tmpV
	}

	ow, oh := cfg.OutWidth, cfg.OutHeight
	ocw, och := (ow+1)/2, (oh+1)/2
	s.outY = gray(out.Planes[0], out.Strides[0], ow, oh)
	if cfg.OutPixFmt == media.PixFmtYUV420P {
		s.outU = gray(out.Planes[1], out.Strides[1], ocw, och)
		s.outV = gray(out.Planes[2], out.Strides[2], ocw, och)
	} else {
		s.outUV = make([]byte, 2*ocw*och)
		s.outU = gray(s.outUV[:ocw*och], ocw, ocw, och)
		s.outV = gray(s.outUV[ocw*och:], ocw, ocw, och)
	}
	return s, nil
}

// Convert maps in to the output geometry and pixel format. The input frame
// stays owned by the caller.
func (s *Scaler) Convert(in *media.RawFrame) (*media.RawFrame, error) {
	if in.Width != s.cfg.InWidth || in.Height != s.cfg.InHeight || in.PixFmt != s.cfg.InPixFmt {
		return nil, lcerrors.CodecFatal("convert", fmt.Errorf("frame is %dx%d %s, converter expects %dx%d %s",
			in.Width, in.Height, in.PixFmt, s.cfg.InWidth, s.cfg.InHeight, s.cfg.InPixFmt))
	}
	if err := s.toPlanar(in); err != nil {
		return nil, lcerrors.Codec("convert", err)
	}
	s.resample(s.outY, s.inY)
	s.resample(s.outU, s.inU)
	s.resample(s.outV, s.inV)
	if s.cfg.OutPixFmt == media.PixFmtNV12 {
		interleave(s.out.Planes[1], s.outU, s.outV)
	}
	s.out.PTS = in.PTS
	s.out.KeyFrame = in.KeyFrame
	return s.out, nil
}

func (s *Scaler) Close() error {
	s.out = nil
	return nil
}

func (s *Scaler) resample(dst, src *image.Gray) {
	if s.sameGeometry {
		copyPlane(dst, src)
		return
	}
	s.kernel.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
}

func (s *Scaler) toPlanar(in *media.RawFrame) error {
	switch in.PixFmt {
	case media.PixFmtYUV420P:
		view(s.inY, in.Planes[0], in.Strides[0])
		view(s.inU, in.Planes[1], in.Strides[1])
		view(s.inV, in.Planes[2], in.Strides[2])
	case media.PixFmtNV12:
		view(s.inY, in.Planes[0], in.Strides[0])
		deinterleave(s.inU, s.inV, in.Planes[1], in.Strides[1])
	case media.PixFmtYUYV422:
		yuyvToPlanar(s.inY, s.inU, s.inV, in.Planes[0], in.Strides[0])
	case media.PixFmtRGB24:
		rgbToPlanar(s.inY, s.inU, s.inV, in.Planes[0], in.Strides[0], 3, 0, 1, 2)
	case media.PixFmtRGBA:
		rgbToPlanar(s.inY, s.inU, s.inV, in.Planes[0], in.Strides[0], 4, 0, 1, 2)
	case media.PixFmtBGRA, media.PixFmtBGR0:
		rgbToPlanar(s.inY, s.inU, s.inV, in.Planes[0], in.Strides[0], 4, 2, 1, 0)
	case media.PixFmtGray:
		grayToPlanar(s.inY, s.inU, s.inV, in.Planes[0], in.Strides[0])
	default:
		return fmt.Errorf("unsupported pixel format %s", in.PixFmt)
	}
	return nil
}

func gray(pix []byte, stride, w, h int) *image.Gray {
	return &image.Gray{Pix: pix, Stride: stride, Rect: image.Rect(0, 0, w, h)}
}

// view points g at a plane of a frame without copying.
func view(g *image.Gray, pix []byte, stride int) {
	g.Pix = pix
	g.Stride = stride
}

func copyPlane(dst, src *image.Gray) {
	w := dst.Rect.Dx()
	for y := 0; y < dst.Rect.Dy(); y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+w], src.Pix[y*src.Stride:y*src.Stride+w])
	}
}
