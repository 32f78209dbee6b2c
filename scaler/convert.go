package scaler

import "image"

// BT.601 limited range, 8 bit fixed point.

func rgbToY(r, g, b int) byte {
	return byte(((66*r + 129*g + 25*b + 128) >> 8) + 16)
}

func rgbToU(r, g, b int) byte {
	return byte(((-38*r - 74*g + 112*b + 128) >> 8) + 128)
}

func rgbToV(r, g, b int) byte {
	return byte(((112*r - 94*g - 18*b + 128) >> 8) + 128)
}

// rgbToPlanar converts packed RGB with bpp bytes per pixel and the given
// channel offsets. Chroma is taken from the average of each 2x2 block.
func rgbToPlanar(y, u, v *image.Gray, src []byte, stride, bpp, ri, gi, bi int) {
	w, h := y.Rect.Dx(), y.Rect.Dy()
	for row := 0; row < h; row++ {
		line := src[row*stride:]
		out := y.Pix[row*y.Stride:]
		for col := 0; col < w; col++ {
			p := line[col*bpp:]
			out[col] = rgbToY(int(p[ri]), int(p[gi]), int(p[bi]))
		}
	}
	for cy := 0; cy < u.Rect.Dy(); cy++ {
		r0, r1 := 2*cy, min(2*cy+1, h-1)
		uo := u.Pix[cy*u.Stride:]
		vo := v.Pix[cy*v.Stride:]
		for cx := 0; cx < u.Rect.Dx(); cx++ {
			c0, c1 := 2*cx, min(2*cx+1, w-1)
			var r, g, b int
			for _, off := range [4]int{r0*stride + c0*bpp, r0*stride + c1*bpp, r1*stride + c0*bpp, r1*stride + c1*bpp} {
				r += int(src[off+ri])
				g += int(src[off+gi])
				b += int(src[off+bi])
			}
			r, g, b = (r+2)/4, (g+2)/4, (b+2)/4
			uo[cx] = rgbToU(r, g, b)
			vo[cx] = rgbToV(r, g, b)
		}
	}
}

func grayToPlanar(y, u, v *image.Gray, src []byte, stride int) {
	w, h := y.Rect.Dx(), y.Rect.Dy()
	for row := 0; row < h; row++ {
		line := src[row*stride:]
		out := y.Pix[row*y.Stride:]
		for col := 0; col < w; col++ {
			out[col] = byte(16 + int(line[col])*219/255)
		}
	}
	fill(u, 128)
	fill(v, 128)
}

// yuyvToPlanar drops every other chroma line to go from 4:2:2 to 4:2:0.
func yuyvToPlanar(y, u, v *image.Gray, src []byte, stride int) {
	w, h := y.Rect.Dx(), y.Rect.Dy()
	for row := 0; row < h; row++ {
		line := src[row*stride:]
		out := y.Pix[row*y.Stride:]
		for col := 0; col < w; col++ {
			out[col] = line[2*col]
		}
	}
	for cy := 0; cy < u.Rect.Dy(); cy++ {
		r0, r1 := src[2*cy*stride:], src[min(2*cy+1, h-1)*stride:]
		uo := u.Pix[cy*u.Stride:]
		vo := v.Pix[cy*v.Stride:]
		for cx := 0; cx < u.Rect.Dx(); cx++ {
			uo[cx] = byte((int(r0[4*cx+1]) + int(r1[4*cx+1]) + 1) / 2)
			vo[cx] = byte((int(r0[4*cx+3]) + int(r1[4*cx+3]) + 1) / 2)
		}
	}
}

func deinterleave(u, v *image.Gray, uv []byte, stride int) {
	for cy := 0; cy < u.Rect.Dy(); cy++ {
		line := uv[cy*stride:]
		uo := u.Pix[cy*u.Stride:]
		vo := v.Pix[cy*v.Stride:]
		for cx := 0; cx < u.Rect.Dx(); cx++ {
			uo[cx] = line[2*cx]
			vo[cx] = line[2*cx+1]
		}
	}
}

func interleave(uv []byte, u, v *image.Gray) {
	cw := u.Rect.Dx()
	for cy := 0; cy < u.Rect.Dy(); cy++ {
		line := uv[cy*2*cw:]
		ui := u.Pix[cy*u.Stride:]
		vi := v.Pix[cy*v.Stride:]
		for cx := 0; cx < cw; cx++ {
			line[2*cx] = ui[cx]
			line[2*cx+1] = vi[cx]
		}
	}
}

func fill(g *image.Gray, val byte) {
	for row := 0; row < g.Rect.Dy(); row++ {
		line := g.Pix[row*g.Stride : row*g.Stride+g.Rect.Dx()]
		for i := range line {
			line[i] = val
		}
	}
}
