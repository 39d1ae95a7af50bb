package ocr

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// Variant positions. Engine plans index into GenerateVariants by position.
const (
	VariantContrast = iota
	VariantAdaptiveThreshold
	VariantClosed
	VariantUpscaled
	VariantOtsu
	VariantGrayscale
	VariantCount
)

// VariantNames labels each variant for logs and the CLI.
var VariantNames = [VariantCount]string{
	"contrast_denoise",
	"adaptive_threshold",
	"morph_close",
	"upscale_sharpen",
	"otsu_dilate",
	"grayscale",
}

const (
	claheClipLimit     = 3.0
	claheTiles         = 8
	bilateralDiameter  = 9
	bilateralSigmaCol  = 75.0
	bilateralSigmaDist = 75.0
	adaptiveBlockSize  = 65
	adaptiveC          = 13
)

var sharpenKernel = [9]float64{
	-1, -1, -1,
	-1, 9, -1,
	-1, -1, -1,
}

// GenerateVariants returns the six pre-processed renderings of a page, always
// in the same order and never conditionally skipped.
func GenerateVariants(img image.Image) []*image.Gray {
	gray := toGray(img)
	if gray.Bounds().Empty() {
		out := make([]*image.Gray, VariantCount)
		for i := range out {
			out[i] = image.NewGray(image.Rect(0, 0, 0, 0))
		}
		return out
	}

	return []*image.Gray{
		bilateral(clahe(gray, claheClipLimit, claheTiles), bilateralDiameter, bilateralSigmaCol, bilateralSigmaDist),
		adaptiveGaussianThreshold(gray, adaptiveBlockSize, adaptiveC),
		morphClose(gray, 2, 2),
		sharpen(upscale(gray, 2)),
		dilate(otsuBinarize(gray), 2, 1),
		gray,
	}
}

// FallbackVariant is the single rendering used when the ensemble cannot run:
// grayscale, 1.5× linear upscale, then the same adaptive threshold as variant 2.
func FallbackVariant(img image.Image) *image.Gray {
	gray := toGray(img)
	if gray.Bounds().Empty() {
		return gray
	}
	w := gray.Bounds().Dx() * 3 / 2
	resized := fromNRGBA(imaging.Resize(gray, max(w, 1), 0, imaging.Linear))
	return adaptiveGaussianThreshold(resized, adaptiveBlockSize, adaptiveC)
}

// toGray converts any image to an *image.Gray anchored at (0,0).
func toGray(img image.Image) *image.Gray {
	if img == nil || img.Bounds().Empty() {
		return image.NewGray(image.Rect(0, 0, 0, 0))
	}
	return fromNRGBA(imaging.Grayscale(img))
}

// fromNRGBA keeps the red channel of an imaging result, which equals the luma
// for any image imaging has already desaturated.
func fromNRGBA(src *image.NRGBA) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < b.Dx(); x++ {
			dst.Pix[y*dst.Stride+x] = row[x*4]
		}
	}
	return dst
}

// clahe equalizes each tile's histogram with a clip limit and blends
// neighbouring tile mappings bilinearly.
func clahe(src *image.Gray, clipLimit float64, tiles int) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	tw := int(math.Ceil(float64(w) / float64(tiles)))
	th := int(math.Ceil(float64(h) / float64(tiles)))
	tx := int(math.Ceil(float64(w) / float64(tw)))
	ty := int(math.Ceil(float64(h) / float64(th)))

	luts := make([][256]uint8, tx*ty)
	for j := 0; j < ty; j++ {
		for i := 0; i < tx; i++ {
			x0, y0 := i*tw, j*th
			x1, y1 := min(x0+tw, w), min(y0+th, h)
			luts[j*tx+i] = tileMapping(src, x0, y0, x1, y1, clipLimit)
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		gy := (float64(y)+0.5)/float64(th) - 0.5
		j0 := int(math.Floor(gy))
		fy := gy - float64(j0)
		j1 := j0 + 1
		j0, j1 = clampInt(j0, 0, ty-1), clampInt(j1, 0, ty-1)
		for x := 0; x < w; x++ {
			gx := (float64(x)+0.5)/float64(tw) - 0.5
			i0 := int(math.Floor(gx))
			fx := gx - float64(i0)
			i1 := i0 + 1
			i0, i1 = clampInt(i0, 0, tx-1), clampInt(i1, 0, tx-1)

			v := src.Pix[y*src.Stride+x]
			top := (1-fx)*float64(luts[j0*tx+i0][v]) + fx*float64(luts[j0*tx+i1][v])
			bottom := (1-fx)*float64(luts[j1*tx+i0][v]) + fx*float64(luts[j1*tx+i1][v])
			dst.Pix[y*dst.Stride+x] = clampByte((1-fy)*top + fy*bottom)
		}
	}
	return dst
}

func tileMapping(src *image.Gray, x0, y0, x1, y1 int, clipLimit float64) [256]uint8 {
	var hist [256]int
	area := (x1 - x0) * (y1 - y0)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			hist[src.Pix[y*src.Stride+x]]++
		}
	}

	limit := max(int(clipLimit*float64(area)/256), 1)
	excess := 0
	for i := range hist {
		if hist[i] > limit {
			excess += hist[i] - limit
			hist[i] = limit
		}
	}
	bonus, residual := excess/256, excess%256
	for i := range hist {
		hist[i] += bonus
		if i < residual {
			hist[i]++
		}
	}

	var lut [256]uint8
	scale := 255.0 / float64(area)
	sum := 0
	for i := range hist {
		sum += hist[i]
		lut[i] = clampByte(float64(sum) * scale)
	}
	return lut
}

// bilateral smooths flat regions while keeping edges, weighting neighbours
// by both distance and intensity difference.
func bilateral(src *image.Gray, diameter int, sigmaColor, sigmaSpace float64) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	radius := diameter / 2

	var colorWeight [256]float64
	for d := range colorWeight {
		colorWeight[d] = math.Exp(-float64(d*d) / (2 * sigmaColor * sigmaColor))
	}

	type tap struct {
		dx, dy int
		w      float64
	}
	var taps []tap
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			r2 := float64(dx*dx + dy*dy)
			if r2 > float64(radius*radius) {
				continue
			}
			taps = append(taps, tap{dx, dy, math.Exp(-r2 / (2 * sigmaSpace * sigmaSpace))})
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			center := int(src.Pix[y*src.Stride+x])
			var sum, norm float64
			for _, t := range taps {
				nx, ny := clampInt(x+t.dx, 0, w-1), clampInt(y+t.dy, 0, h-1)
				v := int(src.Pix[ny*src.Stride+nx])
				d := v - center
				if d < 0 {
					d = -d
				}
				wt := t.w * colorWeight[d]
				sum += wt * float64(v)
				norm += wt
			}
			dst.Pix[y*dst.Stride+x] = clampByte(sum / norm)
		}
	}
	return dst
}

// adaptiveGaussianThreshold marks a pixel white when it is brighter than its
// Gaussian-weighted neighbourhood mean minus c.
func adaptiveGaussianThreshold(src *image.Gray, blockSize int, c float64) *image.Gray {
	sigma := 0.3*(float64(blockSize-1)*0.5-1) + 0.8
	mean := fromNRGBA(imaging.Blur(src, sigma))

	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*src.Stride + x
			if float64(src.Pix[i]) > float64(mean.Pix[y*mean.Stride+x])-c {
				dst.Pix[y*dst.Stride+x] = 255
			}
		}
	}
	return dst
}

// morphClose is dilation followed by erosion with a kw×kh rectangle; the
// trailing 1×1 Gaussian of the closing variant is the identity.
func morphClose(src *image.Gray, kw, kh int) *image.Gray {
	return erode(dilate(src, kw, kh), kw, kh)
}

func dilate(src *image.Gray, kw, kh int) *image.Gray {
	return morph(src, kw, kh, 1, func(a, b uint8) bool { return b > a })
}

// erode uses the reflected window so that closing never shifts strokes.
func erode(src *image.Gray, kw, kh int) *image.Gray {
	return morph(src, kw, kh, -1, func(a, b uint8) bool { return b < a })
}

// morph replaces each pixel with the extreme of its kw×kh window, anchored at
// the kernel centre; dir -1 mirrors the window. Out-of-range neighbours are
// ignored.
func morph(src *image.Gray, kw, kh, dir int, better func(cur, cand uint8) bool) *image.Gray {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	ax, ay := kw/2, kh/2
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := src.Pix[y*src.Stride+x]
			for ky := 0; ky < kh; ky++ {
				ny := y + dir*(ky-ay)
				if ny < 0 || ny >= h {
					continue
				}
				for kx := 0; kx < kw; kx++ {
					nx := x + dir*(kx-ax)
					if nx < 0 || nx >= w {
						continue
					}
					if cand := src.Pix[ny*src.Stride+nx]; better(v, cand) {
						v = cand
					}
				}
			}
			dst.Pix[y*dst.Stride+x] = v
		}
	}
	return dst
}

func upscale(src *image.Gray, factor int) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

func sharpen(src *image.Gray) *image.Gray {
	return fromNRGBA(imaging.Convolve3x3(src, sharpenKernel, nil))
}

// otsuBinarize thresholds at the level that maximizes between-class variance.
func otsuBinarize(src *image.Gray) *image.Gray {
	threshold := otsuThreshold(src)
	return fromNRGBA(imaging.AdjustFunc(src, func(c color.NRGBA) color.NRGBA {
		v := uint8(0)
		if c.R > threshold {
			v = 255
		}
		return color.NRGBA{R: v, G: v, B: v, A: c.A}
	}))
}

func otsuThreshold(src *image.Gray) uint8 {
	var hist [256]float64
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hist[src.Pix[y*src.Stride+x]]++
		}
	}

	total := float64(w * h)
	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i) * n
	}

	var best uint8
	var weightBg, sumBg float64
	bestVar := -1.0
	for t := 0; t < 256; t++ {
		weightBg += hist[t]
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(t) * hist[t]
		meanBg := sumBg / weightBg
		meanFg := (sumAll - sumBg) / weightFg
		between := weightBg * weightFg * (meanBg - meanFg) * (meanBg - meanFg)
		if between > bestVar {
			bestVar = between
			best = uint8(t)
		}
	}
	return best
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v + 0.5)
}
