package vision

import (
	"image"

	xdraw "golang.org/x/image/draw"
)

// Thumbnail scales img down so its longer side is at most maxSide, preserving
// aspect ratio. Images already within bounds are returned unchanged.
func Thumbnail(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxSide && h <= maxSide {
		return img
	}

	var tw, th int
	if w >= h {
		tw = maxSide
		th = h * maxSide / w
	} else {
		th = maxSide
		tw = w * maxSide / h
	}
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

// resizeRGBA scales img to exactly targetW x targetH for model input.
func resizeRGBA(img image.Image, targetW, targetH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

// cropPadded extracts the box region from img with 10% padding on each side,
// clamped to the image bounds. Returns nil for degenerate boxes.
func cropPadded(img image.Image, box image.Rectangle) image.Image {
	bounds := img.Bounds()
	box = box.Intersect(bounds)
	if box.Empty() {
		return nil
	}

	padW := box.Dx() / 10
	padH := box.Dy() / 10
	box = image.Rect(box.Min.X-padW, box.Min.Y-padH, box.Max.X+padW, box.Max.Y+padH).Intersect(bounds)

	crop := image.NewRGBA(image.Rect(0, 0, box.Dx(), box.Dy()))
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			crop.Set(x-box.Min.X, y-box.Min.Y, img.At(x, y))
		}
	}
	return crop
}

// toCHW converts an image to CHW float32 layout with per-channel
// normalization: pixel = (pixel - mean) / std.
func toCHW(img *image.RGBA, mean, std [3]float32) []float32 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, 3*h*w)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			r := float32(img.Pix[off])
			g := float32(img.Pix[off+1])
			bb := float32(img.Pix[off+2])

			idx := y*w + x
			data[0*h*w+idx] = (r - mean[0]) / std[0]
			data[1*h*w+idx] = (g - mean[1]) / std[1]
			data[2*h*w+idx] = (bb - mean[2]) / std[2]
		}
	}
	return data
}
