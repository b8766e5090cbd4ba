// Package mask turns painted browser masks into inpainting masks and derives
// the geometry the inpainting pipeline works with: the mask bounding box,
// the automatic padding that brings it up to the model input size and the
// padded crop window.
package mask

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"

	"github.com/menta2k/defect-forge/pkg/types"
)

// Threshold is the channel mean above which a painted pixel counts as masked
const Threshold = 10

// Process converts a painted RGB(A) mask into a single-channel mask the size
// of original. Pixels whose RGB mean exceeds Threshold become 255.
func Process(original image.Image, painted image.Image) *image.Gray {
	ob := original.Bounds()
	if painted.Bounds().Dx() != ob.Dx() || painted.Bounds().Dy() != ob.Dy() {
		painted = imaging.Resize(painted, ob.Dx(), ob.Dy(), imaging.Lanczos)
	}

	pb := painted.Bounds()
	out := image.NewGray(image.Rect(0, 0, pb.Dx(), pb.Dy()))
	for y := 0; y < pb.Dy(); y++ {
		for x := 0; x < pb.Dx(); x++ {
			c := color.NRGBAModel.Convert(painted.At(pb.Min.X+x, pb.Min.Y+y)).(color.NRGBA)
			mean := (float64(c.R) + float64(c.G) + float64(c.B)) / 3
			if mean > Threshold {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// BoundingBox returns the tight box around masked pixels; ok is false for an
// empty mask.
func BoundingBox(m *image.Gray) (box types.Rect, ok bool) {
	b := m.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := m.Pix[(y-b.Min.Y)*m.Stride:]
		for x := b.Min.X; x < b.Max.X; x++ {
			if row[x-b.Min.X] <= Threshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if maxX < minX {
		return types.Rect{}, false
	}
	return types.Rect{
		X:      minX - b.Min.X,
		Y:      minY - b.Min.Y,
		Width:  maxX - minX + 1,
		Height: maxY - minY + 1,
	}, true
}

// AutoPadding is the padding that grows the longest side of box to
// modelSize. Boxes already at least that large need none.
func AutoPadding(box types.Rect, ok bool, modelSize int) int {
	if !ok {
		return 0
	}
	maxSide := box.Width
	if box.Height > maxSide {
		maxSide = box.Height
	}
	if maxSide >= modelSize {
		return 0
	}
	return (modelSize - maxSide) / 2
}

// CropWindow is box grown by padding on every side and clamped to the image.
// ok is false when padding is not positive.
func CropWindow(box types.Rect, padding, imgWidth, imgHeight int) (types.Rect, bool) {
	if padding <= 0 {
		return types.Rect{}, false
	}
	x := max(0, box.X-padding)
	y := max(0, box.Y-padding)
	return types.Rect{
		X:      x,
		Y:      y,
		Width:  min(imgWidth-x, box.Width+2*padding),
		Height: min(imgHeight-y, box.Height+2*padding),
	}, true
}
