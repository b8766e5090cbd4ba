package mask

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/defect-forge/pkg/types"
)

func paintedMask(width, height int, stroke image.Rectangle, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	for y := stroke.Min.Y; y < stroke.Max.Y; y++ {
		for x := stroke.Min.X; x < stroke.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestProcessThreshold(t *testing.T) {
	original := image.NewRGBA(image.Rect(0, 0, 4, 1))
	painted := image.NewNRGBA(image.Rect(0, 0, 4, 1))
	painted.Set(0, 0, color.NRGBA{0, 0, 0, 0})
	painted.Set(1, 0, color.NRGBA{10, 10, 10, 255})
	painted.Set(2, 0, color.NRGBA{11, 11, 11, 255})
	painted.Set(3, 0, color.NRGBA{255, 0, 0, 128})

	m := Process(original, painted)
	assert.Equal(t, []uint8{0, 0, 255, 255}, m.Pix)
}

func TestProcessResizesToOriginal(t *testing.T) {
	original := image.NewRGBA(image.Rect(0, 0, 200, 100))
	painted := paintedMask(100, 50, image.Rect(20, 10, 40, 30), color.White)

	m := Process(original, painted)
	assert.Equal(t, image.Rect(0, 0, 200, 100), m.Bounds())

	box, ok := BoundingBox(m)
	require.True(t, ok)
	// Lanczos ringing may spill a few pixels past the stroke
	assert.InDelta(t, 40, box.X, 6)
	assert.InDelta(t, 20, box.Y, 6)
	assert.InDelta(t, 40, box.Width, 12)
	assert.InDelta(t, 40, box.Height, 12)
}

func TestBoundingBox(t *testing.T) {
	m := image.NewGray(image.Rect(0, 0, 100, 80))
	m.SetGray(12, 30, color.Gray{255})
	m.SetGray(40, 7, color.Gray{255})
	m.SetGray(25, 60, color.Gray{11})
	m.SetGray(90, 70, color.Gray{10})

	box, ok := BoundingBox(m)
	require.True(t, ok)
	assert.Equal(t, types.Rect{X: 12, Y: 7, Width: 29, Height: 54}, box)
}

func TestBoundingBoxEmpty(t *testing.T) {
	_, ok := BoundingBox(image.NewGray(image.Rect(0, 0, 10, 10)))
	assert.False(t, ok)
}

func TestBoundingBoxSinglePixel(t *testing.T) {
	m := image.NewGray(image.Rect(0, 0, 10, 10))
	m.SetGray(3, 4, color.Gray{200})

	box, ok := BoundingBox(m)
	require.True(t, ok)
	assert.Equal(t, types.Rect{X: 3, Y: 4, Width: 1, Height: 1}, box)
}

func TestAutoPadding(t *testing.T) {
	assert.Equal(t, 0, AutoPadding(types.Rect{}, false, 512))
	assert.Equal(t, 206, AutoPadding(types.Rect{Width: 100, Height: 60}, true, 512))
	assert.Equal(t, 205, AutoPadding(types.Rect{Width: 40, Height: 101}, true, 512))
	assert.Equal(t, 0, AutoPadding(types.Rect{Width: 512, Height: 10}, true, 512))
	assert.Equal(t, 0, AutoPadding(types.Rect{Width: 10, Height: 900}, true, 512))
}

func TestCropWindow(t *testing.T) {
	_, ok := CropWindow(types.Rect{X: 10, Y: 10, Width: 5, Height: 5}, 0, 100, 100)
	assert.False(t, ok)

	win, ok := CropWindow(types.Rect{X: 100, Y: 100, Width: 50, Height: 20}, 30, 1000, 1000)
	require.True(t, ok)
	assert.Equal(t, types.Rect{X: 70, Y: 70, Width: 110, Height: 80}, win)

	// clamped on both borders
	win, ok = CropWindow(types.Rect{X: 5, Y: 90, Width: 10, Height: 10}, 20, 100, 100)
	require.True(t, ok)
	assert.Equal(t, types.Rect{X: 0, Y: 70, Width: 50, Height: 30}, win)
	assert.True(t, win.Rectangle().In(image.Rect(0, 0, 100, 100)))
}
