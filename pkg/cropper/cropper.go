package cropper

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/defect-forge/pkg/types"
)

// ErrEmptyWindow is returned when a box yields no pixels inside the image
var ErrEmptyWindow = errors.New("crop window is empty")

// TileCropper cuts defect tiles out of annotated images
type TileCropper struct {
	config CropConfig
}

// CropConfig holds configuration for tile cropping
type CropConfig struct {
	Mode     types.CropMode
	CropSize int
	Pad      int
}

// DefaultConfig returns the dataset defaults: original mode, 512px tiles, 50px padding
func DefaultConfig() CropConfig {
	return CropConfig{
		Mode:     types.ModeOriginal,
		CropSize: 512,
		Pad:      50,
	}
}

// New creates a new TileCropper with default configuration
func New() *TileCropper {
	return &TileCropper{config: DefaultConfig()}
}

// NewWithConfig creates a new TileCropper with custom configuration
func NewWithConfig(config CropConfig) (*TileCropper, error) {
	if !config.Mode.Valid() {
		return nil, fmt.Errorf("unknown crop mode %q", config.Mode)
	}
	if config.CropSize <= 0 {
		return nil, fmt.Errorf("crop size must be positive, got %d", config.CropSize)
	}
	if config.Pad < 0 {
		return nil, fmt.Errorf("pad must not be negative, got %d", config.Pad)
	}
	return &TileCropper{config: config}, nil
}

// Config returns the cropper configuration
func (c *TileCropper) Config() CropConfig {
	return c.config
}

// Window returns the crop window for box without touching pixels
func (c *TileCropper) Window(box types.BBox, imgWidth, imgHeight int) (image.Rectangle, error) {
	if c.config.Mode == types.ModeCenterCrop {
		return CenterCropWindow(box, imgWidth, imgHeight, c.config.CropSize)
	}
	return OriginalCropWindow(box, imgWidth, imgHeight, c.config.Pad)
}

// Crop cuts the tile for box using the configured mode
func (c *TileCropper) Crop(img image.Image, box types.BBox) (image.Image, error) {
	if c.config.Mode == types.ModeCenterCrop {
		return CenterCrop(img, box, c.config.CropSize)
	}
	return OriginalCrop(img, box, c.config.Pad)
}

// CenterCropWindow computes a square window of cropSize centered on box.
// Boxes larger than cropSize get a square window of their longest side,
// shrunk to fit the image.
func CenterCropWindow(box types.BBox, imgWidth, imgHeight, cropSize int) (image.Rectangle, error) {
	maxSide := math.Max(box.Width(), box.Height())
	cx := (box.X1 + box.X2) / 2
	cy := (box.Y1 + box.Y2) / 2

	var x1, y1, x2, y2 int
	if maxSide <= float64(cropSize) {
		half := float64(cropSize / 2)
		x1 = maxInt(0, int(cx-half))
		y1 = maxInt(0, int(cy-half))
		x2 = minInt(imgWidth, int(cx+half))
		y2 = minInt(imgHeight, int(cy+half))

		// Clipped by a border: slide the window back inside
		if x2-x1 < cropSize {
			if x1 > 0 {
				x1 = maxInt(0, imgWidth-cropSize)
			} else {
				x1 = 0
			}
			x2 = minInt(imgWidth, x1+cropSize)
		}
		if y2-y1 < cropSize {
			if y1 > 0 {
				y1 = maxInt(0, imgHeight-cropSize)
			} else {
				y1 = 0
			}
			y2 = minInt(imgHeight, y1+cropSize)
		}
	} else {
		half := math.Floor(maxSide / 2)
		x1 = maxInt(0, int(cx-half))
		y1 = maxInt(0, int(cy-half))
		x2 = minInt(imgWidth, int(cx+half))
		y2 = minInt(imgHeight, int(cy+half))

		side := minInt(x2-x1, y2-y1)
		acx := float64(x1+x2) / 2
		acy := float64(y1+y2) / 2
		x1 = maxInt(0, int(acx-float64(side)/2))
		y1 = maxInt(0, int(acy-float64(side)/2))
		x2 = minInt(imgWidth, x1+side)
		y2 = minInt(imgHeight, y1+side)
	}

	rect := image.Rect(x1, y1, x2, y2)
	if x2 <= x1 || y2 <= y1 {
		return image.Rectangle{}, fmt.Errorf("center crop of box %+v: %w", box, ErrEmptyWindow)
	}
	return rect, nil
}

// OriginalCropWindow computes the square around box (longest side) plus pad
// on every side, clamped to the image.
func OriginalCropWindow(box types.BBox, imgWidth, imgHeight, pad int) (image.Rectangle, error) {
	bw, bh := box.Width(), box.Height()
	size := math.Max(bw, bh)

	lx := maxInt(0, int(box.X1+bw/2-size/2))
	ly := maxInt(0, int(box.Y1+bh/2-size/2))
	lw := math.Min(size, float64(imgWidth-lx))
	lh := math.Min(size, float64(imgHeight-ly))

	lx = maxInt(0, lx-pad)
	ly = maxInt(0, ly-pad)
	w := int(math.Min(float64(imgWidth-lx), lw+2*float64(pad)))
	h := int(math.Min(float64(imgHeight-ly), lh+2*float64(pad)))

	if w <= 0 || h <= 0 {
		return image.Rectangle{}, fmt.Errorf("original crop of box %+v: %w", box, ErrEmptyWindow)
	}
	return image.Rect(lx, ly, lx+w, ly+h), nil
}

// CenterCrop cuts the center-crop window and resizes it to cropSize x cropSize
func CenterCrop(img image.Image, box types.BBox, cropSize int) (image.Image, error) {
	bounds := img.Bounds()
	rect, err := CenterCropWindow(box, bounds.Dx(), bounds.Dy(), cropSize)
	if err != nil {
		return nil, err
	}

	tile := imaging.Crop(img, rect.Add(bounds.Min))
	if tile.Bounds().Dx() != cropSize || tile.Bounds().Dy() != cropSize {
		tile = imaging.Resize(tile, cropSize, cropSize, imaging.Linear)
	}
	return tile, nil
}

// OriginalCrop cuts the padded square around box at native resolution
func OriginalCrop(img image.Image, box types.BBox, pad int) (image.Image, error) {
	bounds := img.Bounds()
	rect, err := OriginalCropWindow(box, bounds.Dx(), bounds.Dy(), pad)
	if err != nil {
		return nil, err
	}
	return imaging.Crop(img, rect.Add(bounds.Min)), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
