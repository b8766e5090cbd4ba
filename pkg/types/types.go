package types

import "image"

// BBox is a defect box in pixel coordinates as [x1, y1, x2, y2]
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the box width
func (b BBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

// Rect is an integer pixel rectangle reported to clients
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rectangle converts r to an image.Rectangle
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Tuple returns r as [x, y, width, height]
func (r Rect) Tuple() []int {
	return []int{r.X, r.Y, r.Width, r.Height}
}

// RectFromRectangle converts an image.Rectangle to a Rect
func RectFromRectangle(r image.Rectangle) Rect {
	return Rect{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// MetadataEntry is one line of a dataset metadata.jsonl file
type MetadataEntry struct {
	Image string `json:"image"`
	Text  string `json:"text"`
}

// CropMode selects how defect tiles are cut
type CropMode string

const (
	// ModeOriginal keeps the defect square plus padding at native resolution
	ModeOriginal CropMode = "original"
	// ModeCenterCrop centers a fixed-size square on the defect
	ModeCenterCrop CropMode = "center_crop"
)

// Valid reports whether m is a known crop mode
func (m CropMode) Valid() bool {
	return m == ModeOriginal || m == ModeCenterCrop
}
