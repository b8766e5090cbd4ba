// Package coco reads object detection datasets in the COCO JSON layout, as
// exported by annotation tools next to the images they describe.
package coco

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/menta2k/defect-forge/pkg/types"
)

// AnnotationFile is the annotation file name expected in a dataset directory
const AnnotationFile = "_annotations.coco.json"

// File mirrors the subset of a COCO annotation file we use
type File struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories"`
}

// Image is a COCO image record
type Image struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Annotation is a COCO object annotation; BBox is [x, y, width, height]
type Annotation struct {
	ID         int       `json:"id"`
	ImageID    int       `json:"image_id"`
	CategoryID int       `json:"category_id"`
	BBox       []float64 `json:"bbox"`
}

// Category is a COCO category record
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Sample is one image with its boxes in [x1, y1, x2, y2] form
type Sample struct {
	ImageID int
	Path    string
	Boxes   []types.BBox
	Labels  []string
}

// Dataset is a loaded COCO dataset
type Dataset struct {
	Root    string
	ID2Name map[int]string
	samples []Sample
}

// Load reads root/_annotations.coco.json
func Load(root string) (*Dataset, error) {
	return LoadFile(root, filepath.Join(root, AnnotationFile))
}

// LoadFile reads an annotation file whose image paths are relative to root
func LoadFile(root, annotationPath string) (*Dataset, error) {
	data, err := os.ReadFile(annotationPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotations: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse annotations %s: %w", annotationPath, err)
	}
	return build(root, f)
}

func build(root string, f File) (*Dataset, error) {
	ds := &Dataset{
		Root:    root,
		ID2Name: make(map[int]string, len(f.Categories)),
	}
	for _, c := range f.Categories {
		ds.ID2Name[c.ID] = c.Name
	}

	images := make([]Image, len(f.Images))
	copy(images, f.Images)
	sort.SliceStable(images, func(i, j int) bool { return images[i].ID < images[j].ID })

	index := make(map[int]int, len(images))
	ds.samples = make([]Sample, len(images))
	for i, img := range images {
		index[img.ID] = i
		ds.samples[i] = Sample{ImageID: img.ID, Path: filepath.Join(root, img.FileName)}
	}

	for _, a := range f.Annotations {
		i, ok := index[a.ImageID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown image %d", a.ID, a.ImageID)
		}
		name, ok := ds.ID2Name[a.CategoryID]
		if !ok {
			return nil, fmt.Errorf("annotation %d references unknown category %d", a.ID, a.CategoryID)
		}
		if len(a.BBox) != 4 {
			return nil, fmt.Errorf("annotation %d has malformed bbox %v", a.ID, a.BBox)
		}
		x, y, w, h := a.BBox[0], a.BBox[1], a.BBox[2], a.BBox[3]
		ds.samples[i].Boxes = append(ds.samples[i].Boxes, types.BBox{X1: x, Y1: y, X2: x + w, Y2: y + h})
		ds.samples[i].Labels = append(ds.samples[i].Labels, name)
	}

	return ds, nil
}

// Len returns the number of images
func (d *Dataset) Len() int { return len(d.samples) }

// Sample returns the i-th image in id order
func (d *Dataset) Sample(i int) Sample { return d.samples[i] }

// Samples returns every image in id order
func (d *Dataset) Samples() []Sample { return d.samples }
