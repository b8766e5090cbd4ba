// Package inpaint drives an external diffusion inpainting pipeline: it keeps
// one model loaded at a time, turns browser masks into pipeline requests,
// batches generation and stores the results.
package inpaint

import (
	"context"
	"errors"
	"image"
)

const (
	// ModelInputSize is the square resolution the model is run at
	ModelInputSize = 512
	// BatchSize is the largest number of images requested per pipeline call
	BatchSize = 4

	DefaultPrompt        = "defect of crack"
	DefaultNumImages     = 4
	DefaultGuidanceScale = 7.0
	DefaultSteps         = 28
)

var (
	ErrModelNotLoaded     = errors.New("no model loaded, load a model first")
	ErrMissingInput       = errors.New("original image and mask are required")
	ErrInvalidMask        = errors.New("could not process mask image")
	ErrEmptyMask          = errors.New("mask is empty, paint the defect region first")
	ErrInsufficientMemory = errors.New("not enough accelerator memory")
	ErrInvalidParams      = errors.New("invalid generation parameters")
	ErrModelNotFound      = errors.New("model file is not available to the backend")
)

// ModelSpec names the weights to load
type ModelSpec struct {
	CheckpointPath string
	LoRAPath       string
}

// MemoryInfo reports accelerator memory in GiB
type MemoryInfo struct {
	CUDA        bool    `json:"cuda"`
	TotalGB     float64 `json:"total_gb"`
	AllocatedGB float64 `json:"allocated_gb"`
	ReservedGB  float64 `json:"reserved_gb"`
	FreeGB      float64 `json:"free_gb"`
}

// LoadInfo describes a freshly loaded model
type LoadInfo struct {
	Checkpoint string      `json:"checkpoint"`
	LoRA       string      `json:"lora,omitempty"`
	Memory     *MemoryInfo `json:"memory,omitempty"`
}

// Request is a single pipeline call
type Request struct {
	Image          image.Image
	Mask           *image.Gray
	Prompt         string
	NegativePrompt string
	NumImages      int
	GuidanceScale  float64
	Steps          int
	Width          int
	Height         int
	// PaddingMaskCrop > 0 makes the pipeline work on the mask box grown by
	// this many pixels and paste the result back into the full image
	PaddingMaskCrop int
}

// Pipeline is an inpainting backend with an explicit model lifecycle
type Pipeline interface {
	Load(ctx context.Context, spec ModelSpec) (LoadInfo, error)
	Release(ctx context.Context) error
	Loaded() bool
	Memory(ctx context.Context) (MemoryInfo, error)
	Inpaint(ctx context.Context, req Request) ([]image.Image, error)
}
