package inpaint

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/menta2k/defect-forge/internal/utils"
	"github.com/menta2k/defect-forge/pkg/mask"
	"github.com/menta2k/defect-forge/pkg/processing"
	"github.com/menta2k/defect-forge/pkg/types"
)

// Options configures a Generator
type Options struct {
	OutputDir      string
	ModelInputSize int
	BatchSize      int
	// Memory a batch needs, and the extra a padding crop adds, in GiB
	BatchMemoryGB   float64
	PaddingMemoryGB float64
	// Fraction of the estimate that must be free before generating
	MemoryHeadroom float64
}

// DefaultOptions returns the generator defaults writing into outputDir
func DefaultOptions(outputDir string) Options {
	return Options{
		OutputDir:       outputDir,
		ModelInputSize:  ModelInputSize,
		BatchSize:       BatchSize,
		BatchMemoryGB:   5.0,
		PaddingMemoryGB: 2.0,
		MemoryHeadroom:  0.7,
	}
}

// Params are the user inputs of one generation
type Params struct {
	OriginalImage   string
	MaskImage       string
	Prompt          string
	NegativePrompt  string
	NumImages       int
	GuidanceScale   float64
	Steps           int
	PaddingMaskCrop int
	DebugOverlay    bool
}

// DefaultParams returns the defaults applied to missing request fields
func DefaultParams() Params {
	return Params{
		Prompt:        DefaultPrompt,
		NumImages:     DefaultNumImages,
		GuidanceScale: DefaultGuidanceScale,
		Steps:         DefaultSteps,
	}
}

// Result is what a generation returns to the browser
type Result struct {
	Images    []string    `json:"images"`
	Files     []string    `json:"files"`
	OutputDir string      `json:"output_dir"`
	CropInfo  *types.Rect `json:"crop_info"`
	BBox      *types.Rect `json:"bbox"`
	Overlay   string      `json:"overlay,omitempty"`
}

// MaskInfo is the geometry derived from a painted mask
type MaskInfo struct {
	BBox           types.Rect `json:"bbox"`
	AutoPadding    int        `json:"auto_padding"`
	ModelInputSize int        `json:"model_input_size"`
}

// Generator serializes model loading and generation over one Pipeline
type Generator struct {
	pipeline  Pipeline
	processor *processing.Processor
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// NewGenerator creates a Generator; the output directory is created if needed
func NewGenerator(pipeline Pipeline, opts Options, logger *slog.Logger) (*Generator, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if opts.ModelInputSize <= 0 || opts.BatchSize <= 0 {
		return nil, fmt.Errorf("model input size and batch size must be positive")
	}
	if err := utils.EnsureDir(opts.OutputDir); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Generator{
		pipeline:  pipeline,
		processor: processing.NewProcessor(),
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Release frees the loaded model, if any
func (g *Generator) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pipeline.Release(ctx)
}

// Loaded reports whether a model is ready
func (g *Generator) Loaded() bool {
	return g.pipeline.Loaded()
}

// OutputDir is where generated images are written
func (g *Generator) OutputDir() string {
	return g.opts.OutputDir
}

// LoadModels releases the current model and loads spec
func (g *Generator) LoadModels(ctx context.Context, spec ModelSpec) (LoadInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("releasing model memory")
	if err := g.pipeline.Release(ctx); err != nil {
		// a failed release must not block loading the replacement
		g.logger.Warn("release failed", slog.String("error", err.Error()))
	}

	if spec.CheckpointPath == "" {
		return LoadInfo{}, fmt.Errorf("%w: checkpoint path is required", ErrInvalidParams)
	}

	g.logger.Info("loading inpaint pipeline",
		slog.String("checkpoint", spec.CheckpointPath),
		slog.String("lora", spec.LoRAPath))
	info, err := g.pipeline.Load(ctx, spec)
	if err != nil {
		return LoadInfo{}, fmt.Errorf("failed to load model: %w", err)
	}
	if info.Memory != nil && info.Memory.CUDA {
		g.logger.Info("model loaded",
			slog.Float64("allocated_gb", info.Memory.AllocatedGB),
			slog.Float64("reserved_gb", info.Memory.ReservedGB))
	}
	return info, nil
}

// MaskInfo computes the mask box and the padding that brings it to the
// model input size
func (g *Generator) MaskInfo(originalURL, maskURL string) (MaskInfo, error) {
	_, m, err := g.decodeInputs(originalURL, maskURL)
	if err != nil {
		return MaskInfo{}, err
	}

	box, ok := mask.BoundingBox(m)
	if !ok {
		return MaskInfo{}, ErrEmptyMask
	}
	return MaskInfo{
		BBox:           box,
		AutoPadding:    mask.AutoPadding(box, ok, g.opts.ModelInputSize),
		ModelInputSize: g.opts.ModelInputSize,
	}, nil
}

// Generate inpaints the masked region NumImages times in batches and saves
// every result as PNG. NumImages 0 returns empty image and file lists.
func (g *Generator) Generate(ctx context.Context, p Params) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pipeline.Loaded() {
		return Result{}, ErrModelNotLoaded
	}
	// zero images is a valid request with an empty result
	if p.NumImages < 0 || p.Steps < 1 || p.GuidanceScale < 0 {
		return Result{}, fmt.Errorf("%w: num_images must not be negative and num_inference_steps must be positive", ErrInvalidParams)
	}

	// a non-positive padding means no crop
	p.PaddingMaskCrop = max(p.PaddingMaskCrop, 0)

	original, m, err := g.decodeInputs(p.OriginalImage, p.MaskImage)
	if err != nil {
		return Result{}, err
	}

	var result Result
	box, ok := mask.BoundingBox(m)
	if ok {
		result.BBox = &box
		if win, ok := mask.CropWindow(box, p.PaddingMaskCrop, original.Bounds().Dx(), original.Bounds().Dy()); ok {
			result.CropInfo = &win
		}
	}

	if err := g.checkMemory(ctx, p.PaddingMaskCrop > 0); err != nil {
		return Result{}, err
	}

	batches := (p.NumImages + g.opts.BatchSize - 1) / g.opts.BatchSize
	g.logger.Info("generating",
		slog.Int("images", p.NumImages),
		slog.Int("batches", batches),
		slog.String("prompt", p.Prompt),
		slog.Float64("guidance_scale", p.GuidanceScale))

	var images []image.Image
	for b := 0; b < batches; b++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		n := min(g.opts.BatchSize, p.NumImages-len(images))
		if n <= 0 {
			break
		}

		batch, err := g.pipeline.Inpaint(ctx, Request{
			Image:           original,
			Mask:            m,
			Prompt:          p.Prompt,
			NegativePrompt:  p.NegativePrompt,
			NumImages:       n,
			GuidanceScale:   p.GuidanceScale,
			Steps:           p.Steps,
			Width:           g.opts.ModelInputSize,
			Height:          g.opts.ModelInputSize,
			PaddingMaskCrop: p.PaddingMaskCrop,
		})
		if err != nil {
			return Result{}, fmt.Errorf("batch %d/%d failed: %w", b+1, batches, err)
		}
		images = append(images, batch...)
		g.logger.Debug("batch done", slog.Int("batch", b+1), slog.Int("generated", len(images)))
	}

	if err := g.store(images, &result); err != nil {
		return Result{}, err
	}

	if p.DebugOverlay && result.BBox != nil {
		overlay := g.processor.CreateDebugOverlay(original, *result.BBox, result.CropInfo)
		if result.Overlay, err = g.processor.EncodeDataURL(overlay); err != nil {
			return Result{}, fmt.Errorf("failed to encode overlay: %w", err)
		}
	}
	return result, nil
}

func (g *Generator) store(images []image.Image, result *Result) error {
	timestamp := g.now().Format(utils.TimestampLayout)
	result.OutputDir = g.opts.OutputDir
	result.Images = make([]string, 0, len(images))
	result.Files = make([]string, 0, len(images))

	for i, img := range images {
		name := fmt.Sprintf("sd3_inpaint_%s_%02d.png", timestamp, i)
		path := filepath.Join(g.opts.OutputDir, name)
		if err := g.processor.SaveImage(img, path, "png", 0, false); err != nil {
			return fmt.Errorf("failed to save %s: %w", name, err)
		}

		url, err := g.processor.EncodeDataURL(img)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", name, err)
		}
		result.Images = append(result.Images, url)
		result.Files = append(result.Files, name)
	}
	return nil
}

// checkMemory rejects a generation when the accelerator clearly cannot fit
// one batch. Backends without memory reporting are not checked.
func (g *Generator) checkMemory(ctx context.Context, paddingCrop bool) error {
	mem, err := g.pipeline.Memory(ctx)
	if err != nil {
		g.logger.Warn("memory query failed", slog.String("error", err.Error()))
		return nil
	}
	if !mem.CUDA {
		return nil
	}

	need := g.opts.BatchMemoryGB
	if paddingCrop {
		need += g.opts.PaddingMemoryGB
	}
	g.logger.Info("memory before generation",
		slog.Float64("allocated_gb", mem.AllocatedGB),
		slog.Float64("reserved_gb", mem.ReservedGB),
		slog.Float64("total_gb", mem.TotalGB),
		slog.Float64("free_gb", mem.FreeGB))

	if mem.FreeGB < need*g.opts.MemoryHeadroom {
		return fmt.Errorf("%w: a batch needs about %.1f GB but only %.2f GB is free; restart the backend, use a smaller image or disable the padding crop",
			ErrInsufficientMemory, need, mem.FreeGB)
	}
	return nil
}

func (g *Generator) decodeInputs(originalURL, maskURL string) (image.Image, *image.Gray, error) {
	if originalURL == "" || maskURL == "" {
		return nil, nil, ErrMissingInput
	}

	decoded, err := g.processor.DecodeDataURL(originalURL)
	if err != nil {
		return nil, nil, fmt.Errorf("original image: %w", err)
	}
	original := g.processor.DropAlpha(decoded)

	painted, err := g.processor.DecodeDataURL(maskURL)
	if err != nil {
		return nil, nil, errors.Join(ErrInvalidMask, err)
	}
	return original, mask.Process(original, painted), nil
}
