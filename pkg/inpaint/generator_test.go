package inpaint

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/defect-forge/pkg/processing"
	"github.com/menta2k/defect-forge/pkg/types"
)

type fakePipeline struct {
	mu        sync.Mutex
	loaded    bool
	loadErr   error
	memory    MemoryInfo
	memErr    error
	failAt    int
	releases  int
	loads     []ModelSpec
	requests  []Request
	loadInfo  LoadInfo
	inpaintFn func(req Request) []image.Image
}

func (f *fakePipeline) Load(ctx context.Context, spec ModelSpec) (LoadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, spec)
	if f.loadErr != nil {
		return LoadInfo{}, f.loadErr
	}
	f.loaded = true
	info := f.loadInfo
	info.Checkpoint = filepath.Base(spec.CheckpointPath)
	return info, nil
}

func (f *fakePipeline) Release(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	f.loaded = false
	return nil
}

func (f *fakePipeline) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

func (f *fakePipeline) Memory(ctx context.Context) (MemoryInfo, error) {
	return f.memory, f.memErr
}

func (f *fakePipeline) Inpaint(ctx context.Context, req Request) ([]image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.failAt > 0 && len(f.requests) == f.failAt {
		return nil, errors.New("backend exploded")
	}
	if f.inpaintFn != nil {
		return f.inpaintFn(req), nil
	}
	out := make([]image.Image, req.NumImages)
	for i := range out {
		out[i] = imaging.New(req.Image.Bounds().Dx(), req.Image.Bounds().Dy(), color.NRGBA{200, 10, 10, 255})
	}
	return out, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// inputs returns a 200x100 original and a mask painted over x 20..59, y 30..49
func inputs(t *testing.T) (string, string) {
	t.Helper()
	p := processing.NewProcessor()

	original := imaging.New(200, 100, color.NRGBA{90, 90, 90, 255})
	painted := imaging.New(200, 100, color.NRGBA{0, 0, 0, 255})
	for y := 30; y < 50; y++ {
		for x := 20; x < 60; x++ {
			painted.Set(x, y, color.NRGBA{255, 255, 255, 255})
		}
	}

	o, err := p.EncodeDataURL(original)
	require.NoError(t, err)
	m, err := p.EncodeDataURL(painted)
	require.NoError(t, err)
	return o, m
}

func newGenerator(t *testing.T, pipeline Pipeline) *Generator {
	t.Helper()
	g, err := NewGenerator(pipeline, DefaultOptions(filepath.Join(t.TempDir(), "out")), quietLogger())
	require.NoError(t, err)
	g.now = func() time.Time { return time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC) }
	return g
}

func TestNewGeneratorValidation(t *testing.T) {
	_, err := NewGenerator(nil, DefaultOptions(t.TempDir()), nil)
	assert.Error(t, err)

	_, err = NewGenerator(&fakePipeline{}, DefaultOptions(""), nil)
	assert.Error(t, err)

	opts := DefaultOptions(t.TempDir())
	opts.BatchSize = 0
	_, err = NewGenerator(&fakePipeline{}, opts, nil)
	assert.Error(t, err)
}

func TestLoadModelsReleasesFirst(t *testing.T) {
	fake := &fakePipeline{loadInfo: LoadInfo{Memory: &MemoryInfo{CUDA: true, AllocatedGB: 4}}}
	g := newGenerator(t, fake)

	info, err := g.LoadModels(context.Background(), ModelSpec{CheckpointPath: "/models/sd3.safetensors", LoRAPath: "/models/crack.safetensors"})
	require.NoError(t, err)
	assert.Equal(t, "sd3.safetensors", info.Checkpoint)
	assert.True(t, g.Loaded())

	_, err = g.LoadModels(context.Background(), ModelSpec{CheckpointPath: "/models/other.safetensors"})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.releases)
	assert.Len(t, fake.loads, 2)
}

func TestLoadModelsRequiresCheckpoint(t *testing.T) {
	fake := &fakePipeline{loaded: true}
	g := newGenerator(t, fake)

	_, err := g.LoadModels(context.Background(), ModelSpec{})
	assert.ErrorIs(t, err, ErrInvalidParams)
	// the old model is gone even though nothing replaced it
	assert.False(t, g.Loaded())
	assert.Empty(t, fake.loads)
}

func TestLoadModelsFailure(t *testing.T) {
	fake := &fakePipeline{loadErr: errors.New("no such checkpoint")}
	g := newGenerator(t, fake)

	_, err := g.LoadModels(context.Background(), ModelSpec{CheckpointPath: "x.safetensors"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such checkpoint")
	assert.False(t, g.Loaded())
}

func TestMaskInfo(t *testing.T) {
	g := newGenerator(t, &fakePipeline{})
	original, painted := inputs(t)

	info, err := g.MaskInfo(original, painted)
	require.NoError(t, err)
	assert.Equal(t, types.Rect{X: 20, Y: 30, Width: 40, Height: 20}, info.BBox)
	assert.Equal(t, 236, info.AutoPadding)
	assert.Equal(t, 512, info.ModelInputSize)
}

func TestMaskInfoErrors(t *testing.T) {
	g := newGenerator(t, &fakePipeline{})
	original, _ := inputs(t)

	_, err := g.MaskInfo("", "")
	assert.ErrorIs(t, err, ErrMissingInput)

	_, err = g.MaskInfo(original, "not a data url")
	assert.ErrorIs(t, err, ErrInvalidMask)
	assert.ErrorIs(t, err, processing.ErrInvalidDataURL)

	blank, err := processing.NewProcessor().EncodeDataURL(imaging.New(200, 100, color.NRGBA{0, 0, 0, 255}))
	require.NoError(t, err)
	_, err = g.MaskInfo(original, blank)
	assert.ErrorIs(t, err, ErrEmptyMask)
}

func TestGenerateRequiresModel(t *testing.T) {
	g := newGenerator(t, &fakePipeline{})
	original, painted := inputs(t)

	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted
	_, err := g.Generate(context.Background(), p)
	assert.ErrorIs(t, err, ErrModelNotLoaded)
}

func TestGenerateBatches(t *testing.T) {
	fake := &fakePipeline{loaded: true}
	g := newGenerator(t, fake)
	original, painted := inputs(t)

	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted
	p.NumImages = 10
	p.NegativePrompt = "blurry"

	result, err := g.Generate(context.Background(), p)
	require.NoError(t, err)

	require.Len(t, fake.requests, 3)
	assert.Equal(t, 4, fake.requests[0].NumImages)
	assert.Equal(t, 4, fake.requests[1].NumImages)
	assert.Equal(t, 2, fake.requests[2].NumImages)
	for _, req := range fake.requests {
		assert.Equal(t, "defect of crack", req.Prompt)
		assert.Equal(t, "blurry", req.NegativePrompt)
		assert.Equal(t, 28, req.Steps)
		assert.InDelta(t, 7.0, req.GuidanceScale, 1e-9)
		assert.Equal(t, 512, req.Width)
		assert.Equal(t, 512, req.Height)
		assert.Equal(t, 0, req.PaddingMaskCrop)
		assert.Equal(t, image.Rect(0, 0, 200, 100), req.Mask.Bounds())
	}

	require.Len(t, result.Images, 10)
	require.Len(t, result.Files, 10)
	assert.Equal(t, "sd3_inpaint_20240501_083000_00.png", result.Files[0])
	assert.Equal(t, "sd3_inpaint_20240501_083000_09.png", result.Files[9])
	for _, url := range result.Images {
		assert.True(t, strings.HasPrefix(url, "data:image/png;base64,"))
	}
	for _, name := range result.Files {
		_, err := os.Stat(filepath.Join(g.OutputDir(), name))
		assert.NoError(t, err)
	}

	require.NotNil(t, result.BBox)
	assert.Equal(t, types.Rect{X: 20, Y: 30, Width: 40, Height: 20}, *result.BBox)
	assert.Nil(t, result.CropInfo)
	assert.Empty(t, result.Overlay)
}

func TestGeneratePaddingCrop(t *testing.T) {
	fake := &fakePipeline{loaded: true}
	g := newGenerator(t, fake)
	original, painted := inputs(t)

	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted
	p.NumImages = 1
	p.PaddingMaskCrop = 10
	p.DebugOverlay = true

	result, err := g.Generate(context.Background(), p)
	require.NoError(t, err)

	require.Len(t, fake.requests, 1)
	assert.Equal(t, 10, fake.requests[0].PaddingMaskCrop)
	require.NotNil(t, result.CropInfo)
	assert.Equal(t, types.Rect{X: 10, Y: 20, Width: 60, Height: 40}, *result.CropInfo)
	assert.True(t, strings.HasPrefix(result.Overlay, "data:image/png;base64,"))
}

func TestGenerateMemoryCheck(t *testing.T) {
	original, painted := inputs(t)
	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted

	// 5 GB * 0.7 = 3.5 GB required
	fake := &fakePipeline{loaded: true, memory: MemoryInfo{CUDA: true, TotalGB: 24, FreeGB: 3.4}}
	_, err := newGenerator(t, fake).Generate(context.Background(), p)
	assert.ErrorIs(t, err, ErrInsufficientMemory)
	assert.Empty(t, fake.requests)

	fake = &fakePipeline{loaded: true, memory: MemoryInfo{CUDA: true, TotalGB: 24, FreeGB: 3.6}}
	_, err = newGenerator(t, fake).Generate(context.Background(), p)
	assert.NoError(t, err)

	// padding adds 2 GB: 7 GB * 0.7 = 4.9 GB
	p.PaddingMaskCrop = 32
	fake = &fakePipeline{loaded: true, memory: MemoryInfo{CUDA: true, TotalGB: 24, FreeGB: 4.5}}
	_, err = newGenerator(t, fake).Generate(context.Background(), p)
	assert.ErrorIs(t, err, ErrInsufficientMemory)

	// no accelerator reported: nothing to check
	fake = &fakePipeline{loaded: true, memory: MemoryInfo{}}
	_, err = newGenerator(t, fake).Generate(context.Background(), p)
	assert.NoError(t, err)

	fake = &fakePipeline{loaded: true, memErr: errors.New("endpoint missing")}
	_, err = newGenerator(t, fake).Generate(context.Background(), p)
	assert.NoError(t, err)
}

func TestGenerateBatchFailure(t *testing.T) {
	fake := &fakePipeline{loaded: true, failAt: 2}
	g := newGenerator(t, fake)
	original, painted := inputs(t)

	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted
	p.NumImages = 8

	_, err := g.Generate(context.Background(), p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 2/2")

	entries, err := os.ReadDir(g.OutputDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGenerateInvalidParams(t *testing.T) {
	g := newGenerator(t, &fakePipeline{loaded: true})
	original, painted := inputs(t)

	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted
	p.NumImages = -1
	_, err := g.Generate(context.Background(), p)
	assert.ErrorIs(t, err, ErrInvalidParams)

	p = DefaultParams()
	p.OriginalImage = original
	_, err = g.Generate(context.Background(), p)
	assert.ErrorIs(t, err, ErrMissingInput)
}

func TestGenerateZeroImages(t *testing.T) {
	fake := &fakePipeline{loaded: true}
	g := newGenerator(t, fake)
	original, painted := inputs(t)

	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted
	p.NumImages = 0
	result, err := g.Generate(context.Background(), p)
	require.NoError(t, err)
	assert.NotNil(t, result.Images)
	assert.Empty(t, result.Images)
	assert.Empty(t, result.Files)
	assert.NotNil(t, result.BBox)
	assert.Empty(t, fake.requests)
}

func TestGenerateCancelled(t *testing.T) {
	fake := &fakePipeline{loaded: true}
	g := newGenerator(t, fake)
	original, painted := inputs(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := DefaultParams()
	p.OriginalImage, p.MaskImage = original, painted
	_, err := g.Generate(ctx, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fake.requests)
}
