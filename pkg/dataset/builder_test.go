package dataset

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/defect-forge/pkg/types"
)

const annotations = `{
  "images": [
    {"id": 1, "file_name": "first.png", "width": 400, "height": 300},
    {"id": 2, "file_name": "second.png", "width": 400, "height": 300},
    {"id": 3, "file_name": "empty.png", "width": 400, "height": 300}
  ],
  "annotations": [
    {"id": 1, "image_id": 1, "category_id": 1, "bbox": [100, 100, 40, 20]},
    {"id": 2, "image_id": 1, "category_id": 2, "bbox": [10, 10, 30, 30]},
    {"id": 3, "image_id": 2, "category_id": 1, "bbox": [350, 250, 40, 40]},
    {"id": 4, "image_id": 1, "category_id": 1, "bbox": [200, 50, 10, 60]},
    {"id": 5, "image_id": 2, "category_id": 1, "bbox": [20, 20, 0, 10]}
  ],
  "categories": [
    {"id": 1, "name": "裂纹"},
    {"id": 2, "name": "划痕"}
  ]
}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeImage(t *testing.T, path string, width, height int) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x), uint8(y), 90, 255})
		}
	}
	require.NoError(t, imaging.Save(img, path))
}

func setupDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_annotations.coco.json"), []byte(annotations), 0o644))
	for _, name := range []string{"first.png", "second.png", "empty.png"} {
		writeImage(t, filepath.Join(dir, name), 400, 300)
	}
	return dir
}

func newOptions(in, out string) Options {
	opts := DefaultOptions()
	opts.InputPath = in
	opts.OutputPath = out
	opts.Workers = 2
	return opts
}

func TestTileName(t *testing.T) {
	assert.Equal(t, "00000_img.jpg", TileName(0))
	assert.Equal(t, "00042_img.jpg", TileName(42))
	assert.Equal(t, "123456_img.jpg", TileName(123456))
}

func TestNewBuilderValidation(t *testing.T) {
	_, err := NewBuilder(Options{}, nil, nil)
	assert.Error(t, err)

	opts := newOptions("in", "out")
	opts.Crop.Mode = "bogus"
	_, err = NewBuilder(opts, nil, nil)
	assert.Error(t, err)

	opts = newOptions("in", "out")
	opts.Quality = 0
	_, err = NewBuilder(opts, nil, nil)
	assert.Error(t, err)
}

func TestRunOriginalMode(t *testing.T) {
	in := setupDataset(t)
	out := filepath.Join(t.TempDir(), "tiles")

	b, err := NewBuilder(newOptions(in, out), nil, quietLogger())
	require.NoError(t, err)

	summary, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Images: 3, Matched: 4, Written: 3, Skipped: 1}, summary)

	entries, err := ReadMetadata(filepath.Join(out, MetadataFile))
	require.NoError(t, err)
	assert.Equal(t, []types.MetadataEntry{
		{Image: "00000_img.jpg", Text: "defect of crack"},
		{Image: "00001_img.jpg", Text: "defect of crack"},
		{Image: "00002_img.jpg", Text: "defect of crack"},
	}, entries)

	// box [100,100,140,120]: 40px square padded by 50 on each side
	tile, err := imaging.Open(filepath.Join(out, "00000_img.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 140, 140), tile.Bounds())

	// box [350,250,390,290] clamped at the bottom right corner
	tile, err = imaging.Open(filepath.Join(out, "00002_img.jpg"))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 100), tile.Bounds())
}

func TestRunCenterCropMode(t *testing.T) {
	in := setupDataset(t)
	out := t.TempDir()

	opts := newOptions(in, out)
	opts.Crop.Mode = types.ModeCenterCrop
	opts.Crop.CropSize = 128

	b, err := NewBuilder(opts, nil, quietLogger())
	require.NoError(t, err)
	_, err = b.Run(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tile, err := imaging.Open(filepath.Join(out, TileName(i)))
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 128, 128), tile.Bounds())
	}
}

type countingCaptioner struct {
	calls atomic.Int32
}

func (c *countingCaptioner) Caption(ctx context.Context, tile image.Image) (string, error) {
	n := c.calls.Add(1)
	return fmt.Sprintf("defect of crack %dx%d #%d", tile.Bounds().Dx(), tile.Bounds().Dy(), n), nil
}

func TestRunUsesCaptioner(t *testing.T) {
	in := setupDataset(t)
	out := t.TempDir()

	opts := newOptions(in, out)
	opts.Label = "划痕"
	captioner := &countingCaptioner{}

	b, err := NewBuilder(opts, captioner, quietLogger())
	require.NoError(t, err)
	summary, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Written)
	assert.Equal(t, int32(1), captioner.calls.Load())

	data, err := os.ReadFile(filepath.Join(out, MetadataFile))
	require.NoError(t, err)
	assert.Equal(t, `{"image":"00000_img.jpg","text":"defect of crack 130x130 #1"}`+"\n", string(data))
}

func TestRunMissingImage(t *testing.T) {
	in := setupDataset(t)
	require.NoError(t, os.Remove(filepath.Join(in, "second.png")))

	b, err := NewBuilder(newOptions(in, t.TempDir()), nil, quietLogger())
	require.NoError(t, err)

	_, err = b.Run(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "second.png"))
}

func TestRunSkipsUnsupportedFiles(t *testing.T) {
	in := setupDataset(t)
	data := strings.Replace(annotations, `"second.png"`, `"second.txt"`, 1)
	require.NoError(t, os.WriteFile(filepath.Join(in, "_annotations.coco.json"), []byte(data), 0o644))

	out := t.TempDir()
	b, err := NewBuilder(newOptions(in, out), nil, quietLogger())
	require.NoError(t, err)

	summary, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Summary{Images: 3, Matched: 4, Written: 2, Skipped: 2}, summary)

	entries, err := ReadMetadata(filepath.Join(out, MetadataFile))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunCancelled(t *testing.T) {
	in := setupDataset(t)

	b, err := NewBuilder(newOptions(in, t.TempDir()), nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunMissingAnnotations(t *testing.T) {
	b, err := NewBuilder(newOptions(t.TempDir(), t.TempDir()), nil, quietLogger())
	require.NoError(t, err)

	_, err = b.Run(context.Background())
	assert.Error(t, err)
}
