package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/defect-forge/pkg/dataset"
)

const annotations = `{
  "images": [{"id": 1, "file_name": "plate.png", "width": 300, "height": 200}],
  "annotations": [
    {"id": 1, "image_id": 1, "category_id": 1, "bbox": [100, 50, 40, 30]},
    {"id": 2, "image_id": 1, "category_id": 2, "bbox": [10, 10, 20, 20]}
  ],
  "categories": [{"id": 1, "name": "dent"}, {"id": 2, "name": "scratch"}]
}`

func TestRunDataset(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	// invalid until --mode overrides it
	t.Setenv("DEFECT_FORGE_CROP_MODE", "stretch")

	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "tiles")
	require.NoError(t, os.WriteFile(filepath.Join(in, "_annotations.coco.json"), []byte(annotations), 0o644))
	require.NoError(t, imaging.Save(imaging.New(300, 200, color.NRGBA{120, 120, 120, 255}), filepath.Join(in, "plate.png")))

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{in, out,
		"--label", "dent",
		"--mode", "center_crop",
		"--crop-size", "64",
		"--caption", "defect of dent",
		"--workers", "1",
		"--log-level", "error",
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, stdout.String(), "tiles written: 1")

	entries, err := dataset.ReadMetadata(filepath.Join(out, dataset.MetadataFile))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "00000_img.jpg", entries[0].Image)
	assert.Equal(t, "defect of dent", entries[0].Text)

	tile, err := imaging.Open(filepath.Join(out, entries[0].Image))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), tile.Bounds())
}
