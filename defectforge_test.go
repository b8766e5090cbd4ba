package defectforge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/defect-forge/pkg/caption"
	"github.com/menta2k/defect-forge/pkg/dataset"
	"github.com/menta2k/defect-forge/pkg/inpaint"
)

func TestNewCaptioner(t *testing.T) {
	c, err := NewCaptioner(CaptionOptions{})
	require.NoError(t, err)
	assert.Equal(t, caption.Static{Text: caption.DefaultCaption}, c)

	c, err = NewCaptioner(CaptionOptions{Backend: CaptionNone, Text: "defect of scratch"})
	require.NoError(t, err)
	text, err := c.Caption(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "defect of scratch", text)

	c, err = NewCaptioner(CaptionOptions{Backend: CaptionOllama, Model: "llava"})
	require.NoError(t, err)
	assert.IsType(t, &caption.Vision{}, c)

	c, err = NewCaptioner(CaptionOptions{Backend: CaptionLlamaCPP, URL: "http://127.0.0.1:8080"})
	require.NoError(t, err)
	assert.IsType(t, &caption.Vision{}, c)

	_, err = NewCaptioner(CaptionOptions{Backend: CaptionOllama, URL: "localhost"})
	assert.Error(t, err)

	_, err = NewCaptioner(CaptionOptions{Backend: "gpt"})
	assert.Error(t, err)
}

func TestBuildDatasetValidates(t *testing.T) {
	_, err := BuildDataset(context.Background(), dataset.DefaultOptions(), nil, nil)
	assert.Error(t, err)
}

func TestNewInpaintGenerator(t *testing.T) {
	out := filepath.Join(t.TempDir(), "outputs")
	gen, err := NewInpaintGenerator(BackendOptions{URL: "http://127.0.0.1:7860", Timeout: time.Minute, LoRAWeight: 0.8}, inpaint.DefaultOptions(out), nil)
	require.NoError(t, err)
	assert.False(t, gen.Loaded())
	assert.Equal(t, out, gen.OutputDir())

	_, err = NewInpaintGenerator(BackendOptions{URL: "127.0.0.1"}, inpaint.DefaultOptions(out), nil)
	assert.Error(t, err)
}
