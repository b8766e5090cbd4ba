package caption

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/defect-forge/pkg/client"
)

// DefaultCaption is the caption written for every crack tile
const DefaultCaption = "defect of crack"

// DefaultPrompt asks a vision model for a caption in the dataset's phrasing
const DefaultPrompt = `You are labelling close-up photos of industrial surface defects for a
text-to-image training set.

Answer with ONE short lowercase phrase of the form "defect of <kind>",
for example "defect of crack" or "defect of hairline crack".
No punctuation, no quotes, no explanation.`

// Captioner produces the text stored next to each tile
type Captioner interface {
	Caption(ctx context.Context, tile image.Image) (string, error)
}

// Static always returns the same caption
type Static struct {
	Text string
}

// Caption returns s.Text
func (s Static) Caption(context.Context, image.Image) (string, error) {
	return s.Text, nil
}

// Vision captions tiles with a vision-language model
type Vision struct {
	client   client.VisionClient
	model    string
	prompt   string
	fallback string
	maxDim   int
}

// NewVision creates a model-backed captioner; empty prompt and fallback use
// DefaultPrompt and DefaultCaption
func NewVision(vc client.VisionClient, model, prompt, fallback string) *Vision {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	if fallback == "" {
		fallback = DefaultCaption
	}
	return &Vision{
		client:   vc,
		model:    model,
		prompt:   prompt,
		fallback: fallback,
		maxDim:   768,
	}
}

// Caption sends the tile to the model and normalizes its answer
func (v *Vision) Caption(ctx context.Context, tile image.Image) (string, error) {
	imgB64, err := v.encode(tile)
	if err != nil {
		return "", fmt.Errorf("failed to encode tile: %w", err)
	}

	answer, err := v.client.Describe(ctx, v.model, v.prompt, imgB64)
	if err != nil {
		return "", err
	}

	if text := Normalize(answer); text != "" {
		return text, nil
	}
	return v.fallback, nil
}

func (v *Vision) encode(tile image.Image) (string, error) {
	b := tile.Bounds()
	if b.Dx() > v.maxDim || b.Dy() > v.maxDim {
		if b.Dx() >= b.Dy() {
			tile = imaging.Resize(tile, v.maxDim, 0, imaging.Lanczos)
		} else {
			tile = imaging.Resize(tile, 0, v.maxDim, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, tile, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Normalize turns a free-form model reply into a single caption line:
// code fences and quotes stripped, first line only, lowercase, single spaces
// and no trailing period.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)

	if i := strings.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	raw = strings.Trim(raw, "`\"' ")
	raw = strings.TrimRight(raw, ".")
	raw = strings.Join(strings.Fields(raw), " ")
	return strings.ToLower(raw)
}
