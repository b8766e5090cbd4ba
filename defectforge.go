// Package defectforge builds training data for surface defect generators.
//
// Two workflows share the packages under pkg/:
//
//  1. Dataset extraction (pkg/dataset): every annotation of one defect
//     class in a COCO export is cropped into a JPEG tile (pkg/cropper) and
//     listed with a caption (pkg/caption) in metadata.jsonl, the layout
//     text-to-image fine-tuning scripts expect.
//  2. Interactive inpainting (pkg/inpaint): a painted mask and a prompt are
//     sent to a diffusion backend (pkg/sdapi) that draws new defects into
//     a clean image.
//
// Basic usage:
//
//	opts := dataset.DefaultOptions()
//	opts.InputPath, opts.OutputPath = "coco/train", "tiles"
//
//	captioner, err := defectforge.NewCaptioner(defectforge.CaptionOptions{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	summary, err := defectforge.BuildDataset(ctx, opts, captioner, slog.Default())
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("wrote %d tiles\n", summary.Written)
package defectforge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/menta2k/defect-forge/pkg/caption"
	"github.com/menta2k/defect-forge/pkg/client"
	"github.com/menta2k/defect-forge/pkg/dataset"
	"github.com/menta2k/defect-forge/pkg/inpaint"
	"github.com/menta2k/defect-forge/pkg/llamacpp"
	"github.com/menta2k/defect-forge/pkg/ollama"
	"github.com/menta2k/defect-forge/pkg/sdapi"
)

// Version of the defect-forge tools
const Version = "1.0.0"

// Caption backends
const (
	CaptionNone     = "none"
	CaptionOllama   = "ollama"
	CaptionLlamaCPP = "llamacpp"
)

// CaptionOptions selects how tiles are captioned
type CaptionOptions struct {
	Backend string // none, ollama or llamacpp
	URL     string
	Model   string
	Prompt  string
	// Text is the fixed caption, and the fallback when a model answer is unusable
	Text string
}

// NewCaptioner builds the captioner for opts
func NewCaptioner(opts CaptionOptions) (caption.Captioner, error) {
	text := opts.Text
	if text == "" {
		text = caption.DefaultCaption
	}

	var (
		vc  client.VisionClient
		err error
	)
	switch opts.Backend {
	case "", CaptionNone:
		return caption.Static{Text: text}, nil
	case CaptionOllama:
		url := opts.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		vc, err = ollama.NewClient(url)
	case CaptionLlamaCPP:
		vc, err = llamacpp.NewClient(opts.URL)
	default:
		return nil, fmt.Errorf("unknown caption backend: %s (use none, ollama or llamacpp)", opts.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", opts.Backend, err)
	}
	return caption.NewVision(vc, opts.Model, opts.Prompt, text), nil
}

// BuildDataset extracts tiles and metadata as described by opts
func BuildDataset(ctx context.Context, opts dataset.Options, captioner caption.Captioner, logger *slog.Logger) (dataset.Summary, error) {
	b, err := dataset.NewBuilder(opts, captioner, logger)
	if err != nil {
		return dataset.Summary{}, err
	}
	return b.Run(ctx)
}

// BackendOptions configures the diffusion backend connection
type BackendOptions struct {
	URL        string
	Timeout    time.Duration
	LoRAWeight float64
}

// NewInpaintGenerator connects a Generator to a WebUI compatible backend
func NewInpaintGenerator(backend BackendOptions, opts inpaint.Options, logger *slog.Logger) (*inpaint.Generator, error) {
	clientOpts := []sdapi.Option{}
	if backend.Timeout > 0 {
		clientOpts = append(clientOpts, sdapi.WithHTTPClient(&http.Client{Timeout: backend.Timeout}))
	}
	if backend.LoRAWeight > 0 {
		clientOpts = append(clientOpts, sdapi.WithLoRAWeight(backend.LoRAWeight))
	}

	pipeline, err := sdapi.NewClient(backend.URL, clientOpts...)
	if err != nil {
		return nil, err
	}
	return inpaint.NewGenerator(pipeline, opts, logger)
}
