// Package dataset builds text-to-image fine-tuning sets from detection
// datasets: every defect box of the target label becomes a tile image plus a
// caption line in metadata.jsonl.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/defect-forge/internal/utils"
	"github.com/menta2k/defect-forge/pkg/caption"
	"github.com/menta2k/defect-forge/pkg/coco"
	"github.com/menta2k/defect-forge/pkg/cropper"
	"github.com/menta2k/defect-forge/pkg/processing"
	"github.com/menta2k/defect-forge/pkg/types"
)

const (
	// MetadataFile is the caption index written next to the tiles
	MetadataFile = "metadata.jsonl"
	// DefaultLabel is the crack category name used by the source annotations
	DefaultLabel = "裂纹"
)

// Options configures a dataset build
type Options struct {
	InputPath  string
	OutputPath string
	Crop       cropper.CropConfig
	Label      string
	Workers    int
	Quality    int
}

// DefaultOptions returns the defaults for everything but the paths
func DefaultOptions() Options {
	return Options{
		Crop:    cropper.DefaultConfig(),
		Label:   DefaultLabel,
		Workers: runtime.NumCPU(),
		Quality: 95,
	}
}

// Summary reports what a run produced
type Summary struct {
	Images  int `json:"images"`
	Matched int `json:"matched"`
	Written int `json:"written"`
	Skipped int `json:"skipped"`
}

// Builder crops defect tiles out of a COCO dataset
type Builder struct {
	opts      Options
	cropper   *cropper.TileCropper
	captioner caption.Captioner
	processor *processing.Processor
	logger    *slog.Logger
}

type tileJob struct {
	index int
	box   types.BBox
}

type imageJob struct {
	sample coco.Sample
	tiles  []tileJob
}

// NewBuilder validates opts and creates a Builder. A nil captioner writes
// caption.DefaultCaption for every tile.
func NewBuilder(opts Options, captioner caption.Captioner, logger *slog.Logger) (*Builder, error) {
	if opts.InputPath == "" || opts.OutputPath == "" {
		return nil, fmt.Errorf("input and output paths are required")
	}
	tc, err := cropper.NewWithConfig(opts.Crop)
	if err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Quality < 1 || opts.Quality > 100 {
		return nil, fmt.Errorf("quality must be between 1 and 100, got %d", opts.Quality)
	}
	if captioner == nil {
		captioner = caption.Static{Text: caption.DefaultCaption}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Builder{
		opts:      opts,
		cropper:   tc,
		captioner: captioner,
		processor: processing.NewProcessor(),
		logger:    logger,
	}, nil
}

// TileName is the file name of the index-th tile
func TileName(index int) string {
	return fmt.Sprintf("%05d_img.jpg", index)
}

// Run crops every matching box and writes tiles and metadata.jsonl. Tiles are
// numbered in image id order, then annotation order.
func (b *Builder) Run(ctx context.Context) (Summary, error) {
	var summary Summary

	if err := utils.EnsureDir(b.opts.OutputPath); err != nil {
		return summary, fmt.Errorf("failed to create output directory: %w", err)
	}

	ds, err := coco.Load(b.opts.InputPath)
	if err != nil {
		return summary, err
	}
	summary.Images = ds.Len()

	jobs, total := b.plan(ds, &summary)
	b.logger.Info("dataset planned",
		slog.Int("images", summary.Images),
		slog.Int("tiles", total),
		slog.Int("skipped", summary.Skipped),
		slog.String("mode", string(b.opts.Crop.Mode)))

	entries := make([]types.MetadataEntry, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return b.processImage(gctx, job, entries)
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	summary.Written = total

	if err := writeMetadata(filepath.Join(b.opts.OutputPath, MetadataFile), entries); err != nil {
		return summary, err
	}

	b.logger.Info("dataset written",
		slog.String("output", b.opts.OutputPath),
		slog.Int("written", summary.Written))
	return summary, nil
}

// plan assigns output indexes to every usable box of the target label
func (b *Builder) plan(ds *coco.Dataset, summary *Summary) ([]imageJob, int) {
	var jobs []imageJob
	next := 0

	for _, sample := range ds.Samples() {
		if !utils.IsImageFile(sample.Path) {
			n := countLabel(sample.Labels, b.opts.Label)
			if n > 0 {
				b.logger.Warn("skipping unsupported image file",
					slog.String("image", sample.Path),
					slog.Int("boxes", n))
			}
			summary.Matched += n
			summary.Skipped += n
			continue
		}

		job := imageJob{sample: sample}
		for i, label := range sample.Labels {
			if label != b.opts.Label {
				continue
			}
			summary.Matched++

			box := sample.Boxes[i]
			if box.Width() <= 0 || box.Height() <= 0 {
				b.logger.Warn("skipping degenerate box",
					slog.String("image", sample.Path),
					slog.Any("box", box))
				summary.Skipped++
				continue
			}
			job.tiles = append(job.tiles, tileJob{index: next, box: box})
			next++
		}
		if len(job.tiles) > 0 {
			jobs = append(jobs, job)
		}
	}
	return jobs, next
}

func countLabel(labels []string, target string) int {
	n := 0
	for _, l := range labels {
		if l == target {
			n++
		}
	}
	return n
}

func (b *Builder) processImage(ctx context.Context, job imageJob, entries []types.MetadataEntry) error {
	img, err := b.processor.LoadImage(job.sample.Path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", job.sample.Path, err)
	}
	img = b.processor.DropAlpha(img)

	for _, t := range job.tiles {
		entry, err := b.writeTile(ctx, img, t)
		if err != nil {
			return fmt.Errorf("%s box %+v: %w", job.sample.Path, t.box, err)
		}
		entries[t.index] = entry
	}

	b.logger.Debug("image processed",
		slog.String("image", job.sample.Path),
		slog.Int("tiles", len(job.tiles)))
	return nil
}

func (b *Builder) writeTile(ctx context.Context, img image.Image, t tileJob) (types.MetadataEntry, error) {
	tile, err := b.cropper.Crop(img, t.box)
	if err != nil {
		return types.MetadataEntry{}, err
	}

	text, err := b.captioner.Caption(ctx, tile)
	if err != nil {
		return types.MetadataEntry{}, fmt.Errorf("caption failed: %w", err)
	}

	name := TileName(t.index)
	path := filepath.Join(b.opts.OutputPath, name)
	if err := b.processor.SaveImage(tile, path, "jpg", b.opts.Quality, false); err != nil {
		return types.MetadataEntry{}, fmt.Errorf("failed to save %s: %w", name, err)
	}
	return types.MetadataEntry{Image: name, Text: text}, nil
}

func writeMetadata(path string, entries []types.MetadataEntry) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to write metadata: %w", err)
		}
	}
	return f.Close()
}

// ReadMetadata loads a metadata.jsonl file
func ReadMetadata(path string) ([]types.MetadataEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []types.MetadataEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e types.MetadataEntry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
