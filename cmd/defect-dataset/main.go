package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	defectforge "github.com/menta2k/defect-forge"
	"github.com/menta2k/defect-forge/internal/config"
	"github.com/menta2k/defect-forge/internal/logger"
	"github.com/menta2k/defect-forge/pkg/dataset"
	"github.com/menta2k/defect-forge/pkg/types"
)

var (
	configPath     string
	cropSize       int
	mode           string
	pad            int
	label          string
	captionText    string
	workers        int
	quality        int
	captionBackend string
	captionURL     string
	captionModel   string
	captionPrompt  string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:   "defect-dataset <input_path> <output_path>",
	Short: "Crop annotated defects from a COCO export into captioned training tiles",
	Long: `Reads <input_path>/_annotations.coco.json, crops every box of the chosen
category into <output_path>/NNNNN_img.jpg and lists each tile with its
caption in <output_path>/metadata.jsonl.`,
	Args:          cobra.ExactArgs(2),
	Version:       defectforge.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runDataset,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "configuration file (json or yaml)")
	flags.IntVar(&cropSize, "crop-size", 512, "tile size for center_crop mode")
	flags.StringVar(&mode, "mode", string(types.ModeOriginal), "crop mode: original|center_crop")
	flags.IntVar(&pad, "pad", 50, "padding around the box in original mode")
	flags.StringVar(&label, "label", dataset.DefaultLabel, "category name to extract")
	flags.StringVar(&captionText, "caption", "defect of crack", "caption for every tile (fallback for model captions)")
	flags.IntVar(&workers, "workers", 0, "parallel image workers (0 = number of CPUs)")
	flags.IntVar(&quality, "quality", 95, "JPEG quality of the tiles (1-100)")
	flags.StringVar(&captionBackend, "caption-backend", defectforge.CaptionNone, "caption source: none|ollama|llamacpp")
	flags.StringVar(&captionURL, "caption-url", "", "vision model server URL")
	flags.StringVar(&captionModel, "caption-model", "", "vision model name")
	flags.StringVar(&captionPrompt, "caption-prompt", "", "prompt sent with every tile")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warning|error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runDataset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.FindConfigFile(configPath))
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}

	captioner, err := defectforge.NewCaptioner(defectforge.CaptionOptions{
		Backend: cfg.Caption.Backend,
		URL:     cfg.Caption.URL,
		Model:   cfg.Caption.Model,
		Prompt:  cfg.Caption.Prompt,
		Text:    cfg.Caption.Text,
	})
	if err != nil {
		return err
	}

	opts := dataset.DefaultOptions()
	opts.InputPath = args[0]
	opts.OutputPath = args[1]
	opts.Crop.Mode = types.CropMode(cfg.Dataset.Mode)
	opts.Crop.CropSize = cfg.Dataset.CropSize
	opts.Crop.Pad = cfg.Dataset.Pad
	opts.Label = cfg.Dataset.Label
	opts.Quality = cfg.Dataset.Quality
	if cfg.Dataset.Workers > 0 {
		opts.Workers = cfg.Dataset.Workers
	} else {
		opts.Workers = runtime.NumCPU()
	}

	log.Info("building dataset",
		slog.String("input", opts.InputPath),
		slog.String("output", opts.OutputPath),
		slog.String("mode", string(opts.Crop.Mode)),
		slog.String("label", opts.Label),
		slog.String("caption_backend", cfg.Caption.Backend),
		slog.Int("workers", opts.Workers))

	summary, err := defectforge.BuildDataset(cmd.Context(), opts, captioner, log)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "images: %d, matched boxes: %d, tiles written: %d, skipped: %d\n",
		summary.Images, summary.Matched, summary.Written, summary.Skipped)
	return nil
}

// applyFlags overrides configuration with the flags set on the command line
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("crop-size") {
		cfg.Dataset.CropSize = cropSize
	}
	if flags.Changed("mode") {
		cfg.Dataset.Mode = mode
	}
	if flags.Changed("pad") {
		cfg.Dataset.Pad = pad
	}
	if flags.Changed("label") {
		cfg.Dataset.Label = label
	}
	if flags.Changed("workers") {
		cfg.Dataset.Workers = workers
	}
	if flags.Changed("quality") {
		cfg.Dataset.Quality = quality
	}
	if flags.Changed("caption") {
		cfg.Caption.Text = captionText
	}
	if flags.Changed("caption-backend") {
		cfg.Caption.Backend = captionBackend
	}
	if flags.Changed("caption-url") {
		cfg.Caption.URL = captionURL
	}
	if flags.Changed("caption-model") {
		cfg.Caption.Model = captionModel
	}
	if flags.Changed("caption-prompt") {
		cfg.Caption.Prompt = captionPrompt
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
}
