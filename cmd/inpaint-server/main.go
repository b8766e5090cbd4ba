package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	defectforge "github.com/menta2k/defect-forge"
	"github.com/menta2k/defect-forge/internal/config"
	"github.com/menta2k/defect-forge/internal/logger"
	"github.com/menta2k/defect-forge/internal/server"
	"github.com/menta2k/defect-forge/internal/utils"
	"github.com/menta2k/defect-forge/pkg/inpaint"
)

var (
	configPath    string
	host          string
	port          int
	backendURL    string
	outputDir     string
	checkpointDir string
	loraDir       string
	loraWeight    float64
	logLevel      string
	debugMode     bool
)

var rootCmd = &cobra.Command{
	Use:   "inpaint-server",
	Short: "Serve the defect inpainting painter and its HTTP API",
	Long: `Serves a web page for painting defect masks onto clean images and
forwards generation requests to a Stable Diffusion WebUI compatible backend.`,
	Args:          cobra.NoArgs,
	Version:       defectforge.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", "", "configuration file (json or yaml)")
	flags.StringVar(&host, "host", "0.0.0.0", "listen address")
	flags.IntVar(&port, "port", 6008, "listen port")
	flags.StringVar(&backendURL, "backend-url", "http://127.0.0.1:7860", "diffusion backend URL")
	flags.StringVar(&outputDir, "output-dir", "./outputs", "directory for generated images")
	flags.StringVar(&checkpointDir, "checkpoint-upload-dir", "./models/Stable-diffusion", "backend checkpoint folder receiving uploaded checkpoints")
	flags.StringVar(&loraDir, "lora-upload-dir", "./models/Lora", "backend LoRA folder receiving uploaded LoRAs")
	flags.Float64Var(&loraWeight, "lora-weight", 1.0, "LoRA strength")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warning|error")
	flags.BoolVar(&debugMode, "debug", false, "run gin in debug mode")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
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

	if debugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	for _, dir := range []string{cfg.Server.CheckpointUploadDir, cfg.Server.LoRAUploadDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create upload directory: %w", err)
		}
	}

	opts := inpaint.DefaultOptions(cfg.Server.OutputDir)
	opts.BatchSize = cfg.Backend.BatchSize
	opts.BatchMemoryGB = cfg.Backend.BatchMemoryGB
	opts.PaddingMemoryGB = cfg.Backend.PaddingMemoryGB
	opts.MemoryHeadroom = cfg.Backend.MemoryHeadroom

	gen, err := defectforge.NewInpaintGenerator(defectforge.BackendOptions{
		URL:        cfg.Backend.URL,
		Timeout:    time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
		LoRAWeight: cfg.Backend.LoRAWeight,
	}, opts, log)
	if err != nil {
		return err
	}

	log.Info("starting inpaint server",
		slog.String("version", defectforge.Version),
		slog.String("backend", cfg.Backend.URL),
		slog.String("output_dir", cfg.Server.OutputDir))

	return server.New(gen, cfg.Server, defectforge.Version, log).Run(cmd.Context())
}

// applyFlags overrides configuration with the flags set on the command line
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host = host
	}
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("backend-url") {
		cfg.Backend.URL = backendURL
	}
	if flags.Changed("output-dir") {
		cfg.Server.OutputDir = outputDir
	}
	if flags.Changed("checkpoint-upload-dir") {
		cfg.Server.CheckpointUploadDir = checkpointDir
	}
	if flags.Changed("lora-upload-dir") {
		cfg.Server.LoRAUploadDir = loraDir
	}
	if flags.Changed("lora-weight") {
		cfg.Backend.LoRAWeight = loraWeight
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
}
