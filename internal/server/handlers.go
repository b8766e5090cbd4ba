package server

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/defect-forge/internal/utils"
	"github.com/menta2k/defect-forge/pkg/inpaint"
	"github.com/menta2k/defect-forge/pkg/processing"
)

//go:embed web/index.html
var indexHTML []byte

type loadModelsForm struct {
	SD3Path  string                `form:"sd3_path"`
	SD3File  *multipart.FileHeader `form:"sd3_file"`
	LoRAPath string                `form:"lora_path"`
	LoRAFile *multipart.FileHeader `form:"lora_file"`
}

type maskInfoRequest struct {
	OriginalImage string `json:"original_image"`
	MaskImage     string `json:"mask_image"`
}

type generateRequest struct {
	OriginalImage   string  `json:"original_image"`
	MaskImage       string  `json:"mask_image"`
	Prompt          *string `json:"prompt"`
	NegativePrompt  string  `json:"negative_prompt"`
	NumImages       number  `json:"num_images"`
	GuidanceScale   number  `json:"guidance_scale"`
	Steps           number  `json:"num_inference_steps"`
	PaddingMaskCrop number  `json:"padding_mask_crop"`
	DebugOverlay    bool    `json:"debug_overlay"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (s *Server) debug(c *gin.Context) {
	hostname, _ := os.Hostname()
	c.JSON(http.StatusOK, gin.H{
		"hostname":              hostname,
		"local_ip":              localIP(hostname),
		"host":                  s.cfg.Host,
		"port":                  s.cfg.Port,
		"model_loaded":          s.gen.Loaded(),
		"output_dir":            s.gen.OutputDir(),
		"checkpoint_upload_dir": s.cfg.CheckpointUploadDir,
		"lora_upload_dir":       s.cfg.LoRAUploadDir,
		"version":               s.version,
	})
}

func (s *Server) checkModel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loaded": s.gen.Loaded()})
}

func (s *Server) loadModels(c *gin.Context) {
	// the old model goes first, whatever happens to the new one
	if err := s.gen.Release(c.Request.Context()); err != nil {
		s.logger.Warn("release failed", slog.String("error", err.Error()))
	}

	var form loadModelsForm
	if err := c.ShouldBind(&form); err != nil {
		s.fail(c, http.StatusBadRequest, fmt.Errorf("invalid form data: %w", err))
		return
	}

	sd3Path, err := s.resolveModel(c, "sd3", s.cfg.CheckpointUploadDir, form.SD3Path, form.SD3File)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}
	if sd3Path == "" {
		s.fail(c, http.StatusBadRequest, errors.New("provide an SD3 checkpoint path or upload a file"))
		return
	}
	loraPath, err := s.resolveModel(c, "lora", s.cfg.LoRAUploadDir, form.LoRAPath, form.LoRAFile)
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	info, err := s.gen.LoadModels(c.Request.Context(), inpaint.ModelSpec{CheckpointPath: sd3Path, LoRAPath: loraPath})
	if err != nil {
		s.fail(c, statusFor(err), fmt.Errorf("error loading model: %w", err))
		return
	}

	message := "model loaded"
	if info.Memory != nil && info.Memory.CUDA {
		message += fmt.Sprintf(" (GPU memory: %.2f GB)", info.Memory.AllocatedGB)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    message,
		"checkpoint": info.Checkpoint,
		"lora":       info.LoRA,
	})
}

// resolveModel prefers an explicit path over an upload; uploads are stored
// as <kind>_<timestamp>_<name> in dir, the backend folder for that kind
func (s *Server) resolveModel(c *gin.Context, kind, dir, path string, file *multipart.FileHeader) (string, error) {
	if path = strings.TrimSpace(path); path != "" {
		if !utils.FileExists(path) {
			return "", fmt.Errorf("%s file does not exist: %s", kind, path)
		}
		return path, nil
	}
	if file == nil || file.Filename == "" {
		return "", nil
	}

	if err := utils.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("failed to create upload directory: %w", err)
	}
	dst := filepath.Join(dir, utils.TimestampedName(kind, filepath.Base(file.Filename), s.now()))
	if err := c.SaveUploadedFile(file, dst); err != nil {
		return "", fmt.Errorf("failed to save %s upload: %w", kind, err)
	}
	s.logger.Info("stored upload", slog.String("kind", kind), slog.String("path", dst), slog.String("size", utils.FormatFileSize(file.Size)))
	return dst, nil
}

func (s *Server) calculateMaskInfo(c *gin.Context) {
	var req maskInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, statusFor(err), fmt.Errorf("invalid request: %w", err))
		return
	}

	info, err := s.gen.MaskInfo(req.OriginalImage, req.MaskImage)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"bbox":             info.BBox,
		"auto_padding":     info.AutoPadding,
		"model_input_size": info.ModelInputSize,
	})
}

func (s *Server) generate(c *gin.Context) {
	if !s.gen.Loaded() {
		s.fail(c, http.StatusBadRequest, inpaint.ErrModelNotLoaded)
		return
	}

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, statusFor(err), fmt.Errorf("invalid request: %w", err))
		return
	}

	params, err := req.params()
	if err != nil {
		s.fail(c, http.StatusBadRequest, err)
		return
	}

	result, err := s.gen.Generate(c.Request.Context(), params)
	if err != nil {
		s.fail(c, statusFor(err), err)
		return
	}

	var bbox []int
	if result.BBox != nil {
		bbox = result.BBox.Tuple()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    fmt.Sprintf("generated %d images", len(result.Images)),
		"images":     result.Images,
		"files":      result.Files,
		"output_dir": result.OutputDir,
		"crop_info":  result.CropInfo,
		"bbox":       bbox,
		"overlay":    result.Overlay,
	})
}

// params applies defaults to missing fields. An unusable padding is ignored
// rather than rejected.
func (r generateRequest) params() (inpaint.Params, error) {
	p := inpaint.DefaultParams()
	p.OriginalImage = r.OriginalImage
	p.MaskImage = r.MaskImage
	p.NegativePrompt = r.NegativePrompt
	p.DebugOverlay = r.DebugOverlay
	if r.Prompt != nil {
		p.Prompt = *r.Prompt
	}

	var err error
	if p.NumImages, err = r.NumImages.Int(p.NumImages); err != nil {
		return p, fmt.Errorf("%w: num_images: %v", inpaint.ErrInvalidParams, err)
	}
	if p.GuidanceScale, err = r.GuidanceScale.Float(p.GuidanceScale); err != nil {
		return p, fmt.Errorf("%w: guidance_scale: %v", inpaint.ErrInvalidParams, err)
	}
	if p.Steps, err = r.Steps.Int(p.Steps); err != nil {
		return p, fmt.Errorf("%w: num_inference_steps: %v", inpaint.ErrInvalidParams, err)
	}
	if padding, err := r.PaddingMaskCrop.Int(0); err == nil {
		p.PaddingMaskCrop = padding
	}
	return p, nil
}

func (s *Server) fail(c *gin.Context, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String(requestIDKey, c.GetString(requestIDKey)),
			slog.String("error", err.Error()))
	}
	c.JSON(status, errorResponse{Success: false, Message: err.Error()})
}

// statusFor maps input problems to 400 and everything else to 500
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, inpaint.ErrModelNotLoaded),
		errors.Is(err, inpaint.ErrMissingInput),
		errors.Is(err, inpaint.ErrInvalidMask),
		errors.Is(err, inpaint.ErrEmptyMask),
		errors.Is(err, inpaint.ErrInsufficientMemory),
		errors.Is(err, inpaint.ErrInvalidParams),
		errors.Is(err, inpaint.ErrModelNotFound),
		errors.Is(err, processing.ErrInvalidDataURL),
		isJSONError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func localIP(hostname string) string {
	addrs, err := net.LookupHost(hostname)
	if err == nil {
		for _, addr := range addrs {
			if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil && !ip.IsLoopback() {
				return addr
			}
		}
	}
	return "127.0.0.1"
}
