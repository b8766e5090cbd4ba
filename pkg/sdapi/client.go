// Package sdapi implements the inpainting pipeline on top of a Stable
// Diffusion WebUI compatible HTTP API (/sdapi/v1).
package sdapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/menta2k/defect-forge/pkg/inpaint"
	"github.com/menta2k/defect-forge/pkg/processing"
)

const (
	DefaultURL     = "http://127.0.0.1:7860"
	DefaultTimeout = 10 * time.Minute

	gib = 1 << 30
)

// Img2ImgRequest is the /sdapi/v1/img2img body used for inpainting
type Img2ImgRequest struct {
	InitImages            []string `json:"init_images"`
	Mask                  string   `json:"mask"`
	MaskBlur              int      `json:"mask_blur"`
	InpaintingFill        int      `json:"inpainting_fill"`          // 1 keeps original content under the mask
	InpaintFullRes        bool     `json:"inpaint_full_res"`         // only the masked region
	InpaintFullResPadding int      `json:"inpaint_full_res_padding"` // context around the masked region
	InpaintingMaskInvert  int      `json:"inpainting_mask_invert"`
	DenoisingStrength     float64  `json:"denoising_strength"`
	ResizeMode            int      `json:"resize_mode"`

	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	BatchSize      int     `json:"batch_size"`
	NIter          int     `json:"n_iter"`
	Seed           int64   `json:"seed"`

	DoNotSaveSamples bool `json:"do_not_save_samples"`
	DoNotSaveGrid    bool `json:"do_not_save_grid"`
	SendImages       bool `json:"send_images"`
	SaveImages       bool `json:"save_images"`
}

// ImageResponse is returned by the generation endpoints
type ImageResponse struct {
	Images []string `json:"images"`
	Info   string   `json:"info"`
}

// MemoryResponse is the /sdapi/v1/memory body; values are bytes. CUDA holds
// only "error" on hosts without an accelerator.
type MemoryResponse struct {
	CUDA struct {
		System struct {
			Free  float64 `json:"free"`
			Used  float64 `json:"used"`
			Total float64 `json:"total"`
		} `json:"system"`
		Allocated struct {
			Current float64 `json:"current"`
		} `json:"allocated"`
		Reserved struct {
			Current float64 `json:"current"`
		} `json:"reserved"`
		Error string `json:"error"`
	} `json:"cuda"`
}

// SDModel is an entry of /sdapi/v1/sd-models
type SDModel struct {
	Title     string `json:"title"`
	ModelName string `json:"model_name"`
	Filename  string `json:"filename"`
}

// LoRA is an entry of /sdapi/v1/loras
type LoRA struct {
	Name  string `json:"name"`
	Alias string `json:"alias"`
	Path  string `json:"path"`
}

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Errors string `json:"errors"`
}

// Client is an inpaint.Pipeline backed by a WebUI server
type Client struct {
	baseURL    string
	httpClient *http.Client
	processor  *processing.Processor
	loraWeight float64

	mu         sync.RWMutex
	checkpoint string
	lora       string
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLoRAWeight sets the strength of the loaded LoRA
func WithLoRAWeight(w float64) Option {
	return func(c *Client) { c.loraWeight = w }
}

// NewClient creates a client for serverURL, defaulting to DefaultURL
func NewClient(serverURL string, opts ...Option) (*Client, error) {
	if serverURL == "" {
		serverURL = DefaultURL
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL %q: scheme and host are required", serverURL)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(u.String(), "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		processor:  processing.NewProcessor(),
		loraWeight: 1.0,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LoRATag is the prompt token that activates the LoRA named name at weight
func LoRATag(name string, weight float64) string {
	return fmt.Sprintf("<lora:%s:%g>", name, weight)
}

// sameFile matches a local path against a path reported by the server. The
// full path wins; otherwise the base names must agree, which covers servers
// that mount the shared model folder elsewhere.
func sameFile(local, remote string) bool {
	if remote == "" {
		return false
	}
	if filepath.Clean(local) == filepath.Clean(remote) {
		return true
	}
	return filepath.Base(local) == filepath.Base(strings.ReplaceAll(remote, `\`, "/"))
}

// Load selects the checkpoint and registers the LoRA, if any. Both files must
// show up in the server's lists after a refresh.
func (c *Client) Load(ctx context.Context, spec inpaint.ModelSpec) (inpaint.LoadInfo, error) {
	if spec.CheckpointPath == "" {
		return inpaint.LoadInfo{}, errors.New("checkpoint path is required")
	}

	model, err := c.findCheckpoint(ctx, spec.CheckpointPath)
	if err != nil {
		return inpaint.LoadInfo{}, err
	}
	var lora string
	if spec.LoRAPath != "" {
		found, err := c.findLoRA(ctx, spec.LoRAPath)
		if err != nil {
			return inpaint.LoadInfo{}, err
		}
		lora = found.Name
	}

	options := map[string]any{"sd_model_checkpoint": model.Title}
	if err := c.post(ctx, "/sdapi/v1/options", options, nil); err != nil {
		return inpaint.LoadInfo{}, fmt.Errorf("select checkpoint %s: %w", model.Title, err)
	}

	c.mu.Lock()
	c.checkpoint = model.Title
	c.lora = lora
	c.mu.Unlock()

	info := inpaint.LoadInfo{Checkpoint: model.Title, LoRA: lora}
	if mem, err := c.Memory(ctx); err == nil {
		info.Memory = &mem
	}
	return info, nil
}

// Checkpoints rescans the server's checkpoint folder and lists its models
func (c *Client) Checkpoints(ctx context.Context) ([]SDModel, error) {
	if err := c.post(ctx, "/sdapi/v1/refresh-checkpoints", nil, nil); err != nil {
		return nil, fmt.Errorf("refresh checkpoints: %w", err)
	}
	var models []SDModel
	if err := c.do(ctx, http.MethodGet, "/sdapi/v1/sd-models", nil, &models); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return models, nil
}

// LoRAs rescans the server's LoRA folder and lists its networks
func (c *Client) LoRAs(ctx context.Context) ([]LoRA, error) {
	if err := c.post(ctx, "/sdapi/v1/refresh-loras", nil, nil); err != nil {
		return nil, fmt.Errorf("refresh loras: %w", err)
	}
	var loras []LoRA
	if err := c.do(ctx, http.MethodGet, "/sdapi/v1/loras", nil, &loras); err != nil {
		return nil, fmt.Errorf("list loras: %w", err)
	}
	return loras, nil
}

func (c *Client) findCheckpoint(ctx context.Context, path string) (SDModel, error) {
	models, err := c.Checkpoints(ctx)
	if err != nil {
		return SDModel{}, err
	}
	for _, m := range models {
		if sameFile(path, m.Filename) {
			return m, nil
		}
	}
	return SDModel{}, fmt.Errorf("%w: checkpoint %s is not in the backend checkpoint folder", inpaint.ErrModelNotFound, filepath.Base(path))
}

func (c *Client) findLoRA(ctx context.Context, path string) (LoRA, error) {
	loras, err := c.LoRAs(ctx)
	if err != nil {
		return LoRA{}, err
	}
	for _, l := range loras {
		if sameFile(path, l.Path) {
			return l, nil
		}
	}
	return LoRA{}, fmt.Errorf("%w: lora %s is not in the backend lora folder", inpaint.ErrModelNotFound, filepath.Base(path))
}

// Release unloads the checkpoint from accelerator memory
func (c *Client) Release(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.checkpoint != ""
	c.checkpoint, c.lora = "", ""
	c.mu.Unlock()

	if !loaded {
		return nil
	}
	return c.post(ctx, "/sdapi/v1/unload-checkpoint", nil, nil)
}

// Loaded reports whether Load succeeded since the last Release
func (c *Client) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkpoint != ""
}

// Memory queries accelerator memory. Free is what the framework has not
// reserved, matching what a new batch can claim.
func (c *Client) Memory(ctx context.Context) (inpaint.MemoryInfo, error) {
	var resp MemoryResponse
	if err := c.do(ctx, http.MethodGet, "/sdapi/v1/memory", nil, &resp); err != nil {
		return inpaint.MemoryInfo{}, err
	}
	if resp.CUDA.Error != "" || resp.CUDA.System.Total == 0 {
		return inpaint.MemoryInfo{}, nil
	}

	total := resp.CUDA.System.Total / gib
	reserved := resp.CUDA.Reserved.Current / gib
	return inpaint.MemoryInfo{
		CUDA:        true,
		TotalGB:     total,
		AllocatedGB: resp.CUDA.Allocated.Current / gib,
		ReservedGB:  reserved,
		FreeGB:      total - reserved,
	}, nil
}

// Inpaint runs one img2img call with the mask and returns the decoded images
func (c *Client) Inpaint(ctx context.Context, req inpaint.Request) ([]image.Image, error) {
	c.mu.RLock()
	checkpoint, lora := c.checkpoint, c.lora
	c.mu.RUnlock()
	if checkpoint == "" {
		return nil, inpaint.ErrModelNotLoaded
	}

	body, err := c.buildRequest(req, lora)
	if err != nil {
		return nil, err
	}

	var resp ImageResponse
	if err := c.post(ctx, "/sdapi/v1/img2img", body, &resp); err != nil {
		return nil, fmt.Errorf("img2img: %w", err)
	}
	if len(resp.Images) == 0 {
		return nil, errors.New("img2img returned no images")
	}
	if len(resp.Images) > req.NumImages {
		resp.Images = resp.Images[:req.NumImages]
	}

	images := make([]image.Image, 0, len(resp.Images))
	for i, encoded := range resp.Images {
		img, err := c.decodeImage(encoded)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, img)
	}
	return images, nil
}

func (c *Client) buildRequest(req inpaint.Request, lora string) (*Img2ImgRequest, error) {
	if req.Image == nil || req.Mask == nil {
		return nil, inpaint.ErrMissingInput
	}
	initImage, err := c.processor.EncodePNGBase64(req.Image)
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	maskImage, err := c.processor.EncodePNGBase64(req.Mask)
	if err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}

	prompt := req.Prompt
	if lora != "" {
		prompt = strings.TrimSpace(prompt + " " + LoRATag(lora, c.loraWeight))
	}

	return &Img2ImgRequest{
		InitImages:            []string{initImage},
		Mask:                  maskImage,
		MaskBlur:              4,
		InpaintingFill:        1,
		InpaintFullRes:        req.PaddingMaskCrop > 0,
		InpaintFullResPadding: max(req.PaddingMaskCrop, 0),
		DenoisingStrength:     1.0,
		Prompt:                prompt,
		NegativePrompt:        req.NegativePrompt,
		Steps:                 req.Steps,
		CfgScale:              req.GuidanceScale,
		Width:                 req.Width,
		Height:                req.Height,
		BatchSize:             req.NumImages,
		NIter:                 1,
		Seed:                  -1,
		DoNotSaveSamples:      true,
		DoNotSaveGrid:         true,
		SendImages:            true,
	}, nil
}

func (c *Client) decodeImage(encoded string) (image.Image, error) {
	if _, payload, ok := strings.Cut(encoded, ","); ok && strings.HasPrefix(encoded, "data:") {
		encoded = payload
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return c.processor.DecodeImage(data)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, errorMessage(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func errorMessage(body []byte) string {
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil {
		for _, msg := range []string{e.Errors, e.Detail, e.Error} {
			if msg != "" {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(body))
}
