// Package upstream forwards normalized generation requests to the external
// AI provider and maps its responses into the gateway's result taxonomy.
package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/media"
	"github.com/writgo/aigateway/internal/settings"
	log "github.com/sirupsen/logrus"
)

// maxErrorBodyBytes bounds how much of a provider error body is logged.
const maxErrorBodyBytes = 512

// Dispatch failure categories. Provider error text is logged, never surfaced.
var (
	// ErrNoCredential indicates no upstream credential could be resolved.
	ErrNoCredential = errors.New("upstream: no credential configured")
	// ErrUpstream indicates the provider call failed, timed out, or returned non-2xx.
	ErrUpstream = errors.New("upstream: provider request failed")
	// ErrInvalidResponse indicates a 2xx response in a shape this gateway cannot parse.
	ErrInvalidResponse = errors.New("upstream: unexpected provider response")
)

// Request is a normalized generation request. Not persisted.
type Request struct {
	Action      string
	Prompt      string
	Model       string
	Temperature *float64
	MaxTokens   *int
	Size        string
	Quality     string
}

// Result is a normalized generation result. Image artifacts are persisted to
// the media store; the result carries a reference, not bytes.
type Result struct {
	Action    string
	Model     string
	Content   string
	ImageURL  string
	Saved     bool
	SaveError string
}

// Gateway dispatches generation requests to an OpenAI-compatible provider.
type Gateway struct {
	cfg    config.UpstreamConfig
	client *http.Client
	media  media.Store
}

// NewGateway constructs a Gateway. Per-action deadlines are applied per
// request, so the shared client carries no timeout of its own.
func NewGateway(cfg config.UpstreamConfig, mediaStore media.Store) *Gateway {
	return &Gateway{
		cfg:    cfg,
		client: &http.Client{},
		media:  mediaStore,
	}
}

// ResolveCredential picks the upstream API key with fixed precedence:
// operator-configured key, then environment, then the entitlement-issued key
// for the calling account.
func (g *Gateway) ResolveCredential(accountKey string) (string, error) {
	if key := strings.TrimSpace(g.cfg.APIKey); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(os.Getenv(config.UpstreamKeyEnv)); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(accountKey); key != "" {
		return key, nil
	}
	return "", ErrNoCredential
}

// Dispatch forwards one generation request. Exactly one attempt: generation
// is not idempotent upstream, so retrying here risks double consumption.
func (g *Gateway) Dispatch(ctx context.Context, req Request, credential string) (*Result, error) {
	switch req.Action {
	case config.ActionGenerateText:
		return g.generateText(ctx, req, credential)
	case config.ActionGenerateImage:
		return g.generateImage(ctx, req, credential)
	default:
		return nil, fmt.Errorf("upstream: unsupported action %q", req.Action)
	}
}

// chatRequest is the OpenAI chat completion request format.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the OpenAI chat completion response format.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (g *Gateway) generateText(ctx context.Context, req Request, credential string) (*Result, error) {
	model := req.Model
	if model == "" {
		model = settings.DefaultTextModel(g.cfg.TextModel)
	}
	temperature := g.effectiveTemperature(req.Temperature)
	maxTokens := settings.DefaultMaxOutputTokens(g.cfg.MaxOutputTokens)
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	payload := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: req.Prompt}},
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.TextTimeout.Std())
	defer cancel()

	var decoded chatResponse
	if errCall := g.postJSON(callCtx, "/chat/completions", credential, payload, &decoded); errCall != nil {
		return nil, errCall
	}
	if len(decoded.Choices) == 0 || strings.TrimSpace(decoded.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}

	resultModel := decoded.Model
	if resultModel == "" {
		resultModel = model
	}
	return &Result{
		Action:  config.ActionGenerateText,
		Model:   resultModel,
		Content: decoded.Choices[0].Message.Content,
	}, nil
}

// imageRequest is the OpenAI image generation request format.
type imageRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n"`
	Size    string `json:"size"`
	Quality string `json:"quality,omitempty"`
}

// imageResponse is the OpenAI image generation response format.
type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

func (g *Gateway) generateImage(ctx context.Context, req Request, credential string) (*Result, error) {
	model := req.Model
	if model == "" {
		model = settings.DefaultImageModel(g.cfg.ImageModel)
	}
	size := req.Size
	if size == "" {
		size = g.cfg.ImageSize
	}

	payload := imageRequest{
		Model:  model,
		Prompt: req.Prompt,
		N:      1,
		Size:   size,
	}
	// Quality is a flagship-model knob; cheaper models reject or ignore it.
	if supportsQuality(model) {
		quality := req.Quality
		if quality == "" {
			quality = g.cfg.ImageQuality
		}
		payload.Quality = quality
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.ImageTimeout.Std())
	defer cancel()

	var decoded imageResponse
	if errCall := g.postJSON(callCtx, "/images/generations", credential, payload, &decoded); errCall != nil {
		return nil, errCall
	}
	if len(decoded.Data) == 0 || (decoded.Data[0].URL == "" && decoded.Data[0].B64JSON == "") {
		return nil, fmt.Errorf("%w: no image data", ErrInvalidResponse)
	}

	result := &Result{Action: config.ActionGenerateImage, Model: model}

	artifact, errFetch := g.fetchImageBytes(callCtx, decoded.Data[0].URL, decoded.Data[0].B64JSON)
	if errFetch != nil {
		// The provider did generate an image; losing the download is a
		// persistence failure, not a generation failure.
		result.ImageURL = decoded.Data[0].URL
		result.SaveError = "failed to retrieve generated image"
		log.WithError(errFetch).Warn("upstream: image retrieval failed")
		return result, nil
	}

	saved, errSave := g.media.Save(ctx, "png", artifact)
	if errSave != nil {
		result.ImageURL = decoded.Data[0].URL
		result.SaveError = "failed to persist generated image"
		log.WithError(errSave).Warn("upstream: image persistence failed")
		return result, nil
	}

	result.ImageURL = saved
	result.Saved = true
	return result, nil
}

// fetchImageBytes obtains the artifact bytes from either response form.
func (g *Gateway) fetchImageBytes(ctx context.Context, url, b64 string) ([]byte, error) {
	if b64 != "" {
		data, errDecode := base64.StdEncoding.DecodeString(b64)
		if errDecode != nil {
			return nil, fmt.Errorf("decode image payload: %w", errDecode)
		}
		return data, nil
	}

	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if errReq != nil {
		return nil, errReq
	}
	resp, errDo := g.client.Do(httpReq)
	if errDo != nil {
		return nil, errDo
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image download status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// postJSON posts a JSON payload and decodes a 2xx JSON response. Provider
// failures collapse into ErrUpstream with internal-only detail.
func (g *Gateway) postJSON(ctx context.Context, path, credential string, payload, out any) error {
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return fmt.Errorf("upstream: encode request: %w", errMarshal)
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + path
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if errReq != nil {
		return fmt.Errorf("upstream: build request: %w", errReq)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, errDo := g.client.Do(httpReq)
	if errDo != nil {
		log.WithError(errDo).Warn("upstream: transport failure")
		return fmt.Errorf("%w: %v", ErrUpstream, errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		log.WithFields(log.Fields{
			"status": resp.StatusCode,
			"path":   path,
			"body":   string(detail),
		}).Warn("upstream: provider error")
		return fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	if errDecode := json.NewDecoder(resp.Body).Decode(out); errDecode != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, errDecode)
	}
	return nil
}

// effectiveTemperature clamps a caller override into [0, 1], defaulting from
// settings and configuration.
func (g *Gateway) effectiveTemperature(override *float64) float64 {
	if override != nil && *override >= 0 && *override <= 1 {
		return *override
	}
	return settings.DefaultTemperature(g.cfg.Temperature)
}

// supportsQuality reports whether a model accepts the quality parameter.
func supportsQuality(model string) bool {
	return strings.HasPrefix(model, "dall-e-3") || strings.HasPrefix(model, "gpt-image")
}
