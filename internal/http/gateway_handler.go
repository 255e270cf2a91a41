package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/writgo/aigateway/internal/proxy"
	log "github.com/sirupsen/logrus"
)

// GatewayHandler serves the metered generation API.
type GatewayHandler struct {
	ctrl *proxy.Controller
}

// NewGatewayHandler constructs a GatewayHandler.
func NewGatewayHandler(ctrl *proxy.Controller) *GatewayHandler {
	return &GatewayHandler{ctrl: ctrl}
}

// generateRequest is the request body for POST /v1/generate.
type generateRequest struct {
	Action      string   `json:"action"`
	Prompt      string   `json:"prompt"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	Size        string   `json:"size"`
	Quality     string   `json:"quality"`
}

// usagePayload is the quota block echoed on metered responses.
type usagePayload struct {
	RequestsUsed      int64  `json:"requests_used"`
	RequestsRemaining int64  `json:"requests_remaining"`
	DailyLimit        int64  `json:"daily_limit"`
	ResetAt           string `json:"reset_at"`
}

// Generate handles POST /v1/generate.
func (h *GatewayHandler) Generate(c *gin.Context) {
	var body generateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"code":    string(proxy.CodeValidation),
			"message": "invalid json",
		})
		return
	}

	out, errGenerate := h.ctrl.Generate(c.Request.Context(), proxy.GenerateInput{
		Token:          extractAPIToken(c),
		IdempotencyKey: c.GetHeader("Idempotency-Key"),
		Action:         body.Action,
		Prompt:         body.Prompt,
		Model:          body.Model,
		Temperature:    body.Temperature,
		MaxTokens:      body.MaxTokens,
		Size:           body.Size,
		Quality:        body.Quality,
	})
	if errGenerate != nil {
		writeProxyError(c, errGenerate)
		return
	}

	setRateLimitHeaders(c, out.Usage)

	resp := gin.H{
		"success": true,
		"action":  out.Result.Action,
		"model":   out.Result.Model,
		"usage":   toUsagePayload(out.Usage),
	}
	if out.Result.Content != "" {
		resp["content"] = out.Result.Content
	}
	if out.Result.ImageURL != "" || out.Result.SaveError != "" {
		resp["image_url"] = out.Result.ImageURL
		resp["saved"] = out.Result.Saved
		if out.Result.SaveError != "" {
			resp["save_error"] = out.Result.SaveError
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Usage handles GET /v1/usage.
func (h *GatewayHandler) Usage(c *gin.Context) {
	stats, errUsage := h.ctrl.Usage(c.Request.Context(), extractAPIToken(c))
	if errUsage != nil {
		writeProxyError(c, errUsage)
		return
	}

	setRateLimitHeaders(c, *stats)
	c.JSON(http.StatusOK, gin.H{
		"requests_used":      stats.Used,
		"requests_remaining": stats.Remaining,
		"daily_limit":        stats.Limit,
		"reset_at":           stats.ResetAt.UTC().Format(time.RFC3339),
		"service_active":     stats.ServiceActive,
	})
}

// writeProxyError renders a pipeline failure as the public error envelope.
func writeProxyError(c *gin.Context, err error) {
	var perr *proxy.Error
	if !errors.As(err, &perr) {
		log.WithError(err).Error("http: unclassified pipeline error")
		perr = &proxy.Error{Code: proxy.CodeInternal, Message: "internal error"}
	}

	if perr.Usage != nil {
		setRateLimitHeaders(c, *perr.Usage)
	}

	body := gin.H{
		"success": false,
		"code":    string(perr.Code),
		"message": perr.Message,
	}
	if !perr.ResetAt.IsZero() {
		body["reset_at"] = perr.ResetAt.UTC().Format(time.RFC3339)
	}
	c.JSON(perr.HTTPStatus(), body)
}

// setRateLimitHeaders renders the quota position on every metered response.
func setRateLimitHeaders(c *gin.Context, stats proxy.UsageStats) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(stats.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(stats.Remaining, 10))
	if !stats.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", stats.ResetAt.UTC().Format(time.RFC3339))
	}
}

func toUsagePayload(stats proxy.UsageStats) usagePayload {
	return usagePayload{
		RequestsUsed:      stats.Used,
		RequestsRemaining: stats.Remaining,
		DailyLimit:        stats.Limit,
		ResetAt:           stats.ResetAt.UTC().Format(time.RFC3339),
	}
}
