// Package provider calls a Replicate-style predictions API to produce
// generation results.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
	"github.com/MarkoPoloResearchLab/studio/pkg/ledger"
)

const (
	defaultTimeout      = 2 * time.Minute
	maxErrorBodyLength  = 512
	statusFailed        = "failed"
	statusCanceled      = "canceled"
	statusSucceeded     = "succeeded"
	predictionsPathTmpl = "/v1/models/%s/predictions"
)

var defaultModels = map[generation.Category]string{
	generation.CategoryImage: "black-forest-labs/flux-schnell",
	generation.CategoryVideo: "minimax/video-01",
	generation.CategoryAudio: "jaaari/kokoro-82m",
	generation.CategoryMusic: "meta/musicgen",
	generation.CategoryText:  "meta/meta-llama-3-8b-instruct",
}

// Error is a failed provider call. Its message is safe to log but not to
// show to end users.
type Error struct {
	StatusCode int
	Message    string
}

func (providerError *Error) Error() string {
	if providerError.StatusCode == 0 {
		return fmt.Sprintf("provider: %s", providerError.Message)
	}
	return fmt.Sprintf("provider: status %d: %s", providerError.StatusCode, providerError.Message)
}

// Is matches ledger.ErrProviderFailure.
func (providerError *Error) Is(target error) bool {
	return target == ledger.ErrProviderFailure
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// Models overrides the default model per category.
	Models map[generation.Category]string
}

// Output is a finished prediction.
type Output struct {
	Result           generation.Result
	ProcessingTimeMs int64
}

// Client submits predictions and waits for them synchronously.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	models     map[generation.Category]string
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, options ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: provider base url is required", ledger.ErrInvalidServiceConfig)
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: provider base url: %v", ledger.ErrInvalidServiceConfig, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	models := make(map[generation.Category]string, len(defaultModels))
	for category, model := range defaultModels {
		models[category] = model
	}
	for category, model := range cfg.Models {
		if strings.TrimSpace(model) != "" {
			models[category] = strings.TrimSpace(model)
		}
	}
	client := &Client{
		baseURL:    baseURL,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		models:     models,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// Generate runs request through its category model and returns the output.
func (client *Client) Generate(ctx context.Context, request generation.Request) (Output, error) {
	model := strings.TrimSpace(request.Parameters.Model)
	if model == "" {
		model = client.models[request.Category]
	}
	if model == "" {
		return Output{}, &Error{Message: fmt.Sprintf("no model configured for category %s", request.Category)}
	}
	body, err := json.Marshal(map[string]any{"input": buildInput(request)})
	if err != nil {
		return Output{}, fmt.Errorf("provider: encode input: %w", err)
	}
	endpoint := client.baseURL + fmt.Sprintf(predictionsPathTmpl, model)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Output{}, fmt.Errorf("provider: new request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	httpRequest.Header.Set("Prefer", "wait")
	if client.token != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+client.token)
	}

	startedAt := time.Now()
	response, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return Output{}, &Error{Message: err.Error()}
	}
	defer response.Body.Close()
	rawBody, err := io.ReadAll(response.Body)
	if err != nil {
		return Output{}, &Error{StatusCode: response.StatusCode, Message: fmt.Sprintf("read body: %v", err)}
	}
	if response.StatusCode >= http.StatusMultipleChoices {
		message := gjson.GetBytes(rawBody, "detail").String()
		if message == "" {
			message = truncate(string(rawBody))
		}
		client.logger.Warn("provider request rejected",
			zap.String("model", model),
			zap.Int("status", response.StatusCode),
			zap.String("body", truncate(string(rawBody))))
		return Output{}, &Error{StatusCode: response.StatusCode, Message: message}
	}
	output, err := parsePrediction(rawBody, response.StatusCode)
	if err != nil {
		return Output{}, err
	}
	if output.ProcessingTimeMs == 0 {
		output.ProcessingTimeMs = time.Since(startedAt).Milliseconds()
	}
	client.logger.Debug("provider prediction finished",
		zap.String("model", model),
		zap.String("generation_id", request.ID),
		zap.Int64("processing_time_ms", output.ProcessingTimeMs))
	return output, nil
}

func parsePrediction(rawBody []byte, statusCode int) (Output, error) {
	if !gjson.ValidBytes(rawBody) {
		return Output{}, &Error{StatusCode: statusCode, Message: "invalid json response"}
	}
	prediction := gjson.ParseBytes(rawBody)
	switch status := prediction.Get("status").String(); status {
	case statusFailed, statusCanceled:
		message := prediction.Get("error").String()
		if message == "" {
			message = "prediction " + status
		}
		return Output{}, &Error{StatusCode: statusCode, Message: message}
	case statusSucceeded, "":
	default:
		return Output{}, &Error{StatusCode: statusCode, Message: fmt.Sprintf("prediction still %s", status)}
	}

	var result generation.Result
	output := prediction.Get("output")
	switch {
	case output.IsArray():
		var text strings.Builder
		for _, element := range output.Array() {
			value := element.String()
			if isURL(value) {
				result.URLs = append(result.URLs, value)
			} else {
				text.WriteString(value)
			}
		}
		result.Text = text.String()
	case output.Type == gjson.String && isURL(output.String()):
		result.URLs = []string{output.String()}
	case output.Type == gjson.String:
		result.Text = output.String()
	case output.IsObject():
		if audio := output.Get("audio_out").String(); isURL(audio) {
			result.URLs = []string{audio}
		}
		result.Text = output.Get("text").String()
	}
	if result.Empty() {
		return Output{}, &Error{StatusCode: statusCode, Message: "prediction produced no output"}
	}
	if duration := prediction.Get("input.duration"); duration.Exists() {
		result.DurationSeconds = duration.Float()
	}
	if id := prediction.Get("id").String(); id != "" {
		result.Metadata = map[string]any{"predictionId": id}
	}
	processingMs := int64(prediction.Get("metrics.predict_time").Float() * 1000)
	return Output{Result: result, ProcessingTimeMs: processingMs}, nil
}

func isURL(value string) bool {
	return strings.HasPrefix(value, "https://") || strings.HasPrefix(value, "http://")
}

// truncate caps body at maxErrorBodyLength bytes without splitting a rune.
func truncate(body string) string {
	if len(body) <= maxErrorBodyLength {
		return body
	}
	cut := maxErrorBodyLength
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "…"
}
