package provider

import (
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/studio/pkg/generation"
)

const (
	defaultVoice        = "af_bella"
	defaultSpeed        = 1.0
	defaultOutputFormat = "png"
	defaultDuration     = 8
)

var qualityLevels = map[generation.Quality]int{
	generation.QualityDraft:    60,
	generation.QualityStandard: 80,
	generation.QualityHigh:     90,
	generation.QualityUltra:    100,
}

func buildInput(request generation.Request) map[string]any {
	parameters := request.Parameters
	extra := parameters.Extra
	switch request.Category {
	case generation.CategoryImage:
		input := map[string]any{
			"prompt":              request.Prompt,
			"aspect_ratio":        aspectRatio(parameters.Size),
			"num_outputs":         1,
			"num_inference_steps": parameters.Steps,
			"guidance":            parameters.CFGScale,
			"output_format":       stringExtra(extra, "output_format", defaultOutputFormat),
			"output_quality":      qualityLevels[parameters.Quality],
		}
		if request.NegativePrompt != "" {
			input["negative_prompt"] = request.NegativePrompt
		}
		if parameters.Seed != nil {
			input["seed"] = *parameters.Seed
		}
		return input
	case generation.CategoryAudio:
		voice := parameters.Style
		if voice == "" {
			voice = stringExtra(extra, "voice", defaultVoice)
		}
		return map[string]any{
			"text":  request.Prompt,
			"voice": voice,
			"speed": numberExtra(extra, "speed", defaultSpeed),
		}
	case generation.CategoryMusic, generation.CategoryVideo:
		input := map[string]any{
			"prompt":   request.Prompt,
			"duration": numberExtra(extra, "duration", defaultDuration),
		}
		if parameters.Seed != nil {
			input["seed"] = *parameters.Seed
		}
		return input
	default:
		input := map[string]any{"prompt": request.Prompt}
		if maxTokens := numberExtra(extra, "max_tokens", 0); maxTokens > 0 {
			input["max_tokens"] = int(maxTokens)
		}
		return input
	}
}

// aspectRatio turns "WIDTHxHEIGHT" into a reduced "W:H" ratio.
func aspectRatio(size string) string {
	width, height, found := strings.Cut(strings.ToLower(size), "x")
	if !found {
		return "1:1"
	}
	w, errW := strconv.Atoi(strings.TrimSpace(width))
	h, errH := strconv.Atoi(strings.TrimSpace(height))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return "1:1"
	}
	divisor := gcd(w, h)
	return strconv.Itoa(w/divisor) + ":" + strconv.Itoa(h/divisor)
}

func gcd(a int, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func stringExtra(extra map[string]any, key string, fallback string) string {
	if value, ok := extra[key].(string); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func numberExtra(extra map[string]any, key string, fallback float64) float64 {
	switch value := extra[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	case int64:
		return float64(value)
	default:
		return fallback
	}
}
