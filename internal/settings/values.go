package settings

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultTextModel returns the operator-set text model, or fallback.
func DefaultTextModel(fallback string) string {
	if raw, ok := DBConfigValue(TextModelKey); ok {
		if parsed, okParse := parseDBConfigString(raw); okParse && parsed != "" {
			return parsed
		}
	}
	return fallback
}

// DefaultImageModel returns the operator-set image model, or fallback.
func DefaultImageModel(fallback string) string {
	if raw, ok := DBConfigValue(ImageModelKey); ok {
		if parsed, okParse := parseDBConfigString(raw); okParse && parsed != "" {
			return parsed
		}
	}
	return fallback
}

// DefaultTemperature returns the operator-set sampling temperature clamped to
// [0, 1], or fallback.
func DefaultTemperature(fallback float64) float64 {
	if raw, ok := DBConfigValue(TemperatureKey); ok {
		if parsed, okParse := parseDBConfigFloat(raw); okParse && parsed >= 0 && parsed <= 1 {
			return parsed
		}
	}
	return fallback
}

// DefaultMaxOutputTokens returns the operator-set completion cap, or fallback.
func DefaultMaxOutputTokens(fallback int) int {
	if raw, ok := DBConfigValue(MaxOutputTokensKey); ok {
		if parsed, okParse := parseDBConfigInt(raw); okParse && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// parseDBConfigString accepts either a JSON string or a bare string value.
func parseDBConfigString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	return strings.TrimSpace(string(raw)), true
}

// parseDBConfigInt accepts either a JSON number or a quoted number.
func parseDBConfigInt(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, errParse := strconv.Atoi(strings.TrimSpace(s)); errParse == nil {
			return parsed, true
		}
	}
	return 0, false
}

// parseDBConfigFloat accepts either a JSON number or a quoted number.
func parseDBConfigFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if parsed, errParse := strconv.ParseFloat(strings.TrimSpace(s), 64); errParse == nil {
			return parsed, true
		}
	}
	return 0, false
}
