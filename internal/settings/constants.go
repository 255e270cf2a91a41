package settings

// DB config keys for operator-tunable generation defaults. Values live in
// the settings table and override static configuration when present.
const (
	// TextModelKey is the DB config key for the default text model.
	TextModelKey = "DEFAULT_TEXT_MODEL"
	// ImageModelKey is the DB config key for the default image model.
	ImageModelKey = "DEFAULT_IMAGE_MODEL"
	// TemperatureKey is the DB config key for the default sampling temperature.
	TemperatureKey = "DEFAULT_TEMPERATURE"
	// MaxOutputTokensKey is the DB config key for the default completion cap.
	MaxOutputTokensKey = "DEFAULT_MAX_OUTPUT_TOKENS"
)

// knownKeys lists the keys the admin settings API accepts.
var knownKeys = map[string]struct{}{
	TextModelKey:       {},
	ImageModelKey:      {},
	TemperatureKey:     {},
	MaxOutputTokensKey: {},
}

// IsKnownKey reports whether the admin API recognizes a settings key.
func IsKnownKey(key string) bool {
	_, ok := knownKeys[key]
	return ok
}
