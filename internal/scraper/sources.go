package scraper

import (
	"encoding/json"
	"fmt"
	"os"
)

// Source kinds understood by NewRegistry.
const (
	KindTable  = "table"
	KindScript = "script"
)

type SourcesConfig struct {
	Sources []SourceConfig `json:"sources"`
}

type SourceConfig struct {
	Name       string `json:"name"`        // stored as the record source, e.g. "MentalMars"
	CircuitKey string `json:"circuit_key"` // breaker key, defaults to Name
	Kind       string `json:"kind"`        // "table" or "script"
	URL        string `json:"url"`
	Marker     string `json:"marker,omitempty"` // script kind: identifier the code array is assigned to
}

func (s SourceConfig) breakerKey() string {
	if s.CircuitKey != "" {
		return s.CircuitKey
	}
	return s.Name
}

// LoadSources loads the source configuration from the specified JSON file.
func LoadSources(path string) (SourcesConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SourcesConfig{}, fmt.Errorf("failed to read sources config file: %w", err)
	}

	return LoadSourcesFromBytes(data)
}

// LoadSourcesFromBytes parses source configuration from raw JSON bytes.
func LoadSourcesFromBytes(data []byte) (SourcesConfig, error) {
	var config SourcesConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return SourcesConfig{}, fmt.Errorf("failed to parse sources config JSON: %w", err)
	}
	if len(config.Sources) == 0 {
		return SourcesConfig{}, fmt.Errorf("sources config lists no sources")
	}
	for i, s := range config.Sources {
		if s.Name == "" || s.URL == "" {
			return SourcesConfig{}, fmt.Errorf("source %d: name and url are required", i)
		}
	}

	return config, nil
}

// DefaultSources returns the fallback configuration if no JSON file is loaded.
// Keep in sync with the embedded sources.json.
func DefaultSources() SourcesConfig {
	return SourcesConfig{
		Sources: []SourceConfig{
			{
				Name:       "MentalMars",
				CircuitKey: "MentalMars",
				Kind:       KindTable,
				URL:        "https://mentalmars.com/game-news/borderlands-4-shift-codes/",
			},
			{
				Name:       "xsmashx88x Tracker",
				CircuitKey: "xsmashx88x",
				Kind:       KindScript,
				URL:        "https://xsmashx88x.github.io/Shift-Codes/",
				Marker:     "ALL_CODES_CONFIG",
			},
		},
	}
}
