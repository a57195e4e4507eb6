package scraper

import (
	"embed"
	"log/slog"
)

//go:embed sources.json
var embeddedSources embed.FS

// LoadConfig resolves the source list. An explicit path (SOURCES_CONFIG_PATH)
// wins when it loads; otherwise the embedded sources.json is used, and the
// hardcoded defaults cover a broken embed.
func LoadConfig(path string) SourcesConfig {
	if path != "" {
		if cfg, err := LoadSources(path); err == nil {
			slog.Info("Loaded sources from external file", "path", path, "count", len(cfg.Sources))
			return cfg
		} else {
			slog.Debug("External sources file not usable, trying embedded config", "path", path, "error", err)
		}
	}

	data, err := embeddedSources.ReadFile("sources.json")
	if err == nil {
		cfg, parseErr := LoadSourcesFromBytes(data)
		if parseErr == nil {
			slog.Info("Loaded sources from embedded config", "count", len(cfg.Sources))
			return cfg
		}
		slog.Warn("Embedded sources failed to parse, using defaults", "error", parseErr)
	}

	slog.Info("Using hardcoded default sources")
	return DefaultSources()
}
