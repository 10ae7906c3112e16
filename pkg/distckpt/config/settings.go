package config

// Checkpoint-layer defaults applied when a setting is absent.
const (
	DefaultBackend = "file"
	DefaultVersion = 1
)

// Settings are the checkpoint-layer settings extracted from a Config.
type Settings struct {
	// Backend is the serialization backend name used to resolve strategies.
	Backend string
	// Version is the backend format revision.
	Version int
	// Async requests the asynchronous save path when the resolved strategy
	// supports it. Consumers that only save synchronously ignore it.
	Async bool
}

// DefaultSettings returns the settings used when no configuration is given.
func DefaultSettings() Settings {
	return Settings{
		Backend: DefaultBackend,
		Version: DefaultVersion,
	}
}

// SettingsFromConfig extracts checkpoint settings. Keys are read from the
// "checkpoint" section when one exists, otherwise from the top level:
//
//	checkpoint:
//	  backend: file
//	  version: 1
//	  async: true
func SettingsFromConfig(c Config) Settings {
	if c.Has("checkpoint") {
		c = c.Section("checkpoint")
	}
	return Settings{
		Backend: c.String("backend", DefaultBackend),
		Version: c.Int("version", DefaultVersion),
		Async:   c.Bool("async", false),
	}
}
