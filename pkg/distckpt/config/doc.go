/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
This is useful for extracting checkpoint settings from YAML/JSON structures
without verbose type assertions and nil checks.

# Basic Usage

Create a Config from any map and extract values with defaults:

	cfg := config.New(map[string]any{
	    "backend": "file",
	    "version": 1,
	    "async":   true,
	})

	backend := cfg.String("backend", "file") // "file"
	version := cfg.Int("version", 1)         // 1
	async := cfg.Bool("async", false)        // true
	missing := cfg.String("missing", "x")    // "x"

# Checkpoint Settings

SettingsFromConfig extracts the settings the checkpoint layer cares about,
reading the "checkpoint" section when present:

	cfg, err := config.FromFile("training.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	settings := config.SettingsFromConfig(cfg)

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "1h30m")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

Numeric types handle reasonable conversions:
  - int from float64 (truncated)
  - float64 from int

All methods return the default value if:
  - The key is missing
  - The value cannot be converted to the requested type
  - The conversion would lose precision (e.g., float to int with fraction)

# File Loading

Load configuration from YAML or JSON files:

	cfg, err := config.FromFile("config.yaml")
	if err != nil {
	    log.Fatal(err)
	}

	// Or load from bytes
	cfg, err = config.FromYAML(yamlBytes)
	cfg, err = config.FromJSON(jsonBytes)

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation. However, if the original map is modified
externally, behavior is undefined.
*/
package config
