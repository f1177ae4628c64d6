// Package config loads the voice pipeline configuration from YAML, applies
// VOICE_PIPELINE_* environment overrides, and validates it.
package config
