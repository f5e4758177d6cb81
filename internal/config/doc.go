// Package config loads the JSON or YAML configuration file, overlays
// NUDGEBOT_* environment variables, watches the file for changes and
// resolves it into typed runtime settings.
package config
