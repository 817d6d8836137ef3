// Package config provides configuration loading and validation for the transcriber.
// Values come from built-in defaults, an optional YAML file, an optional .env file
// and environment overrides, applied in that order.
package config
