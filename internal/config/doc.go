// Package config provides functionality for loading and validating the
// run configuration, layering command-line flags over environment
// variables over an optional operator settings file.
package config
