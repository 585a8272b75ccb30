// Package worker orchestrates a submission run: fetch the manifest, stage
// and verify nightly packages, publish them and register every build with
// the update service.
package worker
