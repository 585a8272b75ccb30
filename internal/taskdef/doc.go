// Package taskdef loads and validates the task definition that drives a
// publish run.
package taskdef
