// Package manifest fetches the upstream build manifest and classifies its
// entries for submission.
package manifest
