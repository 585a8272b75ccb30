// Package release defines the manifest entry wire format and its
// classification into the two supported submission styles.
package release
