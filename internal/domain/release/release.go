package release

import (
	"encoding/json"
	"fmt"
)

// ManifestEntry is the wire form of one update in the build manifest. A
// single entry describes the partial update package produced by the upstream
// task plus the complete package it upgrades to.
type ManifestEntry struct {
	Platform  string `json:"platform"`
	AppName   string `json:"appName"`
	ToVersion string `json:"toVersion"`
	ToBuildID string `json:"toBuildid"`
	Locale    string `json:"locale"`
	Branch    string `json:"branch"`

	// Partial package digest (SHA-512 hex) and byte size.
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	// Complete package digest and byte size.
	ToHash string `json:"to_hash"`
	ToSize int64  `json:"to_size"`

	// Release-style fields.
	PreviousVersion     string      `json:"previousVersion,omitempty"`
	PreviousBuildNumber json.Number `json:"previousBuildNumber,omitempty"`
	ToBuildNumber       json.Number `json:"toBuildNumber,omitempty"`

	// Nightly-style fields. Mar is the partial package filename relative to
	// the parent artifacts URL; ToMar is the absolute URL of the complete
	// package.
	FromBuildID string `json:"fromBuildId,omitempty"`
	Mar         string `json:"mar,omitempty"`
	ToMar       string `json:"to_mar,omitempty"`
}

// Entry is a manifest entry classified into exactly one submission style.
type Entry interface {
	// Style names the submission style, for logs.
	Style() string

	isEntry()
}

// ReleaseUpdate is an entry submitted against an existing release blob,
// keyed by the previous version and build number.
type ReleaseUpdate struct {
	ManifestEntry
}

// NightlyUpdate is an entry whose packages are re-hosted on our own bucket
// before submission, keyed by the originating build id.
type NightlyUpdate struct {
	ManifestEntry
}

// ClassificationError reports a manifest entry that does not match exactly
// one submission style. It is a permanent input error, never retried.
type ClassificationError struct {
	// Index is the entry's position in the manifest.
	Index int
	// Reason describes what disqualified the entry.
	Reason string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("manifest entry %d: %s", e.Index, e.Reason)
}

// Style implements Entry.
func (ReleaseUpdate) Style() string { return "release" }

func (ReleaseUpdate) isEntry() {}

// Style implements Entry.
func (NightlyUpdate) Style() string { return "nightly" }

func (NightlyUpdate) isEntry() {}

// DestinationPrefix is the bucket folder all packages of this build land in.
func (n NightlyUpdate) DestinationPrefix() string {
	return n.Branch + "/" + n.ToBuildID
}

// PartialKey is the desired bucket key for the partial update package.
func (n NightlyUpdate) PartialKey() string {
	return n.DestinationPrefix() + "/" + n.Mar
}

// CompleteKey is the desired bucket key for the complete update package.
func (n NightlyUpdate) CompleteKey() string {
	return fmt.Sprintf("%s/%s-%s-%s-%s-%s.complete.mar",
		n.DestinationPrefix(), n.AppName, n.Branch, n.ToVersion, n.Platform, n.Locale)
}

// Classify decides which submission style a manifest entry belongs to.
// Entries claiming both styles, or neither, are rejected, as are entries
// missing the fields their style needs downstream. Index is only used to
// point at the offending entry in the error.
func Classify(index int, raw ManifestEntry) (Entry, error) {
	reject := func(reason string) (Entry, error) {
		return nil, &ClassificationError{Index: index, Reason: reason}
	}

	hasRelease := raw.PreviousVersion != "" && raw.PreviousBuildNumber != ""
	hasNightly := raw.FromBuildID != ""

	switch {
	case hasRelease && hasNightly:
		return reject("matches both release and nightly styles")
	case !hasRelease && !hasNightly:
		return reject("matches neither release nor nightly style")
	}

	for _, field := range []struct{ name, value string }{
		{"platform", raw.Platform},
		{"appName", raw.AppName},
		{"toVersion", raw.ToVersion},
		{"toBuildid", raw.ToBuildID},
		{"locale", raw.Locale},
		{"hash", raw.Hash},
		{"to_hash", raw.ToHash},
	} {
		if field.value == "" {
			return reject(fmt.Sprintf("missing required field %q", field.name))
		}
	}

	if hasRelease {
		if raw.ToBuildNumber == "" {
			return reject(`release-style entry is missing field "toBuildNumber"`)
		}

		return ReleaseUpdate{raw}, nil
	}

	for _, field := range []struct{ name, value string }{
		{"mar", raw.Mar},
		{"to_mar", raw.ToMar},
		{"branch", raw.Branch},
	} {
		if field.value == "" {
			return reject(fmt.Sprintf("nightly-style entry is missing field %q", field.name))
		}
	}

	return NightlyUpdate{raw}, nil
}
