package taskdef

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// TrustLevel names the signing keyset a task's packages must verify against.
type TrustLevel string

// Known trust levels, in decreasing order of ceremony.
const (
	TrustRelease TrustLevel = "release"
	TrustNightly TrustLevel = "nightly"
	TrustDep     TrustLevel = "dep"
)

var (
	// errMissingArtifactsURL is returned when the payload has no parent
	// artifacts URL.
	errMissingArtifactsURL = errors.New("task payload is missing parent_task_artifacts_url")
	// errMissingSigningCert is returned when the payload has no signing cert
	// name.
	errMissingSigningCert = errors.New("task payload is missing signing_cert")
)

// Task is the validated instruction set for one run: where the upstream
// build artifacts live and which trust level signed them.
type Task struct {
	// ParentArtifactsURL is the base URL of the upstream task's artifacts.
	// The update manifest is expected at {ParentArtifactsURL}/manifest.json.
	ParentArtifactsURL string
	// SigningCert selects the trusted keyset for signature verification.
	SigningCert TrustLevel
}

// taskDefinition mirrors the scheduler's task JSON. Only the payload fields
// this tool consumes are mapped.
type taskDefinition struct {
	Payload struct {
		ParentTaskArtifactsURL string `json:"parent_task_artifacts_url"`
		SigningCert            string `json:"signing_cert"`
	} `json:"payload"`
}

// Valid reports whether the trust level is one of the known keysets.
func (t TrustLevel) Valid() bool {
	switch t {
	case TrustRelease, TrustNightly, TrustDep:
		return true
	default:
		return false
	}
}

// Load reads and validates a task definition from a JSON file.
func Load(path string) (*Task, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read task definition: %w", err)
	}

	return Parse(contents)
}

// Parse validates a raw task definition. Schema violations are reported
// before any network activity happens, so a malformed task never burns
// retries.
func Parse(raw []byte) (*Task, error) {
	var def taskDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("unmarshal task definition: %w", err)
	}

	if def.Payload.ParentTaskArtifactsURL == "" {
		return nil, errMissingArtifactsURL
	}

	if def.Payload.SigningCert == "" {
		return nil, errMissingSigningCert
	}

	level := TrustLevel(def.Payload.SigningCert)
	if !level.Valid() {
		return nil, fmt.Errorf("unknown signing cert %q, expected one of release, nightly, dep",
			def.Payload.SigningCert)
	}

	return &Task{
		ParentArtifactsURL: def.Payload.ParentTaskArtifactsURL,
		SigningCert:        level,
	}, nil
}
