// Package update implements the edge agent's secure software update
// pipeline: manifest signature verification, artifact fetch, install, and
// version commit.
package update

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fleetedge/agent/internal/backend"
)

// ValidationError reports a manifest whose signature does not match the
// expected HMAC for the agent's secret key.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "update: validation failed: " + e.Reason }

// ArtifactFetcher downloads the artifact at url to destPath. It is an
// external collaborator; the concrete implementation (HTTP GET, S3, etc.)
// is out of scope for this package.
type ArtifactFetcher func(ctx context.Context, url, destPath string) error

// InstallFunc stages the fetched artifact at path so the OS can adopt it.
// It is an external collaborator; the concrete effector is out of scope.
type InstallFunc func(ctx context.Context, path string) error

// dedupCacheSize bounds the LRU of (version, signature) pairs consulted to
// answer the manifest re-consumption open question: if a backend clears its
// manifest after one fetch and later re-offers the identical manifest, the
// agent must not re-fetch or re-install — apply_update is defined to be
// idempotent for an already-accepted manifest.
const dedupCacheSize = 32

// Manager is the state machine over UpdateState.CurrentVersion. It is the
// exclusive owner of that state; mutations happen only inside ApplyUpdate.
type Manager struct {
	secretKey string
	fetch     ArtifactFetcher
	install   InstallFunc
	tmpDir    string // base directory for scoped per-update temp dirs

	currentVersion string
	accepted       *lru.Cache[string, struct{}] // key: version+"\x00"+signature
}

// New creates a Manager starting at startingVersion. tmpDir is the base
// directory under which a fresh scoped temporary directory is created for
// each update attempt; an empty tmpDir uses os.TempDir().
func New(secretKey, startingVersion, tmpDir string, fetch ArtifactFetcher, install InstallFunc) (*Manager, error) {
	accepted, err := lru.New[string, struct{}](dedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("update: create dedup cache: %w", err)
	}
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Manager{
		secretKey:      secretKey,
		fetch:          fetch,
		install:        install,
		tmpDir:         tmpDir,
		currentVersion: startingVersion,
		accepted:       accepted,
	}, nil
}

// CurrentVersion returns the version most recently committed by a
// successful ApplyUpdate.
func (m *Manager) CurrentVersion() string {
	return m.currentVersion
}

// NeedsUpdate reports whether m manifest's version differs from the
// current version, by strict string inequality. Downgrades are permitted
// if signed; there is no semver ordering.
func (m *Manager) NeedsUpdate(version string) bool {
	return version != m.currentVersion
}

// ValidateManifest recomputes the expected HMAC-SHA256 signature over
// "version:artifact_url:timestamp" and compares it to manifest.Signature in
// constant time. Timestamp is formatted by formatTimestamp: as an integer
// when it is a whole number, otherwise with full float precision.
func (m *Manager) ValidateManifest(manifest backend.UpdateManifest) error {
	expected := computeSignature(m.secretKey, manifest.Version, manifest.ArtifactURL, manifest.Timestamp)

	if !hmac.Equal([]byte(expected), []byte(manifest.Signature)) {
		return &ValidationError{Reason: "signature mismatch"}
	}
	return nil
}

// computeSignature returns hex(HMAC-SHA256(secret, "version:artifact_url:timestamp")).
func computeSignature(secret, version, artifactURL string, timestamp float64) string {
	msg := version + ":" + artifactURL + ":" + formatTimestamp(timestamp)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// formatTimestamp renders timestamp the way the signing side does: as an
// integer when it has no fractional part, otherwise with full precision.
func formatTimestamp(ts float64) string {
	if ts == float64(int64(ts)) {
		return strconv.FormatInt(int64(ts), 10)
	}
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// dedupKey returns the LRU key for a manifest's (version, signature) pair.
func dedupKey(manifest backend.UpdateManifest) string {
	return manifest.Version + "\x00" + manifest.Signature
}

// ApplyUpdate validates the manifest, fetches the artifact into a fresh
// scoped temporary directory, installs it, and commits CurrentVersion. Any
// failure aborts the procedure and leaves CurrentVersion unchanged; the
// temporary directory is always removed before ApplyUpdate returns.
//
// ApplyUpdate is idempotent for a manifest already accepted: calling it
// again with the same (version, signature) pair re-validates the signature
// (still a cheap check) but skips fetch/install and returns success,
// resolving the manifest re-consumption open question in favor of
// agent-side dedup.
func (m *Manager) ApplyUpdate(ctx context.Context, manifest backend.UpdateManifest) (string, error) {
	if err := m.ValidateManifest(manifest); err != nil {
		return "", err
	}

	key := dedupKey(manifest)
	if m.accepted.Contains(key) {
		return m.currentVersion, nil
	}

	dir, err := os.MkdirTemp(m.tmpDir, "edge-agent-update-*")
	if err != nil {
		return "", fmt.Errorf("update: create scoped temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "artifact")

	if err := m.fetch(ctx, manifest.ArtifactURL, path); err != nil {
		return "", fmt.Errorf("update: fetch artifact: %w", err)
	}

	if err := m.install(ctx, path); err != nil {
		return "", fmt.Errorf("update: install artifact: %w", err)
	}

	m.currentVersion = manifest.Version
	m.accepted.Add(key, struct{}{})
	return m.currentVersion, nil
}
