// Package backend defines the contract between the edge agent and the
// central fleet backend. The concrete transport (HTTP, gRPC, or otherwise)
// is an external collaborator and is not implemented here; production
// binaries supply their own Client that satisfies this interface, wired the
// way the teacher's internal/transport package wires a gRPC client: a
// context-first method per RPC, errors surfaced rather than panicked.
package backend

import "context"

// WireItem is the transmitted form of a cache.Item: the persisted envelope
// bytes with the cache row id merged in, per the batch-formatting rule.
type WireItem struct {
	ID      int64
	Payload []byte // JSON-encoded Envelope with "id" merged in
}

// SyncResult is the backend's per-item verdict for a submitted batch.
// Acknowledged and Rejected are disjoint; their union is a subset of the
// submitted batch's ids. Ids absent from both are unresolved and remain in
// the cache for a future attempt.
type SyncResult struct {
	Acknowledged []int64
	Rejected     map[int64]string // id -> reason
}

// Command is a pending remote command fetched from the backend.
type Command struct {
	Name       string
	Parameters map[string]any
}

// UpdateManifest describes an available software update. Signature is
// hex(HMAC-SHA256(secret, "version:artifact_url:timestamp")).
type UpdateManifest struct {
	Version     string
	ArtifactURL string
	Signature   string
	Timestamp   float64
}

// Client is the capability set the orchestrator depends on. Every method is
// expected to honor ctx cancellation and to return an error rather than
// panic on network failure; Ping is the one exception (spec: "should not
// raise on network failure — return false").
type Client interface {
	// Ping is a liveness probe. Implementations should swallow network
	// errors and return false rather than propagating them.
	Ping(ctx context.Context, siteID string) bool

	// SendBatch submits items for acknowledgment. Any returned error is
	// treated as "none acknowledged"; the caller stops draining for the
	// current cycle.
	SendBatch(ctx context.Context, siteID string, items []WireItem) (SyncResult, error)

	// FetchCommands returns pending commands. The backend is expected to
	// delete them upon successful fetch (at-most-once delivery).
	FetchCommands(ctx context.Context, siteID string) ([]Command, error)

	// GetUpdateManifest returns the currently offered manifest, or nil if
	// none is offered.
	GetUpdateManifest(ctx context.Context, siteID string) (*UpdateManifest, error)

	// PostInventory, PostDiagnostics, and PostMetrics post a structured
	// document. Errors are logged by the caller; the corresponding
	// timestamp is not advanced so the next cycle retries.
	PostInventory(ctx context.Context, siteID string, doc map[string]any) error
	PostDiagnostics(ctx context.Context, siteID string, doc map[string]any) error
	PostMetrics(ctx context.Context, siteID string, doc map[string]float64) error
}
