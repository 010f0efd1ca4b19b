// Package orchestrator implements the edge agent's process cycle: the
// coordination loop that integrates the offline cache, connectivity
// tracker, sync protocol, update pipeline, and remote-command dispatcher
// under a partial-failure model.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetedge/agent/internal/backend"
	"github.com/fleetedge/agent/internal/cache"
	"github.com/fleetedge/agent/internal/config"
	"github.com/fleetedge/agent/internal/connectivity"
	"github.com/fleetedge/agent/internal/remote"
	"github.com/fleetedge/agent/internal/telemetry"
	"github.com/fleetedge/agent/internal/update"
)

// Envelope is what Ingest wraps around a raw payload before persisting it.
// It is also what is ultimately shipped, with an "id" field merged in at
// send time.
type Envelope struct {
	Payload    json.RawMessage `json:"payload"`
	IngestedAt float64         `json:"ingested_at"`
	SiteID     string          `json:"site_id"`
	UUID       string          `json:"uuid"`
}

// State is a snapshot of the orchestrator-owned agent state.
type State struct {
	OfflineSince      *float64
	LastInventorySync float64
	LastMetricsFlush  float64
	LastUpdatePoll    float64
	EventsSent        int64
	EventsCached      int64
	RejectedEvents    int64
}

// Orchestrator runs the process cycle described in the component design: it
// is the exclusive owner of State and the TelemetryBuffer; the OfflineCache
// and UpdateManager own their own state.
type Orchestrator struct {
	cfg    *config.Config
	cache  *cache.OfflineCache
	tele   *telemetry.Buffer
	conn   *connectivity.Monitor
	client backend.Client
	upd    *update.Manager
	rm     *remote.Management
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	state State
}

// New creates an Orchestrator. now defaults to time.Now when nil; logger
// defaults to slog.Default() when nil.
func New(
	cfg *config.Config,
	c *cache.OfflineCache,
	tele *telemetry.Buffer,
	conn *connectivity.Monitor,
	client backend.Client,
	upd *update.Manager,
	rm *remote.Management,
	logger *slog.Logger,
	now func() time.Time,
) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg: cfg, cache: c, tele: tele, conn: conn,
		client: client, upd: upd, rm: rm,
		logger: logger, now: now,
	}
}

// State returns a copy of the current orchestrator-owned state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// EnsureDirectories creates cache_path's parent directory, log_directory,
// data_directory, and data_directory/updates, as required at startup.
func EnsureDirectories(cfg *config.Config) error {
	dirs := []string{
		filepath.Dir(cfg.CachePath),
		cfg.LogDirectory,
		cfg.DataDirectory,
		filepath.Join(cfg.DataDirectory, "updates"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("orchestrator: create directory %q: %w", d, err)
		}
	}
	return nil
}

// Ingest wraps payload in an Envelope, persists it to the offline cache, and
// updates events_cached and the events_ingested telemetry counter. A
// storage failure here is fatal to the calling sub-step and is returned to
// the caller wrapped with an "orchestrator: ingest" prefix.
func (o *Orchestrator) Ingest(ctx context.Context, payload json.RawMessage) error {
	nowSec := float64(o.now().Unix())
	env := Envelope{
		Payload:    payload,
		IngestedAt: nowSec,
		SiteID:     o.cfg.SiteID,
		UUID:       uuid.NewString(),
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal envelope: %w", err)
	}

	if _, err := o.cache.Append(ctx, data, nowSec); err != nil {
		return fmt.Errorf("orchestrator: ingest: %w", err)
	}

	count, err := o.cache.Count(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: ingest: %w", err)
	}

	o.mu.Lock()
	o.state.EventsCached = count
	o.mu.Unlock()

	o.tele.Increment("events_ingested", 1)
	return nil
}

// ProcessCycle executes exactly one process cycle. A non-nil return means a
// storage-fatal error occurred; every other sub-step failure is caught,
// logged, and does not stop the rest of the cycle.
func (o *Orchestrator) ProcessCycle(ctx context.Context) error {
	depth, err := o.cache.Count(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: process_cycle: %w", err)
	}
	o.tele.Gauge("cache_depth", float64(depth))

	size, err := o.cache.TotalSizeBytes(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: process_cycle: %w", err)
	}
	o.tele.Gauge("cache_size_bytes", float64(size))

	removed, err := o.cache.TrimToLimit(ctx, o.cfg.OfflineCacheLimitBytes)
	if err != nil {
		return fmt.Errorf("orchestrator: process_cycle: %w", err)
	}
	if removed > 0 {
		o.logger.Warn("offline cache trimmed", slog.Int("removed", removed))
	}

	connState := o.conn.Evaluate(ctx)
	nowSec := float64(o.now().Unix())

	if connState.IsOnline {
		o.handleOnline(ctx, nowSec)
	} else {
		o.handleOffline(ctx, nowSec)
	}

	count, err := o.cache.Count(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: process_cycle: %w", err)
	}
	o.mu.Lock()
	o.state.EventsCached = count
	o.mu.Unlock()

	return nil
}

func (o *Orchestrator) handleOffline(ctx context.Context, nowSec float64) {
	o.mu.Lock()
	if o.state.OfflineSince == nil {
		since := nowSec
		o.state.OfflineSince = &since
		o.logger.Warn("backend unreachable, entering offline mode", slog.Float64("since", nowSec))
	}
	o.mu.Unlock()

	o.flushMetrics(ctx, false, nowSec)
}

func (o *Orchestrator) handleOnline(ctx context.Context, nowSec float64) {
	o.mu.Lock()
	offlineSince := o.state.OfflineSince
	if offlineSince != nil {
		o.state.OfflineSince = nil
	}
	o.mu.Unlock()

	if offlineSince != nil {
		duration := nowSec - *offlineSince
		o.tele.Gauge("offline_duration_seconds", duration)
		o.logger.Info("backend reachable again", slog.Float64("offline_duration_seconds", duration))
	}

	o.drainBatches(ctx)
	o.syncInventory(ctx, nowSec)
	o.flushMetrics(ctx, true, nowSec)
	o.dispatchCommands(ctx)
	o.pollUpdates(ctx, nowSec)
}

// drainBatches repeatedly fetches and ships batches until the cache is
// empty, the backend call fails, or a batch makes no progress (no item was
// acknowledged or rejected) — the latter guards against looping forever on
// unresolved ids that the backend is expected to eventually resolve out of
// band.
func (o *Orchestrator) drainBatches(ctx context.Context) {
	for {
		items, err := o.cache.GetBatch(ctx, o.cfg.MaxBatchSize)
		if err != nil {
			o.logger.Error("drain: get_batch failed", slog.Any("error", err))
			return
		}
		if len(items) == 0 {
			return
		}

		wireItems := make([]backend.WireItem, len(items))
		for i, it := range items {
			wireItems[i] = toWireItem(it)
		}

		result, err := o.client.SendBatch(ctx, o.cfg.SiteID, wireItems)
		if err != nil {
			o.logger.Warn("drain: send_batch failed, stopping drain for this cycle", slog.Any("error", err))
			return
		}

		resolved := append([]int64{}, result.Acknowledged...)
		for id := range result.Rejected {
			resolved = append(resolved, id)
		}
		if len(resolved) == 0 {
			o.logger.Warn("drain: batch made no progress, stopping drain for this cycle")
			return
		}

		if err := o.cache.Remove(ctx, resolved); err != nil {
			o.logger.Error("drain: remove failed", slog.Any("error", err))
			return
		}

		for id, reason := range result.Rejected {
			o.logger.Warn("drain: item rejected", slog.Int64("id", id), slog.String("reason", reason))
		}

		o.mu.Lock()
		o.state.EventsSent += int64(len(result.Acknowledged))
		o.state.RejectedEvents += int64(len(result.Rejected))
		o.mu.Unlock()

		o.tele.Increment("events_sent", float64(len(result.Acknowledged)))
		o.tele.Increment("events_rejected", float64(len(result.Rejected)))
	}
}

// toWireItem produces the wire form of a cache item: the persisted envelope
// with an added "id" field equal to the cache row id.
func toWireItem(it cache.Item) backend.WireItem {
	var obj map[string]any
	if err := json.Unmarshal(it.Payload, &obj); err != nil || obj == nil {
		obj = map[string]any{}
	}
	obj["id"] = it.ID

	data, err := json.Marshal(obj)
	if err != nil {
		// Fall back to the raw payload; the backend will reject it, which
		// is the correct outcome for an unserializable row.
		data = it.Payload
	}
	return backend.WireItem{ID: it.ID, Payload: data}
}

func (o *Orchestrator) syncInventory(ctx context.Context, nowSec float64) {
	o.mu.Lock()
	last := o.state.LastInventorySync
	o.mu.Unlock()

	if nowSec-last < float64(o.cfg.InventoryRefreshHours)*3600 {
		return
	}

	inv, err := o.rm.CollectInventory(ctx)
	if err != nil {
		o.logger.Error("inventory: collect failed", slog.Any("error", err))
		return
	}
	if err := o.client.PostInventory(ctx, o.cfg.SiteID, inv); err != nil {
		o.logger.Warn("inventory: post failed, will retry next cycle", slog.Any("error", err))
		return
	}

	o.mu.Lock()
	o.state.LastInventorySync = nowSec
	o.mu.Unlock()
}

// flushMetrics implements the metric-flush semantics: a non-forced flush is
// skipped until telemetry_push_interval_seconds has elapsed; an empty (or
// timestamp-only) snapshot is never posted; a failed post is accepted as a
// loss (subsequent increments repopulate the buffer).
func (o *Orchestrator) flushMetrics(ctx context.Context, force bool, nowSec float64) {
	if !force && o.tele.SecondsSinceFlush() < float64(o.cfg.TelemetryPushIntervalSeconds) {
		return
	}

	snap := o.tele.Flush()
	if telemetry.IsEmptySnapshot(snap) {
		return
	}

	if err := o.client.PostMetrics(ctx, o.cfg.SiteID, snap); err != nil {
		o.logger.Warn("metrics: post failed, accepting loss", slog.Any("error", err))
		return
	}

	o.mu.Lock()
	o.state.LastMetricsFlush = nowSec
	o.mu.Unlock()
}

func (o *Orchestrator) dispatchCommands(ctx context.Context) {
	commands, err := o.client.FetchCommands(ctx, o.cfg.SiteID)
	if err != nil {
		o.logger.Warn("commands: fetch failed", slog.Any("error", err))
		return
	}

	results := o.rm.ExecuteCommands(ctx, commands)

	for _, res := range results {
		if res.Diagnostics != nil {
			if err := o.client.PostDiagnostics(ctx, o.cfg.SiteID, res.Diagnostics); err != nil {
				o.logger.Warn("commands: post_diagnostics failed", slog.Any("error", err))
			}
		}
		if res.Inventory != nil {
			if err := o.client.PostInventory(ctx, o.cfg.SiteID, res.Inventory); err != nil {
				o.logger.Warn("commands: post_inventory failed", slog.Any("error", err))
			}
		}
	}

	if err := writeCommandResults(o.cfg.DataDirectory, results); err != nil {
		o.logger.Error("commands: write command-results.json failed", slog.Any("error", err))
	}
}

func writeCommandResults(dataDirectory string, results []remote.CommandResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal command results: %w", err)
	}
	path := filepath.Join(dataDirectory, "command-results.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

func (o *Orchestrator) pollUpdates(ctx context.Context, nowSec float64) {
	o.mu.Lock()
	last := o.state.LastUpdatePoll
	o.mu.Unlock()

	if nowSec-last < float64(o.cfg.UpdatePollIntervalSeconds) {
		return
	}

	// last_update_poll advances unconditionally at the start of the step,
	// regardless of what follows — an intentional retry-policy asymmetry
	// with syncInventory, which only advances on success.
	o.mu.Lock()
	o.state.LastUpdatePoll = nowSec
	o.mu.Unlock()

	manifest, err := o.client.GetUpdateManifest(ctx, o.cfg.SiteID)
	if err != nil {
		o.logger.Warn("updates: fetch manifest failed", slog.Any("error", err))
		return
	}
	if manifest == nil {
		return
	}
	if !o.upd.NeedsUpdate(manifest.Version) {
		return
	}

	version, err := o.upd.ApplyUpdate(ctx, *manifest)
	if err != nil {
		o.tele.Increment("update_failures", 1)
		o.logger.Error("updates: apply_update failed", slog.Any("error", err))
		return
	}

	o.tele.Increment("updates_applied", 1)
	o.logger.Info("update applied", slog.String("version", version))
}

// Run calls ProcessCycle repeatedly, sleeping sync_interval_seconds between
// cycles. cycles <= 0 runs until ctx is cancelled. Run returns the error
// that aborted it, if any.
func (o *Orchestrator) Run(ctx context.Context, cycles int) error {
	for i := 0; cycles <= 0 || i < cycles; i++ {
		if err := o.ProcessCycle(ctx); err != nil {
			o.logger.Error("process cycle aborted", slog.Any("error", err))
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.SyncInterval()):
		}
	}
	return nil
}
