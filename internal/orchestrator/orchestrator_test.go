package orchestrator_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetedge/agent/internal/backend"
	"github.com/fleetedge/agent/internal/cache"
	"github.com/fleetedge/agent/internal/config"
	"github.com/fleetedge/agent/internal/connectivity"
	"github.com/fleetedge/agent/internal/orchestrator"
	"github.com/fleetedge/agent/internal/remote"
	"github.com/fleetedge/agent/internal/telemetry"
	"github.com/fleetedge/agent/internal/update"
)

// fakeBackend is an in-memory backend.Client double driven entirely by
// test setup; no network, no goroutines.
type fakeBackend struct {
	mu sync.Mutex

	online bool

	receivedBatches [][]backend.WireItem
	sendErr         error
	ackIDs          []int64
	rejectIDs       map[int64]string

	commands    []backend.Command
	manifest    *backend.UpdateManifest
	manifestErr error

	inventoryPosts   []map[string]any
	diagnosticsPosts []map[string]any
	metricsPosts     []map[string]float64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{online: true, rejectIDs: map[int64]string{}}
}

func (f *fakeBackend) Ping(_ context.Context, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeBackend) SendBatch(_ context.Context, _ string, items []backend.WireItem) (backend.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.receivedBatches = append(f.receivedBatches, items)
	if f.sendErr != nil {
		return backend.SyncResult{}, f.sendErr
	}

	var result backend.SyncResult
	rejected := map[int64]string{}
	for _, it := range items {
		if reason, isRejected := f.rejectIDs[it.ID]; isRejected {
			rejected[it.ID] = reason
			continue
		}
		if len(f.ackIDs) > 0 {
			acked := false
			for _, id := range f.ackIDs {
				if id == it.ID {
					acked = true
					break
				}
			}
			if !acked {
				continue // unresolved
			}
		}
		result.Acknowledged = append(result.Acknowledged, it.ID)
	}
	result.Rejected = rejected
	return result, nil
}

func (f *fakeBackend) FetchCommands(_ context.Context, _ string) ([]backend.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := f.commands
	f.commands = nil
	return cmds, nil
}

func (f *fakeBackend) GetUpdateManifest(_ context.Context, _ string) (*backend.UpdateManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	return f.manifest, nil
}

func (f *fakeBackend) PostInventory(_ context.Context, _ string, doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventoryPosts = append(f.inventoryPosts, doc)
	return nil
}

func (f *fakeBackend) PostDiagnostics(_ context.Context, _ string, doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diagnosticsPosts = append(f.diagnosticsPosts, doc)
	return nil
}

func (f *fakeBackend) PostMetrics(_ context.Context, _ string, doc map[string]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsPosts = append(f.metricsPosts, doc)
	return nil
}

var _ backend.Client = (*fakeBackend)(nil)

func sign(secret, version, url string, ts float64) string {
	msg := version + ":" + url + ":" + strconv.FormatInt(int64(ts), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// testHarness wires a complete Orchestrator with a fake backend and an
// in-memory cache, ready for scenario tests.
type testHarness struct {
	orc *orchestrator.Orchestrator
	fb  *fakeBackend
	c   *cache.OfflineCache
	cfg *config.Config
	now *time.Time
}

func newHarness(t *testing.T, mutateCfg func(*config.Config)) *testHarness {
	t.Helper()

	c, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	dataDir := t.TempDir()
	logDir := t.TempDir()

	cfg := &config.Config{
		SiteID:                       "site-123",
		BackendURL:                   "https://backend.example.com",
		SecretKey:                    "super-secret",
		CachePath:                    filepath.Join(t.TempDir(), "cache.db"),
		SyncIntervalSeconds:          1,
		MaxBatchSize:                 100,
		OfflineCacheLimitBytes:       200 * 1024 * 1024,
		TelemetryPushIntervalSeconds: 0, // force-equivalent for tests
		UpdatePollIntervalSeconds:    0,
		InventoryRefreshHours:        0,
		DataDirectory:                dataDir,
		LogDirectory:                 logDir,
	}
	if mutateCfg != nil {
		mutateCfg(cfg)
	}

	start := time.Unix(1_700_000_000, 0)
	nowPtr := &start
	nowFn := func() time.Time { return *nowPtr }

	fb := newFakeBackend()
	conn := connectivity.New(fb, cfg.SiteID, cfg.PingTimeout(), nowFn)
	tele := telemetry.New(nowFn)
	rm := remote.New(cfg.LogDirectory, cfg.DataDirectory, cfg.DiagLogLines, nil)

	upd, err := update.New(cfg.SecretKey, "0.0.0", t.TempDir(),
		func(_ context.Context, _, destPath string) error { return os.WriteFile(destPath, []byte("bin"), 0o644) },
		func(_ context.Context, _ string) error { return nil },
	)
	if err != nil {
		t.Fatalf("update.New: %v", err)
	}

	orc := orchestrator.New(cfg, c, tele, conn, fb, upd, rm, nil, nowFn)

	return &testHarness{orc: orc, fb: fb, c: c, cfg: cfg, now: nowPtr}
}

func (h *testHarness) advance(d time.Duration) {
	*h.now = h.now.Add(d)
}

// ---------------------------------------------------------------------------
// S1 — Outage and recovery
// ---------------------------------------------------------------------------

func TestS1_OutageAndRecovery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.fb.online = false

	if err := h.orc.Ingest(ctx, json.RawMessage(`{"temperature":18.9}`)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle (offline): %v", err)
	}
	if len(h.fb.receivedBatches) != 0 {
		t.Errorf("received_batches = %v, want none while offline", h.fb.receivedBatches)
	}
	if got := h.orc.State().EventsCached; got != 1 {
		t.Errorf("EventsCached = %d, want 1", got)
	}

	h.fb.online = true
	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle (online): %v", err)
	}

	if len(h.fb.receivedBatches) != 1 || len(h.fb.receivedBatches[0]) != 1 {
		t.Fatalf("received_batches = %v, want exactly one item in one batch", h.fb.receivedBatches)
	}

	var decoded map[string]any
	if err := json.Unmarshal(h.fb.receivedBatches[0][0].Payload, &decoded); err != nil {
		t.Fatalf("unmarshal wire item: %v", err)
	}
	payload, ok := decoded["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload field missing or wrong type: %v", decoded)
	}
	if payload["temperature"] != 18.9 {
		t.Errorf("payload.temperature = %v, want 18.9", payload["temperature"])
	}
	if decoded["site_id"] != "site-123" {
		t.Errorf("site_id = %v, want site-123", decoded["site_id"])
	}

	state := h.orc.State()
	if state.EventsCached != 0 {
		t.Errorf("EventsCached = %d, want 0", state.EventsCached)
	}
	if state.EventsSent != 1 {
		t.Errorf("EventsSent = %d, want 1", state.EventsSent)
	}
}

// ---------------------------------------------------------------------------
// S2 — Secure update
// ---------------------------------------------------------------------------

func TestS2_SecureUpdate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ts := float64(1_700_000_000)
	url := "https://cdn.example.com/1.0.0/artifact.tar.gz"
	manifest := &backend.UpdateManifest{
		Version:     "1.0.0",
		ArtifactURL: url,
		Timestamp:   ts,
		Signature:   sign("super-secret", "1.0.0", url, ts),
	}
	h.fb.manifest = manifest

	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}

	// Updates applied after the update step in this cycle; the counter is
	// flushed into the metrics post of the following cycle (metrics step
	// in §4.7 runs before the update step).
	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("second ProcessCycle: %v", err)
	}

	found := false
	for _, doc := range h.fb.metricsPosts {
		if doc["updates_applied"] == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("no metrics post contains updates_applied == 1: %v", h.fb.metricsPosts)
	}
}

// ---------------------------------------------------------------------------
// S3 — Tampered manifest
// ---------------------------------------------------------------------------

func TestS3_TamperedManifest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ts := float64(1_700_000_000)
	url := "https://cdn.example.com/1.0.0/artifact.tar.gz"
	manifest := &backend.UpdateManifest{
		Version:     "1.0.0",
		ArtifactURL: url,
		Timestamp:   ts,
		Signature:   sign("super-secret", "1.0.0", url, ts) + "ff", // tampered
	}
	h.fb.manifest = manifest

	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}
	h.orc.ProcessCycle(ctx)

	var failures float64
	for _, doc := range h.fb.metricsPosts {
		failures += doc["update_failures"]
	}
	if failures < 1 {
		t.Errorf("update_failures across metrics posts = %v, want >= 1", failures)
	}
}

// ---------------------------------------------------------------------------
// S4 — Remote commands
// ---------------------------------------------------------------------------

func TestS4_RemoteCommands(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(h.cfg.LogDirectory, "app.log"), []byte("line-1\nline-2\nline-3\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	h.fb.commands = []backend.Command{
		{Name: "capture_logs", Parameters: map[string]any{"limit": 2}},
		{Name: "run_diagnostic"},
	}

	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}

	resultsPath := filepath.Join(h.cfg.DataDirectory, "command-results.json")
	data, err := os.ReadFile(resultsPath)
	if err != nil {
		t.Fatalf("read command-results.json: %v", err)
	}

	var results []remote.CommandResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("unmarshal command results: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	names := map[string]remote.CommandResult{}
	for _, r := range results {
		names[r.Command] = r
	}
	logsRes, ok := names["capture_logs"]
	if !ok {
		t.Fatal("missing capture_logs result")
	}
	got := logsRes.Logs["app.log"]
	if len(got) != 2 || got[0] != "line-2" || got[1] != "line-3" {
		t.Errorf("app.log = %v, want [line-2 line-3]", got)
	}
	if _, ok := names["run_diagnostic"]; !ok {
		t.Fatal("missing run_diagnostic result")
	}

	if len(h.fb.inventoryPosts) == 0 {
		t.Error("backend received no inventory post")
	}
	if len(h.fb.diagnosticsPosts) == 0 {
		t.Error("backend received no diagnostics post")
	}
}

// ---------------------------------------------------------------------------
// S5 — Cache trim
// ---------------------------------------------------------------------------

func TestS5_CacheTrim(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.OfflineCacheLimitBytes = 1024
	})
	ctx := context.Background()
	h.fb.online = false

	payload := json.RawMessage(`{"reading":"` + strings.Repeat("x", 180) + `"}`)
	for i := 0; i < 20; i++ {
		if err := h.orc.Ingest(ctx, payload); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}

	total, err := h.c.TotalSizeBytes(ctx)
	if err != nil {
		t.Fatalf("TotalSizeBytes: %v", err)
	}
	if total > 1024 {
		t.Errorf("TotalSizeBytes = %d, want <= 1024", total)
	}

	remaining, err := h.c.GetBatch(ctx, 1000)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(remaining) == 0 {
		t.Fatal("expected some items to remain")
	}
	// The remaining ids must come back in ascending order.
	for i := 1; i < len(remaining); i++ {
		if remaining[i].ID <= remaining[i-1].ID {
			t.Fatalf("remaining ids not ascending: %v", remaining)
		}
	}
}

// ---------------------------------------------------------------------------
// S6 — Partial batch rejection
// ---------------------------------------------------------------------------

func TestS6_PartialBatchRejection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := h.orc.Ingest(ctx, json.RawMessage(`{"n":`+strconv.Itoa(i)+`}`)); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}

	batch, err := h.c.GetBatch(ctx, 10)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("len(batch) = %d, want 3", len(batch))
	}
	id1, id2, id3 := batch[0].ID, batch[1].ID, batch[2].ID

	h.fb.ackIDs = []int64{id1, id3}
	h.fb.rejectIDs = map[int64]string{id2: "corrupted"}

	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}

	remaining, err := h.c.GetBatch(ctx, 10)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("remaining = %v, want empty", remaining)
	}

	state := h.orc.State()
	if state.EventsSent != 2 {
		t.Errorf("EventsSent = %d, want 2", state.EventsSent)
	}
	if state.RejectedEvents != 1 {
		t.Errorf("RejectedEvents = %d, want 1", state.RejectedEvents)
	}
}

// ---------------------------------------------------------------------------
// Misc invariants
// ---------------------------------------------------------------------------

func TestEventsCachedMatchesCacheCount_AfterEveryCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		h.orc.Ingest(ctx, json.RawMessage(`{"i":1}`))
	}

	for i := 0; i < 3; i++ {
		if err := h.orc.ProcessCycle(ctx); err != nil {
			t.Fatalf("ProcessCycle: %v", err)
		}
		count, err := h.c.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if h.orc.State().EventsCached != count {
			t.Errorf("EventsCached = %d, cache.Count = %d, want equal", h.orc.State().EventsCached, count)
		}
		h.advance(time.Second)
	}
}

func TestDrainStopsOnSendBatchFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.orc.Ingest(ctx, json.RawMessage(`{}`))
	}
	h.fb.sendErr = errors.New("connection reset")

	if err := h.orc.ProcessCycle(ctx); err != nil {
		t.Fatalf("ProcessCycle: %v", err)
	}

	count, err := h.c.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("Count = %d, want 3 (nothing removed after send failure)", count)
	}
}
