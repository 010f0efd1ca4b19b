// Package remote implements the edge agent's inventory collection,
// diagnostics collection, and remote-command dispatch.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/fleetedge/agent/internal/backend"
)

// Management collects host facts and dispatches named remote commands. The
// handler table is built once at construction, replacing the dynamic
// attribute-lookup dispatch of the source this behavior is modeled on with
// a plain name -> handler map.
type Management struct {
	logDirectory string
	dataVolume   string // path whose filesystem disk_usage is reported
	diagLogLines int    // tail length per log file for run_diagnostic
	logger       *slog.Logger
	now          func() time.Time

	handlers map[string]commandHandler
}

type commandHandler func(ctx context.Context, m *Management, params map[string]any) map[string]any

// defaultDiagLogLines is used when diagLogLines <= 0, matching
// config.Config's own diag_log_lines default.
const defaultDiagLogLines = 500

// New creates a Management that reads logs from logDirectory and reports
// disk usage for the filesystem containing dataVolume. diagLogLines is the
// per-file tail length collect_diagnostics captures; <= 0 falls back to
// defaultDiagLogLines. If logger is nil, slog.Default() is used.
func New(logDirectory, dataVolume string, diagLogLines int, logger *slog.Logger) *Management {
	if logger == nil {
		logger = slog.Default()
	}
	if diagLogLines <= 0 {
		diagLogLines = defaultDiagLogLines
	}
	m := &Management{
		logDirectory: logDirectory,
		dataVolume:   dataVolume,
		diagLogLines: diagLogLines,
		logger:       logger,
		now:          time.Now,
	}
	m.handlers = map[string]commandHandler{
		"capture_logs": func(ctx context.Context, m *Management, params map[string]any) map[string]any {
			limit := 200
			if v, ok := params["limit"]; ok {
				if n, ok := toInt(v); ok {
					limit = n
				}
			}
			logs, err := m.CaptureLogs(limit)
			if err != nil {
				return map[string]any{"error": err.Error()}
			}
			return map[string]any{"logs": logs}
		},
		"run_diagnostic": func(ctx context.Context, m *Management, _ map[string]any) map[string]any {
			diag, err := m.CollectDiagnostics(ctx)
			if err != nil {
				return map[string]any{"error": err.Error()}
			}
			return map[string]any{"diagnostics": diag}
		},
		"fetch_inventory": func(ctx context.Context, m *Management, _ map[string]any) map[string]any {
			inv, err := m.CollectInventory(ctx)
			if err != nil {
				return map[string]any{"error": err.Error()}
			}
			return map[string]any{"inventory": inv}
		},
	}
	return m
}

// toInt converts a handful of JSON-decoded numeric representations to int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// CollectInventory gathers host facts. memory_mb is omitted (not an error)
// when the OS-specific mechanism is unavailable.
func (m *Management) CollectInventory(ctx context.Context) (map[string]any, error) {
	inv := map[string]any{
		"architecture": runtime.GOARCH,
		"platform":     runtime.GOOS,
		"timestamp":    float64(m.now().Unix()),
	}

	if hostname, err := os.Hostname(); err == nil {
		inv["hostname"] = hostname
	}

	if cpuCount, err := cpu.CountsWithContext(ctx, true); err == nil {
		inv["cpu_count"] = cpuCount
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		inv["memory_mb"] = vm.Total / (1024 * 1024)
	}

	if kv, err := host.KernelVersionWithContext(ctx); err == nil && kv != "" {
		inv["kernel_version"] = kv
	}

	return inv, nil
}

// processFact is the subset of process info reported by CollectDiagnostics.
type processFact struct {
	PID     int32   `json:"pid"`
	Command string  `json:"command"`
	CPU     float64 `json:"cpu"`
	Memory  float32 `json:"memory"`
}

// CollectDiagnostics gathers running process facts, disk usage for the
// data volume, and the tail of every *.log file in the log directory.
func (m *Management) CollectDiagnostics(ctx context.Context) (map[string]any, error) {
	diag := map[string]any{
		"timestamp": float64(m.now().Unix()),
	}

	diag["processes"] = m.collectProcesses(ctx)

	if usage, err := disk.UsageWithContext(ctx, m.dataVolume); err == nil {
		diag["disk_usage"] = map[string]uint64{
			"total_bytes": usage.Total,
			"free_bytes":  usage.Free,
		}
	} else {
		m.logger.Warn("diagnostics: disk usage unavailable", slog.String("path", m.dataVolume), slog.Any("error", err))
	}

	logs, err := m.CaptureLogs(m.diagLogLines)
	if err != nil {
		m.logger.Warn("diagnostics: log capture failed", slog.Any("error", err))
		logs = map[string][]string{}
	}
	diag["logs"] = logs

	return diag, nil
}

// collectProcesses reads the running process list. Each individual
// process's facts may fail to read (the process may have exited); such
// processes are skipped rather than aborting the whole collection.
func (m *Management) collectProcesses(ctx context.Context) []processFact {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		m.logger.Warn("diagnostics: list processes failed", slog.Any("error", err))
		return nil
	}

	facts := make([]processFact, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		facts = append(facts, processFact{
			PID:     p.Pid,
			Command: name,
			CPU:     cpuPct,
			Memory:  memPct,
		})
	}
	return facts
}

// CaptureLogs enumerates *.log files in the log directory (sorted by name)
// and returns the last limit lines of each. Returns an empty map if the
// directory is absent. limit <= 0 yields empty line lists.
func (m *Management) CaptureLogs(limit int) (map[string][]string, error) {
	entries, err := os.ReadDir(m.logDirectory)
	if os.IsNotExist(err) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remote: read log directory %q: %w", m.logDirectory, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make(map[string][]string, len(names))
	for _, name := range names {
		lines, err := tailLines(filepath.Join(m.logDirectory, name), limit)
		if err != nil {
			m.logger.Warn("capture_logs: read file failed", slog.String("file", name), slog.Any("error", err))
			continue
		}
		out[name] = lines
	}
	return out, nil
}

// tailLines returns the last limit non-empty-trailing lines of the file at
// path. limit <= 0 returns an empty slice.
func tailLines(path string, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")

	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines, nil
}

// CommandResult is one entry of execute_commands' output, and also the
// shape written to data_directory/command-results.json.
type CommandResult struct {
	Command     string              `json:"command"`
	Status      string              `json:"status,omitempty"`
	Logs        map[string][]string `json:"logs,omitempty"`
	Diagnostics map[string]any      `json:"diagnostics,omitempty"`
	Inventory   map[string]any      `json:"inventory,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// ExecuteCommands dispatches every command in order and returns results in
// the same order. It never raises; a per-command failure produces a result
// whose Error field describes it.
func (m *Management) ExecuteCommands(ctx context.Context, commands []backend.Command) []CommandResult {
	results := make([]CommandResult, 0, len(commands))

	for _, cmd := range commands {
		handler, ok := m.handlers[cmd.Name]
		if !ok {
			results = append(results, CommandResult{Command: cmd.Name, Status: "unknown-command"})
			continue
		}

		out := handler(ctx, m, cmd.Parameters)
		res := CommandResult{Command: cmd.Name}
		if errStr, ok := out["error"].(string); ok {
			res.Error = errStr
		}
		if logs, ok := out["logs"].(map[string][]string); ok {
			res.Logs = logs
		}
		if diag, ok := out["diagnostics"].(map[string]any); ok {
			res.Diagnostics = diag
		}
		if inv, ok := out["inventory"].(map[string]any); ok {
			res.Inventory = inv
		}
		results = append(results, res)
	}

	return results
}
