package ops

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sandwichfarm/hearsay/internal/storage"
)

// SystemStats contains overall system statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	NumGoroutines int
	MemAllocMB    float64
	MemSysMB      float64
	NumGC         uint32
	Runtime       string
}

// StorageStats contains storage-related statistics
type StorageStats struct {
	TotalEvents     int64
	EventsByKind    map[int]int64
	DatabaseSizeMB  float64
	OldestEventTime *time.Time
	NewestEventTime *time.Time
}

// FleetStats describes the relay fleet.
type FleetStats struct {
	KnownRelays     int
	ConnectedRelays int
	Relays          []RelayStatus
}

// RelayStatus is one connected relay's current activity.
type RelayStatus struct {
	URL            string
	Jobs           []string
	ConnectedSince time.Time
}

// FleetSource is where diagnostics read the live fleet from.
type FleetSource interface {
	ConnectedRelayStatuses() []RelayStatus
}

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	store     *storage.Store
	fleet     FleetSource
}

// NewDiagnosticsCollector creates a new diagnostics collector. fleet may be
// nil before the overlord is running.
func NewDiagnosticsCollector(version, commit string, store *storage.Store, fleet FleetSource) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		store:     store,
		fleet:     fleet,
	}
}

// CollectSystemStats collects system-level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:       d.version,
		Commit:        d.commit,
		Uptime:        time.Since(d.startTime),
		StartTime:     d.startTime,
		Runtime:       runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAllocMB:    float64(m.Alloc) / 1024 / 1024,
		MemSysMB:      float64(m.Sys) / 1024 / 1024,
		NumGC:         m.NumGC,
	}
}

// CollectStorageStats collects storage-related statistics
func (d *DiagnosticsCollector) CollectStorageStats() (*StorageStats, error) {
	stats := &StorageStats{EventsByKind: make(map[int]int64)}

	total, err := d.store.CountEvents()
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	stats.TotalEvents = total

	if byKind, err := d.store.CountEventsByKind(); err == nil {
		stats.EventsByKind = byKind
	}
	if size, err := d.store.DatabaseSizeBytes(); err == nil {
		stats.DatabaseSizeMB = float64(size) / 1024 / 1024
	}
	if oldest, newest, err := d.store.EventTimeRange(); err == nil {
		stats.OldestEventTime = oldest
		stats.NewestEventTime = newest
	}
	return stats, nil
}

// CollectFleetStats collects relay fleet statistics
func (d *DiagnosticsCollector) CollectFleetStats() (*FleetStats, error) {
	stats := &FleetStats{}

	records, err := d.store.FilterRelays(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list relays: %w", err)
	}
	stats.KnownRelays = len(records)

	if d.fleet != nil {
		stats.Relays = d.fleet.ConnectedRelayStatuses()
		stats.ConnectedRelays = len(stats.Relays)
	}
	return stats, nil
}

// Diagnostics contains all diagnostic information
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Storage     *StorageStats
	Fleet       *FleetStats
}

// CollectAll collects all diagnostic information
func (d *DiagnosticsCollector) CollectAll() (*Diagnostics, error) {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.CollectSystemStats(),
	}

	storageStats, err := d.CollectStorageStats()
	if err != nil {
		return nil, err
	}
	diag.Storage = storageStats

	fleetStats, err := d.CollectFleetStats()
	if err != nil {
		return nil, err
	}
	diag.Fleet = fleetStats

	return diag, nil
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== hearsay Diagnostics ===\n")
	fmt.Fprintf(&b, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "--- System ---\n")
	fmt.Fprintf(&b, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
	fmt.Fprintf(&b, "Uptime: %s\n", d.System.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Runtime: %s\n", d.System.Runtime)
	fmt.Fprintf(&b, "Goroutines: %d\n", d.System.NumGoroutines)
	fmt.Fprintf(&b, "Memory: %.2f MB allocated, %.2f MB system\n", d.System.MemAllocMB, d.System.MemSysMB)
	fmt.Fprintf(&b, "GC Runs: %d\n\n", d.System.NumGC)

	fmt.Fprintf(&b, "--- Storage ---\n")
	fmt.Fprintf(&b, "Total Events: %d\n", d.Storage.TotalEvents)
	fmt.Fprintf(&b, "Database Size: %.2f MB\n", d.Storage.DatabaseSizeMB)
	if d.Storage.OldestEventTime != nil {
		fmt.Fprintf(&b, "Oldest Event: %s\n", d.Storage.OldestEventTime.Format(time.RFC3339))
	}
	if d.Storage.NewestEventTime != nil {
		fmt.Fprintf(&b, "Newest Event: %s\n", d.Storage.NewestEventTime.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "\nEvents by Kind:\n")
	for kind, count := range d.Storage.EventsByKind {
		fmt.Fprintf(&b, "  Kind %d: %d events\n", kind, count)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "--- Fleet ---\n")
	fmt.Fprintf(&b, "Known Relays: %d\n", d.Fleet.KnownRelays)
	fmt.Fprintf(&b, "Connected: %d\n", d.Fleet.ConnectedRelays)
	for _, r := range d.Fleet.Relays {
		fmt.Fprintf(&b, "  %s since %s jobs=[%s]\n",
			r.URL, r.ConnectedSince.Format(time.RFC3339), strings.Join(r.Jobs, ","))
	}

	return b.String()
}
