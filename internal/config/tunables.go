// Package config loads the dispatch core's tunables and the serverless
// client static configuration (§6), following the teacher's HCL-decode-
// then-mapstructure-merge idiom for its own agent config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl"
	mapstructure "github.com/go-viper/mapstructure/v2"
)

// Tunables holds every configurable value named in §6. Field names match
// the HCL keys (lowercased, no _MS/_ms suffix games — the suffix is kept
// to make the unit obvious at call sites).
type Tunables struct {
	AllowedSystemUptimeMs      int64 `hcl:"allowed_system_uptime_ms" mapstructure:"allowed_system_uptime_ms"`
	MaxTaskPendingMs           int64 `hcl:"max_task_pending_ms" mapstructure:"max_task_pending_ms"`
	AllowedTimeForClientInitMs int64 `hcl:"allowed_time_for_client_init_ms" mapstructure:"allowed_time_for_client_init_ms"`
	TaskUnbindDelayMs          int64 `hcl:"task_unbind_delay_ms" mapstructure:"task_unbind_delay_ms"`
	ShutdownWarningMarginMs    int64 `hcl:"shutdown_warning_margin_ms" mapstructure:"shutdown_warning_margin_ms"`
	NotifyApStateMaxRetry      int   `hcl:"notify_ap_state_max_retry" mapstructure:"notify_ap_state_max_retry"`
	NotifyApStateRetrySleepMs  int64 `hcl:"notify_ap_state_retry_sleep_ms" mapstructure:"notify_ap_state_retry_sleep_ms"`
	PackageSearchDelayMs       int64 `hcl:"package_search_delay_ms" mapstructure:"package_search_delay_ms"`
}

// minAllowedSystemUptimeMs is the floor spec.md §6/§8 requires.
const minAllowedSystemUptimeMs = 30_000

// DefaultTunables returns the defaults listed in spec.md §6.
func DefaultTunables() Tunables {
	return Tunables{
		AllowedSystemUptimeMs:      minAllowedSystemUptimeMs,
		MaxTaskPendingMs:           60_000,
		AllowedTimeForClientInitMs: 30_000,
		TaskUnbindDelayMs:          1_000,
		ShutdownWarningMarginMs:    5_000,
		NotifyApStateMaxRetry:      10,
		NotifyApStateRetrySleepMs:  100,
		PackageSearchDelayMs:       1_000,
	}
}

// ApplyFloors enforces the one documented floor: ALLOWED_SYSTEM_UPTIME
// below 30s is raised to 30s (§8 Boundary behaviors).
func (t *Tunables) ApplyFloors() {
	if t.AllowedSystemUptimeMs < minAllowedSystemUptimeMs {
		t.AllowedSystemUptimeMs = minAllowedSystemUptimeMs
	}
}

func (t Tunables) AllowedSystemUptime() time.Duration { return time.Duration(t.AllowedSystemUptimeMs) * time.Millisecond }
func (t Tunables) MaxTaskPending() time.Duration {
	return time.Duration(t.MaxTaskPendingMs) * time.Millisecond
}
func (t Tunables) AllowedTimeForClientInit() time.Duration {
	return time.Duration(t.AllowedTimeForClientInitMs) * time.Millisecond
}
func (t Tunables) TaskUnbindDelay() time.Duration {
	return time.Duration(t.TaskUnbindDelayMs) * time.Millisecond
}
func (t Tunables) ShutdownWarningMargin() time.Duration {
	return time.Duration(t.ShutdownWarningMarginMs) * time.Millisecond
}
func (t Tunables) NotifyApStateRetrySleep() time.Duration {
	return time.Duration(t.NotifyApStateRetrySleepMs) * time.Millisecond
}
func (t Tunables) PackageSearchDelay() time.Duration {
	return time.Duration(t.PackageSearchDelayMs) * time.Millisecond
}

// LoadTunables overlays an HCL file onto DefaultTunables, the same
// decode-then-floor pass the teacher's agent config uses.
func LoadTunables(path string) (Tunables, error) {
	out := DefaultTunables()
	if path == "" {
		out.ApplyFloors()
		return out, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("config: read tunables: %w", err)
	}

	var decoded map[string]interface{}
	if err := hcl.Decode(&decoded, string(raw)); err != nil {
		return out, fmt.Errorf("config: decode tunables hcl: %w", err)
	}

	if err := mapstructure.Decode(decoded, &out); err != nil {
		return out, fmt.Errorf("config: map tunables: %w", err)
	}

	out.ApplyFloors()
	return out, nil
}
