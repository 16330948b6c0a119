package config

import (
	"reflect"
	"sort"
	"strings"

	logx "crosspost/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", strings.TrimSpace(newCfg.Scheduler.Schedule)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.batch_size", newCfg.Scheduler.BatchSize),
		)
	}

	// Publish
	if oldCfg.Publish != newCfg.Publish {
		changed = append(changed, "publish")
		attrs = append(attrs,
			logx.String("publish.platform_timeout", strings.TrimSpace(newCfg.Publish.PlatformTimeout)),
			logx.Int("publish.rate_per_sec", newCfg.Publish.RatePerSec),
		)
	}

	// Platforms (never log tokens)
	if !reflect.DeepEqual(oldCfg.Platforms, newCfg.Platforms) {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Int("platforms.count", len(newCfg.Platforms)),
			logx.Int("platforms.changed_count", len(diffPlatforms(oldCfg.Platforms, newCfg.Platforms))),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func diffPlatforms(oldL, newL []PlatformConfig) []string {
	oldM := map[string]PlatformConfig{}
	for _, p := range oldL {
		oldM[p.Name] = p
	}
	newM := map[string]PlatformConfig{}
	for _, p := range newL {
		newM[p.Name] = p
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		if oldM[name] != newM[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
