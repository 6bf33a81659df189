package config

import (
	"reflect"
	"sort"
	"strings"

	logx "callbot/pkg/logx"
)

// HotSections are applied at runtime; every other section needs a restart.
var HotSections = map[string]bool{"logging": true, "pipeline": true, "metrics": true}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes tokens or secrets),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		p := newCfg.Pipeline
		attrs = append(attrs,
			logx.Float64("pipeline.call_threshold", p.Threshold()),
			logx.Int("pipeline.window_minutes", int(p.Window().Minutes())),
			logx.String("pipeline.timezone", strings.TrimSpace(p.Timezone)),
			logx.Bool("pipeline.dry_run", p.DryRun),
			logx.Int("pipeline.padding", p.PaddingOrDefault()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.mode", newCfg.Source.ModeOrDefault()),
			logx.String("source.system", newCfg.Source.System),
			logx.String("source.schedule", newCfg.Source.ScheduleOrDefault()),
		)
	}

	// Publisher (never log tokens)
	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.String("publisher.driver", newCfg.Publisher.DriverOrDefault()),
			logx.Bool("publisher.telegram_token_set", strings.TrimSpace(newCfg.Publisher.Telegram.Token) != ""),
			logx.Bool("publisher.twitter_keys_set", strings.TrimSpace(newCfg.Publisher.Twitter.ConsumerKey) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Enrichment, newCfg.Enrichment) {
		changed = append(changed, "enrichment")
		attrs = append(attrs, logx.String("enrichment.driver", newCfg.Enrichment.DriverOrDefault()))
	}

	// Storage: nil means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	// Metrics (never log token)
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.AddrOrDefault()),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
		)
	}

	sort.Strings(changed)
	restart := make([]string, 0, len(changed))
	for _, c := range changed {
		if !HotSections[c] {
			restart = append(restart, c)
		}
	}
	return changed, attrs, restart
}
