package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nudgebot/pkg/logx"
)

// hotSections are applied on reload; changes anywhere else need a restart.
// Notifier pacing, retry and dedup apply live; its worker pool keeps the
// size it started with.
var hotSections = map[string]bool{
	"logging":   true,
	"notifier":  true,
	"whitelist": true,
}

// SummarizeConfigChange returns the changed sections, safe log attributes
// (secrets are reported as set/unset only), and the changed sections that
// need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChatID != 0),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.LLM != newCfg.LLM {
		changed = append(changed, "llm")
		attrs = append(attrs,
			logx.String("llm.model", newCfg.LLM.Model),
			logx.Bool("llm.base_url_set", strings.TrimSpace(newCfg.LLM.BaseURL) != ""),
			logx.Bool("llm.api_key_set", newCfg.LLM.APIKey != ""),
			logx.Bool("llm.system_prompt_changed", oldCfg.LLM.SystemPrompt != newCfg.LLM.SystemPrompt),
		)
	}

	if oldCfg.Whitelist.Enabled != newCfg.Whitelist.Enabled || !sameSet(oldCfg.Whitelist.UserIDs, newCfg.Whitelist.UserIDs) {
		changed = append(changed, "whitelist")
		attrs = append(attrs,
			logx.Bool("whitelist.enabled", newCfg.Whitelist.Enabled),
			logx.Int("whitelist.count", len(newCfg.Whitelist.UserIDs)),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	// Scheduling sections are compared structurally; their attrs stay at
	// section granularity.
	for _, sec := range []struct {
		name     string
		old, new any
	}{
		{"proactive", oldCfg.Proactive, newCfg.Proactive},
		{"escalation", oldCfg.Escalation, newCfg.Escalation},
		{"greetings", oldCfg.Greetings, newCfg.Greetings},
		{"meals", oldCfg.Meals, newCfg.Meals},
		{"sharing", oldCfg.Sharing, newCfg.Sharing},
		{"conversation", oldCfg.Conversation, newCfg.Conversation},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
	} {
		if !reflect.DeepEqual(sec.old, sec.new) {
			changed = append(changed, sec.name)
		}
	}

	var oDriver, nDriver string
	var oPath, nPath string
	if oldCfg.Storage != nil {
		oDriver, oPath = strings.TrimSpace(oldCfg.Storage.Driver), strings.TrimSpace(oldCfg.Storage.Path)
	}
	if newCfg.Storage != nil {
		nDriver, nPath = strings.TrimSpace(newCfg.Storage.Driver), strings.TrimSpace(newCfg.Storage.Path)
	}
	if oDriver != nDriver || oPath != nPath || !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPath != ""),
		)
	}

	sort.Strings(changed)
	for _, c := range changed {
		if !hotSections[c] {
			restart = append(restart, c)
		}
	}
	return changed, attrs, restart
}

func sameSet(a, b []string) bool {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		sort.Strings(out)
		return out
	}
	return reflect.DeepEqual(norm(a), norm(b))
}
