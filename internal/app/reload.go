package app

import (
	"context"
	"strings"

	"nudgebot/internal/config"
	logx "nudgebot/pkg/logx"
)

// reloadLoop applies hot-reloadable sections of each committed config.
// Everything else is reported as needing a restart.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	rt, err := config.Resolve(newCfg)
	if err != nil {
		// the manager validates before publishing; keep the running settings
		a.log.Warn("config reload rejected", logx.Err(err))
		return
	}

	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.Apply(rt.Logging)
	}

	a.wl.Apply(rt.WhitelistEnabled, rt.WhitelistIDs)
	if evicted := a.pro.ApplyWhitelist(); len(evicted) > 0 {
		a.log.Info("users evicted by whitelist", logx.Int("count", len(evicted)))
	}

	a.notif.Apply(rt.Notifier)

	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
