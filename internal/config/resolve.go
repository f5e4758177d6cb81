package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nudgebot/internal/conversation"
	"nudgebot/internal/eligibility"
	"nudgebot/internal/llm"
	"nudgebot/internal/notifier"
	"nudgebot/internal/proactive"
	"nudgebot/internal/storage"
	"nudgebot/internal/task/scheduler"
	"nudgebot/internal/transport/telegram/adapter"
	logx "nudgebot/pkg/logx"
)

// Runtime is the typed, validated form of Config.
type Runtime struct {
	Location *time.Location

	Telegram     adapter.Config
	Logging      logx.Config
	LLM          llm.Config
	Proactive    proactive.Config
	Conversation conversation.Config
	PruneEvery   string
	Notifier     notifier.Config
	Storage      storage.Config
	Autosave     string
	Housekeeping scheduler.Config

	WhitelistEnabled bool
	WhitelistIDs     []string
}

// Resolve applies defaults, parses durations and validates ranges.
func Resolve(c *Config) (*Runtime, error) {
	if c == nil {
		return nil, errors.New("config is nil")
	}
	var d durations
	rt := &Runtime{
		WhitelistEnabled: c.Whitelist.Enabled,
		WhitelistIDs:     append([]string(nil), c.Whitelist.UserIDs...),
	}

	rt.Location = time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
		rt.Location = loc
	}

	rt.Telegram = adapter.Config{
		Token:       strings.TrimSpace(c.Telegram.Token),
		PollTimeout: d.get("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second),
	}
	if rt.Telegram.Token == "" {
		return nil, errors.New("telegram.token is required")
	}

	rt.Logging = logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    c.Logging.Alert.Enabled && c.Telegram.AlertChatID != 0,
			MinLevel:   c.Logging.Alert.MinLevel,
			RatePerSec: c.Logging.Alert.RatePerSec,
		},
	}

	rt.LLM = llm.Config{
		APIKey:         c.LLM.APIKey,
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		MaxTokens:      c.LLM.MaxTokens,
		Temperature:    c.LLM.Temperature,
		RequestTimeout: d.get("llm.request_timeout", c.LLM.RequestTimeout, 60*time.Second),
		MaxRetries:     c.LLM.MaxRetries,
	}
	if rt.LLM.Model == "" {
		return nil, errors.New("llm.model is required")
	}

	pc, err := resolveProactive(c, &d)
	if err != nil {
		return nil, err
	}
	pc.Location = rt.Location
	rt.Proactive = pc

	rt.Conversation = conversation.Config{
		MaxTurns: c.Conversation.HistoryTurns,
		IdleTTL:  d.get("conversation.idle_ttl", c.Conversation.IdleTTL, 0),
	}
	rt.PruneEvery = firstNonEmpty(c.Conversation.PruneSchedule, "1h")
	if _, err := scheduler.ParseSchedule(rt.PruneEvery); err != nil {
		return nil, fmt.Errorf("conversation.prune_schedule: %w", err)
	}

	rt.Notifier = resolveNotifier(c.Notifier, &d)
	rt.Notifier.AlertChatID = c.Telegram.AlertChatID

	rt.Autosave = "5m"
	if s := c.Storage; s != nil {
		rt.Storage = storage.Config{
			Driver:      strings.TrimSpace(s.Driver),
			Path:        strings.TrimSpace(s.Path),
			BusyTimeout: d.get("storage.busy_timeout", s.BusyTimeout, 0),
		}
		rt.Autosave = firstNonEmpty(s.Autosave, rt.Autosave)
		if _, err := scheduler.ParseSchedule(rt.Autosave); err != nil {
			return nil, fmt.Errorf("storage.autosave: %w", err)
		}
	}
	rt.Housekeeping = scheduler.Config{
		Enabled:        true,
		Timezone:       strings.TrimSpace(c.Timezone),
		DefaultTimeout: 30 * time.Second,
	}

	if d.err != nil {
		return nil, d.err
	}
	return rt, nil
}

func resolveProactive(c *Config, d *durations) (proactive.Config, error) {
	var pc proactive.Config
	pc.SystemPrompt = c.LLM.SystemPrompt
	pc.RestartBackoff = d.get("proactive.loop_restart_backoff", c.Proactive.LoopRestartBackoff, 5*time.Second)
	families, err := expandFamilies(c.Proactive.CancelOnReply)
	if err != nil {
		return pc, err
	}
	pc.CancelOnReply = families

	// escalation
	e := c.Escalation
	inact := eligibility.DefaultInactivity()
	inact.Threshold = d.get("escalation.threshold", e.Threshold, inact.Threshold)
	inact.Window = d.get("escalation.window", e.Window, inact.Window)
	if e.MaxConsecutive != 0 {
		inact.MaxConsecutive = e.MaxConsecutive
	}
	inact.TimeLimit = boolOr(e.TimeLimit, inact.TimeLimit)
	inact.StartHour = intOr(e.StartHour, inact.StartHour)
	inact.EndHour = intOr(e.EndHour, inact.EndHour)
	inact.LateNightEndHour = intOr(e.LateNightEndHour, inact.LateNightEndHour)
	if inact.MaxConsecutive < 1 {
		return pc, errors.New("escalation.max_consecutive must be >= 1")
	}
	if err := checkHours("escalation", inact.StartHour, inact.EndHour); err != nil {
		return pc, err
	}
	if err := checkHours("escalation.late_night", 0, inact.LateNightEndHour); err != nil {
		return pc, err
	}
	pc.Escalation = proactive.EscalationConfig{
		Enabled:  boolOr(e.Enabled, true),
		Interval: d.get("escalation.check_interval", e.CheckInterval, 10*time.Second),
		Policy:   inact,
	}

	// greetings
	g := c.Greetings
	morning, err := resolveGreeting("greetings.morning", g.Morning, "08:00", d)
	if err != nil {
		return pc, err
	}
	night, err := resolveGreeting("greetings.night", g.Night, "23:00", d)
	if err != nil {
		return pc, err
	}
	pc.Greetings = proactive.GreetingConfig{
		Enabled:  boolOr(g.Enabled, true),
		Interval: d.get("greetings.check_interval", g.CheckInterval, 60*time.Second),
		Morning:  morning,
		Night:    night,
	}

	// meals
	m := c.Meals
	lunch, err := resolveMeal("meals.lunch", m.Lunch, 11, 13, d)
	if err != nil {
		return pc, err
	}
	dinner, err := resolveMeal("meals.dinner", m.Dinner, 17, 19, d)
	if err != nil {
		return pc, err
	}
	ratio := m.Ratio
	if ratio == 0 {
		ratio = 0.3
	}
	if ratio <= 0 || ratio > 1 {
		return pc, fmt.Errorf("meals.ratio must be in (0,1], got %v", m.Ratio)
	}
	minSel := m.MinSelected
	if minSel <= 0 {
		minSel = 1
	}
	pc.Meals = proactive.MealConfig{
		Enabled:     boolOr(m.Enabled, true),
		Interval:    d.get("meals.check_interval", m.CheckInterval, 10*time.Second),
		Lunch:       lunch,
		Dinner:      dinner,
		Ratio:       ratio,
		MinSelected: minSel,
	}

	// sharing
	s := c.Sharing
	share := eligibility.Sharing{
		MinInterval: d.get("sharing.min_interval", s.MinInterval, 180*time.Minute),
		MaxInterval: d.get("sharing.max_interval", s.MaxInterval, 360*time.Minute),
	}
	if share.MinInterval >= share.MaxInterval {
		return pc, fmt.Errorf("sharing.min_interval (%s) must be below sharing.max_interval (%s)", share.MinInterval, share.MaxInterval)
	}
	pc.Sharing = proactive.SharingConfig{
		Enabled:  boolOr(s.Enabled, true),
		Interval: d.get("sharing.check_interval", s.CheckInterval, 10*time.Second),
		Policy:   share,
		MaxDelay: d.get("sharing.max_delay", s.MaxDelay, 10*time.Minute),
	}
	return pc, nil
}

func resolveGreeting(path string, g GreetingSlot, defAt string, d *durations) (proactive.GreetingSlot, error) {
	at, err := eligibility.ParseClock(firstNonEmpty(g.At, defAt))
	if err != nil {
		return proactive.GreetingSlot{}, fmt.Errorf("%s.at: %w", path, err)
	}
	return proactive.GreetingSlot{
		Enabled:  boolOr(g.Enabled, true),
		At:       at,
		MaxDelay: d.get(path+".max_delay", g.MaxDelay, 30*time.Minute),
	}, nil
}

func resolveMeal(path string, m MealSlot, defStart, defEnd int, d *durations) (proactive.MealSlot, error) {
	w := eligibility.HourWindow{Start: intOr(m.StartHour, defStart), End: intOr(m.EndHour, defEnd)}
	if err := checkHours(path, w.Start, w.End); err != nil {
		return proactive.MealSlot{}, err
	}
	return proactive.MealSlot{
		Enabled:  boolOr(m.Enabled, true),
		Window:   w,
		MaxDelay: d.get(path+".max_delay", m.MaxDelay, 30*time.Minute),
	}, nil
}

func resolveNotifier(n *NotifierConfig, d *durations) notifier.Config {
	if n == nil {
		n = &NotifierConfig{}
	}
	cfg := notifier.Config{
		RatePerSec:      n.RatePerSec,
		SendTimeout:     d.get("notifier.send_timeout", n.SendTimeout, 15*time.Second),
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RetryMax:        n.RetryMax,
		RetryBase:       d.get("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay:   d.get("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
		DedupWindow:     d.get("notifier.dedup_window", n.DedupWindow, time.Minute),
		DedupMaxEntries: n.DedupMaxEntries,
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

func checkHours(path string, start, end int) error {
	if start < 0 || start > 24 || end < 0 || end > 24 {
		return fmt.Errorf("%s: hours must be within 0..24 (got %d..%d)", path, start, end)
	}
	if start > end {
		return fmt.Errorf("%s: start hour %d is after end hour %d", path, start, end)
	}
	return nil
}

var loopFamilies = map[string][]string{
	proactive.LoopEscalation: {proactive.FamilyEscalation},
	proactive.LoopGreeting:   {proactive.FamilyMorning, proactive.FamilyNight},
	proactive.LoopMeal:       {proactive.FamilyLunch, proactive.FamilyDinner},
	proactive.LoopSharing:    {proactive.FamilySharing},
}

// expandFamilies accepts loop names and family names.
func expandFamilies(in []string) ([]string, error) {
	known := map[string]bool{}
	for _, fams := range loopFamilies {
		for _, f := range fams {
			known[f] = true
		}
	}
	var out []string
	seen := map[string]bool{}
	add := func(f string) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	for _, raw := range in {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if fams, ok := loopFamilies[name]; ok {
			for _, f := range fams {
				add(f)
			}
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("proactive.cancel_on_reply: unknown family %q", raw)
		}
		add(name)
	}
	return out, nil
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}
