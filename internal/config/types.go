package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "2h"). Resolve turns it into runtime settings.
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	LLM          LLMConfig          `json:"llm"`
	Whitelist    WhitelistConfig    `json:"whitelist"`
	Timezone     string             `json:"timezone,omitempty"` // IANA TZ, default Local
	Proactive    ProactiveConfig    `json:"proactive"`
	Escalation   EscalationConfig   `json:"escalation"`
	Greetings    GreetingsConfig    `json:"greetings"`
	Meals        MealsConfig        `json:"meals"`
	Sharing      SharingConfig      `json:"sharing"`
	Conversation ConversationConfig `json:"conversation"`
	Notifier     *NotifierConfig    `json:"notifier,omitempty"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// AlertChatID receives warn+ log lines when logging.alert is enabled.
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type LLMConfig struct {
	BaseURL        string  `json:"base_url,omitempty"`
	APIKey         string  `json:"api_key,omitempty"`
	Model          string  `json:"model"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	MaxRetries     int     `json:"max_retries,omitempty"`
}

type WhitelistConfig struct {
	Enabled bool     `json:"enabled"`
	UserIDs []string `json:"user_ids"`
}

type ProactiveConfig struct {
	// CancelOnReply lists the families an inbound message cancels.
	// Empty means all.
	CancelOnReply      []string `json:"cancel_on_reply,omitempty"`
	LoopRestartBackoff string   `json:"loop_restart_backoff,omitempty"`
}

// EscalationConfig defaults: 2h threshold, 1h window, 3 sends, active
// 08-23 plus 00-07.
type EscalationConfig struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	CheckInterval    string `json:"check_interval,omitempty"`
	Threshold        string `json:"threshold,omitempty"`
	Window           string `json:"window,omitempty"`
	MaxConsecutive   int    `json:"max_consecutive,omitempty"`
	TimeLimit        *bool  `json:"time_limit,omitempty"`
	StartHour        *int   `json:"start_hour,omitempty"`
	EndHour          *int   `json:"end_hour,omitempty"`
	LateNightEndHour *int   `json:"late_night_end_hour,omitempty"`
}

type GreetingsConfig struct {
	Enabled       *bool        `json:"enabled,omitempty"`
	CheckInterval string       `json:"check_interval,omitempty"`
	Morning       GreetingSlot `json:"morning"`
	Night         GreetingSlot `json:"night"`
}

type GreetingSlot struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	At       string `json:"at,omitempty"` // HH:MM
	MaxDelay string `json:"max_delay,omitempty"`
}

type MealsConfig struct {
	Enabled       *bool    `json:"enabled,omitempty"`
	CheckInterval string   `json:"check_interval,omitempty"`
	Lunch         MealSlot `json:"lunch"`
	Dinner        MealSlot `json:"dinner"`
	Ratio         float64  `json:"ratio,omitempty"`
	MinSelected   int      `json:"min_selected,omitempty"`
}

type MealSlot struct {
	Enabled   *bool  `json:"enabled,omitempty"`
	StartHour *int   `json:"start_hour,omitempty"`
	EndHour   *int   `json:"end_hour,omitempty"`
	MaxDelay  string `json:"max_delay,omitempty"`
}

type SharingConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"`
	MinInterval   string `json:"min_interval,omitempty"`
	MaxInterval   string `json:"max_interval,omitempty"`
	MaxDelay      string `json:"max_delay,omitempty"`
}

type ConversationConfig struct {
	HistoryTurns int    `json:"history_turns,omitempty"`
	IdleTTL      string `json:"idle_ttl,omitempty"`
	// PruneSchedule is a cron or interval schedule, default "1h".
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// NotifierConfig controls outbound pacing and the alert pipeline.
// If the whole section is omitted, defaults apply.
type NotifierConfig struct {
	RatePerSec      int    `json:"rate_per_sec"`
	SendTimeout     string `json:"send_timeout"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls persistence. Nil or driver "none" disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/nudgebot.db", "autosave": "5m" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Autosave    string `json:"autosave,omitempty"`     // schedule, default "5m"
}
