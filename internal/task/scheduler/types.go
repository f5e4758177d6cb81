package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nudgebot/internal/eventbus"
	logx "nudgebot/pkg/logx"
)

// Config controls the housekeeping scheduler.
type Config struct {
	Enabled        bool
	Timezone       string        // IANA TZ, e.g. "Asia/Jakarta"
	DefaultTimeout time.Duration // per-run timeout when a job sets none
	HistorySize    int
}

// Job is one unit of housekeeping work.
type Job func(ctx context.Context) error

const (
	EventRun = "housekeeping.run"

	defaultTimeout     = 30 * time.Second
	defaultHistorySize = 50
)

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	running       *runGate
}

// runGate keeps at most one run of a schedule in flight.
type runGate struct {
	mu   sync.Mutex
	busy bool
}

func (g *runGate) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return false
	}
	g.busy = true
	return true
}

func (g *runGate) leave() {
	g.mu.Lock()
	g.busy = false
	g.mu.Unlock()
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	ctx    context.Context
	cancel context.CancelFunc

	// failure log throttling, keyed by schedule name
	failMu   sync.Mutex
	lastFail map[string]time.Time

	histMu  sync.Mutex
	history []RunRecord
}

type ScheduleInfo struct {
	Name          string
	Spec          string
	Timeout       time.Duration
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
}

// RunRecord describes one finished run.
type RunRecord struct {
	Name    string        `json:"name"`
	Started time.Time     `json:"started"`
	Took    time.Duration `json:"took"`
	Skipped bool          `json:"skipped,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	History   []RunRecord
}
