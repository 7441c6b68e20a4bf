package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chatrelay/internal/eventbus"
	logx "chatrelay/pkg/logx"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

type Config struct {
	// Timezone is an IANA name used for cron expressions. Empty means Local.
	Timezone string
	// DefaultTimeout applies to jobs registered without their own timeout.
	DefaultTimeout time.Duration
}

type scheduleDef struct {
	name          string
	spec          string
	timeout       time.Duration
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration
	state         *runState
}

// runState is shared by every trigger of one schedule.
type runState struct {
	mu       sync.Mutex
	runs     uint64
	failures uint64
	lastRun  time.Time
	lastDur  time.Duration
	lastErr  string
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
	runCtx context.Context
	cancel context.CancelFunc
}

type ScheduleInfo struct {
	Name          string        `json:"name"`
	Spec          string        `json:"spec"`
	Timeout       time.Duration `json:"timeout"`
	StartupSpread time.Duration `json:"startup_spread,omitempty"`
	Next          time.Time     `json:"next,omitzero"`
	Prev          time.Time     `json:"prev,omitzero"`
	Runs          uint64        `json:"runs"`
	Failures      uint64        `json:"failures"`
	LastRun       time.Time     `json:"last_run,omitzero"`
	LastDuration  time.Duration `json:"last_duration,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
