package dispatch

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is the fallback cadence when a job's schedule is absent
// or invalid.
const DefaultInterval = 24 * time.Hour

// triggerConfig is the decoded jobs.trigger_config blob.
type triggerConfig struct {
	Schedule struct {
		IntervalSeconds int    `json:"interval_seconds"`
		Cron            string `json:"cron"`
	} `json:"schedule"`
	ReviewFirst bool `json:"review_first"`
}

func parseTriggerConfig(raw string) triggerConfig {
	var cfg triggerConfig
	if raw == "" {
		return cfg
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		log.Warn().Err(err).Msg("Unparseable trigger config, using defaults")
	}
	return cfg
}

// NextRunAt computes a job's next firing time from its trigger config. A
// cron expression wins over interval_seconds; a non-positive or missing
// interval falls back to 24 hours.
func NextRunAt(rawConfig string, from time.Time) time.Time {
	cfg := parseTriggerConfig(rawConfig)

	if expr := cfg.Schedule.Cron; expr != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(expr)
		if err == nil {
			return sched.Next(from)
		}
		log.Warn().Str("expr", expr).Err(err).Msg("Invalid cron expression, falling back to interval")
	}

	interval := time.Duration(cfg.Schedule.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = DefaultInterval
	}
	return from.Add(interval)
}
