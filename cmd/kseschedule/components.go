package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"
	"kseschedule/internal/config"
	"kseschedule/internal/groups"
	"kseschedule/internal/ics"
	appLog "kseschedule/internal/log"
	"kseschedule/internal/metrics"
	"kseschedule/internal/schedule"
	"kseschedule/internal/selection"
)

// components is the wiring shared by every command.
type components struct {
	cfg         *config.Config
	metrics     *metrics.Metrics
	groups      *groups.Directory
	selection   *selection.Store
	coordinator *schedule.Coordinator
	location    *time.Location
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := appLog.Init(appLog.Level(cfg.LogLevel), cfg.LogFormat); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	appLog.Info("effective config",
		"config_path", path,
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"endpoint", appLog.RedactURL(cfg.Endpoint),
		"horizon_days", cfg.HorizonDays,
		"max_groups", cfg.MaxGroups,
		"refresh", cfg.RefreshCron,
		"request_timeout", cfg.RequestTimeout.String(),
		"sort_within_day", cfg.SortWithinDay,
		"basic_auth", cfg.BasicAuth != nil,
	)
	return cfg, nil
}

// newComponents wires the components. A missing group directory is not fatal:
// the API then accepts any group id.
func newComponents(cfg *config.Config, m *metrics.Metrics) (*components, error) {
	dir, err := groups.Load(cfg.ResolvePath(cfg.GroupsFile))
	if err != nil {
		appLog.Warn("group directory unavailable", "path", cfg.GroupsFile, "error", err)
		dir = groups.New(nil)
	}

	store, err := selection.Open(cfg.ResolvePath(cfg.SelectionFile))
	if err != nil {
		return nil, err
	}

	loc := ics.MustLoadLocation(cfg.Timezone)
	parser := ics.NewParser(ics.NewDecoder(loc), loc)
	fetcher := ics.NewFetcher(
		cfg.Endpoint,
		&http.Client{Timeout: cfg.RequestTimeout},
		cfg.ResolvePath(cfg.CacheDir),
	)
	coord := schedule.New(fetcher, parser, schedule.Options{
		HorizonDays: cfg.HorizonDays,
		MaxGroups:   cfg.MaxGroups,
		Builder:     ics.Builder{SortWithinDay: cfg.SortWithinDay},
		Metrics:     m,
	})

	return &components{
		cfg:         cfg,
		metrics:     m,
		groups:      dir,
		selection:   store,
		coordinator: coord,
		location:    loc,
	}, nil
}
