package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"
	"kseschedule/internal/ics"
	appLog "kseschedule/internal/log"
	"kseschedule/internal/metrics"
	"kseschedule/internal/model"
	"kseschedule/internal/schedule"
	"kseschedule/internal/web"
)

// refreshDisabled turns off scheduled refresh when used as the cron spec.
const refreshDisabled = "-"

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and refresh the schedule on a cron schedule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address (overrides config if set)"},
			&cli.BoolFlag{Name: "no-initial-refresh", Usage: "Do not refresh immediately on startup."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				cfg.Listen = l
			}

			rt, err := newComponents(cfg, metrics.New())
			if err != nil {
				return err
			}

			// Root context with cancellation on SIGINT/SIGTERM.
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			refresh := func() {
				sel := rt.selection.Get()
				if _, err := rt.coordinator.Refresh(ctx, sel); err != nil && !errors.Is(err, schedule.ErrStaleRefresh) {
					appLog.Warn("scheduled refresh failed", "groups", sel.String(), "error", err)
				}
			}

			var scheduler *cron.Cron
			if cfg.RefreshCron != refreshDisabled {
				scheduler = cron.New(cron.WithLocation(rt.location))
				if _, err := scheduler.AddFunc(cfg.RefreshCron, refresh); err != nil {
					return fmt.Errorf("invalid refresh schedule %q: %w", cfg.RefreshCron, err)
				}
				scheduler.Start()
				appLog.Info("scheduled refresh enabled", "refresh", cfg.RefreshCron)
			}

			if !c.Bool("no-initial-refresh") {
				go refresh()
			}

			srv := web.NewServer(ctx, cfg, web.Deps{
				Coordinator: rt.coordinator,
				Groups:      rt.groups,
				Selection:   rt.selection,
				Metrics:     rt.metrics,
			})
			runErr := srv.Run(ctx)

			if scheduler != nil {
				<-scheduler.Stop().Done()
			}
			appLog.Info("kseschedule exiting")
			return runErr
		},
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Run one refresh cycle and print the schedule.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "groups", Usage: "Comma-separated group ids (overrides the stored selection)"},
			&cli.BoolFlag{Name: "ics", Usage: "Print the schedule as iCalendar instead of text."},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			rt, err := newComponents(cfg, nil)
			if err != nil {
				return err
			}

			sel := rt.selection.Get()
			if g := c.String("groups"); g != "" {
				sel = model.ParseGroupSelection(g)
			}

			sched, err := rt.coordinator.Refresh(c.Context, sel)
			if err != nil {
				return err
			}

			if c.Bool("ics") {
				return ics.Export(os.Stdout, sched, "KSE Schedule", time.Now())
			}
			printSchedule(os.Stdout, sched, rt.coordinator.State().Issues, rt.location)
			return nil
		},
	}
}

func groupsCommand() *cli.Command {
	return &cli.Command{
		Name:  "groups",
		Usage: "Search the group directory.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Case-insensitive name filter"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			rt, err := newComponents(cfg, nil)
			if err != nil {
				return err
			}

			sel := rt.selection.Get()
			for _, g := range rt.groups.Search(c.String("query")) {
				mark := " "
				if sel.Contains(g.ID) {
					mark = "*"
				}
				fmt.Fprintf(os.Stdout, "%s %6d  %s\n", mark, g.ID, g.Name)
			}
			return nil
		},
	}
}

func printSchedule(w io.Writer, sched model.Schedule, issues []schedule.Issue, loc *time.Location) {
	if len(sched) == 0 {
		fmt.Fprintln(w, "No events.")
	}
	for _, day := range sched {
		fmt.Fprintln(w, day.Label)
		for _, ev := range day.Events {
			span := ev.Start.In(loc).Format("15:04")
			if !ev.End.IsZero() {
				span += "-" + ev.End.In(loc).Format("15:04")
			}
			line := fmt.Sprintf("  %-11s %s", span, ev.Title)
			if ev.Location != "" {
				line += " (" + ev.Location + ")"
			}
			fmt.Fprintln(w, line)
			if ev.Description != "" {
				fmt.Fprintf(w, "  %-11s %s\n", "", ev.Description)
			}
		}
	}
	if len(issues) > 0 {
		fmt.Fprintf(w, "\n%d record(s) skipped or flagged:\n", len(issues))
		for _, is := range issues {
			fmt.Fprintf(w, "  event #%d (line %d): %s\n", is.Record, is.Line, is.Message)
		}
	}
}
