package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	appLog "kseschedule/internal/log"
)

const version = "0.1.0"

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "kseschedule",
		Usage:   "Fetch and serve the KSE class schedule for selected groups.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/kseschedule/config.yaml",
				Usage:   "Path to config file",
				EnvVars: []string{"KSE_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			fetchCommand(),
			groupsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		appLog.Error("kseschedule failed", err)
		appLog.Sync()
		os.Exit(1)
	}
	appLog.Sync()
}
