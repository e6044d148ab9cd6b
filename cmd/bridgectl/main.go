// Command bridgectl inspects and repairs gateway state offline: schema
// migrations, bridge connection rows, user settings, pending sends and the
// per-user Matrix credentials.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"lightfriend/internal/config"
	"lightfriend/internal/database"

	"github.com/urfave/cli/v2"
)

var Version = "dev"

type contextKey int

const contextKeyDatabase contextKey = iota

func getDatabase(ctx *cli.Context) *database.Database {
	return ctx.Context.Value(contextKeyDatabase).(*database.Database)
}

func databasePath(ctx *cli.Context) (string, error) {
	if path := ctx.String("db"); path != "" {
		return path, nil
	}
	cfg, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Database.Path, nil
}

// requiresDatabase opens the store with the schema brought up to date.
func requiresDatabase(ctx *cli.Context) error {
	path, err := databasePath(ctx)
	if err != nil {
		return err
	}
	db, err := database.New(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyDatabase, db)
	return nil
}

func closeDatabase(ctx *cli.Context) error {
	if db, ok := ctx.Context.Value(contextKeyDatabase).(*database.Database); ok {
		return db.Close()
	}
	return nil
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "bridgectl",
		Usage:     "Manage bridge gateway state",
		Version:   Version,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "config.json",
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Database path (overrides the config file)",
				EnvVars: []string{"LIGHTFRIEND_DB_PATH"},
			},
		},
		Commands: []*cli.Command{
			migrateCommand,
			connectionsCommand,
			settingsCommand,
			pendingCommand,
			accountCommand,
		},
	}
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
