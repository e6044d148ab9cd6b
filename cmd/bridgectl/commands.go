package main

import (
	"fmt"
	"strings"
	"time"

	"lightfriend/internal/database"
	"lightfriend/internal/models"
	"lightfriend/internal/validation"

	"github.com/urfave/cli/v2"
)

var userFlag = &cli.StringFlag{
	Name:     "user",
	Aliases:  []string{"u"},
	Usage:    "User id",
	Required: true,
}

func userID(ctx *cli.Context) (string, error) {
	id := ctx.String("user")
	if err := validation.ValidateUserID(id); err != nil {
		return "", err
	}
	return id, nil
}

var migrateCommand = &cli.Command{
	Name:  "migrate",
	Usage: "Apply pending schema migrations",
	Action: func(ctx *cli.Context) error {
		path, err := databasePath(ctx)
		if err != nil {
			return err
		}
		db, err := database.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		result, err := db.Migrate()
		if err != nil {
			return err
		}
		if !result.Changed {
			fmt.Fprintf(ctx.App.Writer, "Schema already at version %d\n", result.Version)
			return nil
		}
		fmt.Fprintf(ctx.App.Writer, "Schema migrated to version %d\n", result.Version)
		return nil
	},
}

var connectionsCommand = &cli.Command{
	Name:  "connections",
	Usage: "Inspect bridge connection rows",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List a user's bridge connections",
			Flags:  []cli.Flag{userFlag},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				conns, err := getDatabase(ctx).ListConnections(ctx.Context, id)
				if err != nil {
					return err
				}
				if len(conns) == 0 {
					fmt.Fprintf(ctx.App.Writer, "No bridge connections for %s\n", id)
					return nil
				}
				for _, c := range conns {
					fmt.Fprintf(ctx.App.Writer, "%-10s %-11s %s (updated %s)\n",
						c.Platform, c.Status, c.RoomID, c.UpdatedAt.UTC().Format(time.RFC3339))
				}
				return nil
			},
		},
		{
			Name:  "remove",
			Usage: "Delete a connection row without contacting the bridge",
			Flags: []cli.Flag{
				userFlag,
				&cli.StringFlag{Name: "platform", Aliases: []string{"p"}, Required: true},
			},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				platform, err := models.ParsePlatform(ctx.String("platform"))
				if err != nil {
					return err
				}
				if err := getDatabase(ctx).DeleteConnection(ctx.Context, id, platform); err != nil {
					return err
				}
				fmt.Fprintf(ctx.App.Writer, "Removed %s connection for %s\n", platform, id)
				return nil
			},
		},
	},
}

var settingsCommand = &cli.Command{
	Name:  "settings",
	Usage: "Show or change per-user settings",
	Subcommands: []*cli.Command{
		{
			Name:   "show",
			Flags:  []cli.Flag{userFlag},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				settings, err := getDatabase(ctx).GetUserSettings(ctx.Context, id)
				if err != nil {
					return err
				}
				printSettings(ctx, settings)
				return nil
			},
		},
		{
			Name: "set",
			Flags: []cli.Flag{
				userFlag,
				&cli.StringFlag{Name: "timezone", Usage: "IANA zone name, empty for UTC"},
				&cli.BoolFlag{Name: "require-confirmation", Usage: "Ask before sending messages"},
			},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				db := getDatabase(ctx)
				settings, err := db.GetUserSettings(ctx.Context, id)
				if err != nil {
					return err
				}

				if ctx.IsSet("timezone") {
					tz := strings.TrimSpace(ctx.String("timezone"))
					if err := validation.ValidateTimezone(tz); err != nil {
						return err
					}
					settings.Timezone = tz
				}
				if ctx.IsSet("require-confirmation") {
					settings.RequireConfirmation = ctx.Bool("require-confirmation")
				}

				if err := db.SaveUserSettings(ctx.Context, settings); err != nil {
					return err
				}
				printSettings(ctx, settings)
				return nil
			},
		},
	},
}

func printSettings(ctx *cli.Context, s *models.UserSettings) {
	tz := s.Timezone
	if tz == "" {
		tz = "UTC"
	}
	fmt.Fprintf(ctx.App.Writer, "user: %s\ntimezone: %s\nrequire_confirmation: %t\n", s.UserID, tz, s.RequireConfirmation)
}

var pendingCommand = &cli.Command{
	Name:  "pending",
	Usage: "Inspect the pending send awaiting confirmation",
	Subcommands: []*cli.Command{
		{
			Name:   "show",
			Flags:  []cli.Flag{userFlag},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				req, err := getDatabase(ctx).GetPendingSend(ctx.Context, id)
				if err != nil {
					return err
				}
				if req == nil {
					fmt.Fprintf(ctx.App.Writer, "Nothing pending for %s\n", id)
					return nil
				}
				state := "pending"
				if req.Expired(time.Now()) {
					state = "expired"
				}
				fmt.Fprintf(ctx.App.Writer, "%s to %s on %s (%s, expires %s)\n",
					state, req.ResolvedChatName, req.Platform.DisplayName(), describeContent(req),
					req.ExpiresAt.UTC().Format(time.RFC3339))
				return nil
			},
		},
		{
			Name:   "clear",
			Flags:  []cli.Flag{userFlag},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				if err := getDatabase(ctx).DeletePendingSend(ctx.Context, id); err != nil {
					return err
				}
				fmt.Fprintf(ctx.App.Writer, "Cleared pending send for %s\n", id)
				return nil
			},
		},
	},
}

func describeContent(req *models.PendingSendRequest) string {
	switch {
	case req.MessageBody != "" && req.ImageURL != "":
		return fmt.Sprintf("text of %d chars with image", len([]rune(req.MessageBody)))
	case req.ImageURL != "":
		return "image only"
	default:
		return fmt.Sprintf("text of %d chars", len([]rune(req.MessageBody)))
	}
}

var accountCommand = &cli.Command{
	Name:  "account",
	Usage: "Manage the Matrix credentials used for a user's bridges",
	Subcommands: []*cli.Command{
		{
			Name: "set",
			Flags: []cli.Flag{
				userFlag,
				&cli.StringFlag{Name: "mxid", Usage: "Matrix user id, e.g. @alice:example.org", Required: true},
				&cli.StringFlag{Name: "device", Usage: "Device id", Required: true},
				&cli.StringFlag{
					Name:     "token",
					Usage:    "Access token",
					EnvVars:  []string{"LIGHTFRIEND_ACCESS_TOKEN"},
					Required: true,
				},
			},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				mxid := ctx.String("mxid")
				if !strings.HasPrefix(mxid, "@") || !strings.Contains(mxid, ":") {
					return fmt.Errorf("invalid matrix user id %q", mxid)
				}

				account := &models.MatrixAccount{
					UserID:      id,
					MXID:        mxid,
					AccessToken: ctx.String("token"),
					DeviceID:    ctx.String("device"),
				}
				if err := getDatabase(ctx).SaveMatrixAccount(ctx.Context, account); err != nil {
					return err
				}
				fmt.Fprintf(ctx.App.Writer, "Saved Matrix account %s for %s\n", mxid, id)
				return nil
			},
		},
		{
			Name:   "show",
			Flags:  []cli.Flag{userFlag},
			Before: requiresDatabase,
			After:  closeDatabase,
			Action: func(ctx *cli.Context) error {
				id, err := userID(ctx)
				if err != nil {
					return err
				}
				account, err := getDatabase(ctx).GetMatrixAccount(ctx.Context, id)
				if err != nil {
					return err
				}
				if account == nil {
					fmt.Fprintf(ctx.App.Writer, "No Matrix account for %s\n", id)
					return nil
				}
				fmt.Fprintf(ctx.App.Writer, "%s device %s (updated %s)\n",
					account.MXID, account.DeviceID, account.UpdatedAt.UTC().Format(time.RFC3339))
				return nil
			},
		},
	},
}
