package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"tourportal.io/internal/migrate"
	"tourportal.io/internal/store/pg"
	"tourportal.io/migrations"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	var (
		dsn    string
		format string
	)
	cmd := &cobra.Command{
		Use:   "migrate [up|down [version]|status|check|seed]",
		Short: "Run database migrations and seeds",
		Args:  migrateArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) > 0 {
				command = args[0]
			}
			target := int64(-1)
			if len(args) > 1 {
				target, _ = strconv.ParseInt(args[1], 10, 64)
			}
			if dsn == "" {
				cfg, _, err := loadRuntime(root)
				if err != nil {
					return err
				}
				dsn = cfg.PGDSN
			}
			if dsn == "" {
				return fmt.Errorf("missing DSN: provide --dsn or PORTAL_PG_DSN")
			}
			return runMigrate(cmd.Context(), dsn, command, target, format, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to PORTAL_PG_DSN)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format (text or json)")
	return cmd
}

func migrateArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.RangeArgs(0, 2)(cmd, args); err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	switch args[0] {
	case "up", "down", "status", "check", "seed":
	default:
		return fmt.Errorf("invalid command %q", args[0])
	}
	if len(args) == 2 {
		if args[0] != "down" {
			return fmt.Errorf("invalid argument combination: %q", args)
		}
		if v, err := strconv.ParseInt(args[1], 10, 64); err != nil || v < 0 {
			return fmt.Errorf("invalid version number: %q", args[1])
		}
	}
	return nil
}

func runMigrate(ctx context.Context, dsn, command string, target int64, format string, out io.Writer) error {
	st, err := pg.Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	opts := []migrate.Option{migrate.WithSeeds(migrations.Seeds())}
	if format == "json" {
		opts = append(opts, migrate.WithQuiet())
	}
	mgr, err := migrate.NewManager(st.DB(), migrations.EmbedMigrations, opts...)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		results, err := mgr.Up(ctx)
		if err != nil {
			return err
		}
		return writeResults(out, format, results)
	case "down":
		results, err := mgr.Down(ctx, target)
		if err != nil {
			return err
		}
		return writeResults(out, format, results)
	case "status":
		statuses, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		return writeStatus(out, format, statuses)
	case "check":
		pending, current, err := mgr.Check(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			return json.NewEncoder(out).Encode(map[string]any{"pending": pending, "version": current})
		}
		if pending {
			return fmt.Errorf("migrations are pending: current version %d", current)
		}
		fmt.Fprintf(out, "database is up to date (version %d)\n", current)
		return nil
	case "seed":
		applied, err := mgr.Seed(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			if applied == nil {
				applied = []string{}
			}
			return json.NewEncoder(out).Encode(map[string]any{"applied": applied})
		}
		for _, name := range applied {
			fmt.Fprintf(out, "applied seed %s\n", name)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", command)
}

func writeResults(out io.Writer, format string, results []*goose.MigrationResult) error {
	if format == "json" {
		if results == nil {
			results = []*goose.MigrationResult{}
		}
		return json.NewEncoder(out).Encode(map[string]any{"applied": results})
	}
	for _, r := range results {
		fmt.Fprintln(out, r.String())
	}
	return nil
}

func writeStatus(out io.Writer, format string, statuses []*goose.MigrationStatus) error {
	if format == "json" {
		return json.NewEncoder(out).Encode(statuses)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APPLIED AT\tMIGRATION")
	for _, s := range statuses {
		appliedAt := "Pending"
		if s.State == goose.StateApplied {
			appliedAt = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\n", appliedAt, s.Source.Path)
	}
	return tw.Flush()
}
