package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/devicelink/internal/domain/ledger"
	"github.com/ehr/devicelink/internal/domain/registry"
	"github.com/ehr/devicelink/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationsFS(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded migrations)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (default: embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func dispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send one order to its device and print the ledger entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			orderFlag, _ := cmd.Flags().GetString("order")
			classFlag, _ := cmd.Flags().GetString("class")

			orderID, err := uuid.Parse(orderFlag)
			if err != nil {
				return fmt.Errorf("--order must be a uuid: %w", err)
			}
			class := registry.DeviceClass(strings.ToUpper(classFlag))
			if !class.Valid() {
				return fmt.Errorf("--class must be LAB or RADIOLOGY")
			}

			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env)
			svc := newServices(pool, cfg, logger)
			entry, err := svc.dispatcher(cfg, nil, logger).Dispatch(ctx, orderID, class)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entry)
		},
	}
	cmd.Flags().String("order", "", "Order id")
	cmd.Flags().String("class", string(registry.ClassLab), "Device class: LAB or RADIOLOGY")
	_ = cmd.MarkFlagRequired("order")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the message ledger",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := ledger.NewService(ledger.NewRepoPG(pool), zerolog.Nop())
			entries, total, err := svc.List(ctx, f, limit, offset)
			if err != nil {
				return err
			}
			printEntries(os.Stdout, entries)
			fmt.Printf("%d of %d entries\n", len(entries), total)
			return nil
		},
	}
	listCmd.Flags().String("status", "", "Filter by status")
	listCmd.Flags().String("direction", "", "Filter by direction: INBOUND or OUTBOUND")
	listCmd.Flags().String("device", "", "Filter by device id")
	listCmd.Flags().Int("limit", 50, "Maximum entries to print")
	listCmd.Flags().Int("offset", 0, "Entries to skip")
	cmd.AddCommand(listCmd)

	return cmd
}

func filterFromFlags(cmd *cobra.Command) (ledger.Filter, error) {
	status, _ := cmd.Flags().GetString("status")
	direction, _ := cmd.Flags().GetString("direction")
	device, _ := cmd.Flags().GetString("device")

	f := ledger.Filter{
		Status:    ledger.Status(strings.ToUpper(status)),
		Direction: ledger.Direction(strings.ToUpper(direction)),
	}
	if device != "" {
		id, err := uuid.Parse(device)
		if err != nil {
			return f, fmt.Errorf("--device must be a uuid: %w", err)
		}
		f.DeviceID = &id
	}
	return f, nil
}

func printEntries(w io.Writer, entries []*ledger.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDIRECTION\tSTATUS\tTYPE\tCONTROL ID\tATTEMPTS\tCREATED\tERROR")
	for _, e := range entries {
		errText := ""
		if e.ErrorText != nil {
			errText = *e.ErrorText
			if len(errText) > 60 {
				errText = errText[:57] + "..."
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.Direction, e.Status, e.MessageType, e.ControlID, e.Attempts,
			e.CreatedAt.Format("2006-01-02 15:04:05"), errText)
	}
	tw.Flush()
}
