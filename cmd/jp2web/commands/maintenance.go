package commands

import (
	"time"

	"jp2web/internal/conversion"
	"jp2web/internal/errors"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			if err := a.migrate(); err != nil {
				return err
			}
			pterm.Success.Println("schema is up to date")
			return nil
		},
	}
}

func recoverStuckCmd() *cobra.Command {
	var (
		olderThan int
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "recover-stuck",
		Short: "Resubmit jobs that stayed pending without ever starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 1 {
				return errors.New("--older-than must be at least 1 minute")
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			if dryRun {
				pterm.Warning.Println("DRY RUN: no job will be changed")
			}
			ids, err := a.svc.RecoverStuck(cmd.Context(), time.Duration(olderThan)*time.Minute, dryRun)
			if len(ids) == 0 && err == nil {
				pterm.Info.Printfln("no pending jobs older than %d minutes", olderThan)
				return nil
			}
			printIDs("Stuck jobs", ids)
			if err != nil {
				return err
			}
			if !dryRun {
				pterm.Success.Printfln("resubmitted %d job(s)", len(ids))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThan, "older-than", 15, "Minutes a job must have been pending")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the jobs without changing them")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var opts conversion.CleanupOptions
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete jobs with their media, or only per-job temp directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Jobs && !opts.Temp {
				return errors.New("nothing to do: pass --jobs and/or --temp")
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			if opts.DryRun {
				pterm.Warning.Println("DRY RUN: nothing will be deleted")
			}
			rep, err := a.svc.Cleanup(cmd.Context(), opts)
			if rep != nil {
				if opts.Jobs {
					printIDs("Jobs", rep.JobsRemoved)
				}
				if opts.Temp {
					printIDs("Temp directories", rep.TempRemoved)
				}
			}
			if err != nil {
				return err
			}
			pterm.Success.Println("cleanup finished")
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Jobs, "jobs", false, "Delete every job row and its media directory")
	cmd.Flags().BoolVar(&opts.Temp, "temp", false, "Delete per-job temp directories only")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Show what would be deleted")
	return cmd
}

func printIDs(title string, ids []string) {
	data := pterm.TableData{{title}}
	for _, id := range ids {
		data = append(data, []string{id})
	}
	if len(ids) == 0 {
		data = append(data, []string{"(none)"})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
