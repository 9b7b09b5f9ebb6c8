package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print its report",
	Long: `Download the feed if it changed, apply it to the database and print the
run report as JSON. The run is skipped when the feed version was already
processed. Exits non-zero when the run fails or another run is in progress.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		rep, err := svc.Run(cmd.Context())
		if rep != nil {
			if perr := printJSON(os.Stdout, rep); perr != nil {
				return perr
			}
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print database and last run status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		st, err := svc.Status(cmd.Context())
		if err != nil {
			return err
		}
		if human, _ := cmd.Flags().GetBool("human"); human {
			fmt.Printf("items:          %s\n", humanize.Comma(int64(st.Items)))
			fmt.Printf("snapshots:      %s\n", humanize.Comma(int64(st.Snapshots)))
			fmt.Printf("staged missing: %d\n", st.StagedMissing)
			fmt.Printf("database:       %s (%s)\n", st.DBPath, humanize.IBytes(uint64(st.DBSize)))
			if st.LastSyncTS > 0 {
				fmt.Printf("last sync:      %s\n", humanize.Time(time.Unix(st.LastSyncTS, 0)))
			}
			if st.LastRun != nil {
				fmt.Printf("last run:       %s %s\n", st.LastRun.ID, st.LastRun.Status)
			}
			fmt.Printf("running:        %v\n", st.Running)
			return nil
		}
		return printJSON(os.Stdout, st)
	},
}

var missingCmd = &cobra.Command{
	Use:   "missing",
	Short: "Review SKUs that disappeared from the feed",
	Long: `SKUs present in the database but absent from the feed are staged after
each run instead of being deleted. Review them with "list", delete them with
their snapshot history with "confirm", or keep them with "discard".`,
}

var missingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List staged SKUs",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		items, err := svc.ListMissing(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, items)
	},
}

var missingConfirmCmd = &cobra.Command{
	Use:   "confirm",
	Short: "Delete staged SKUs and their snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		n, err := svc.ConfirmMissing(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d item(s)\n", n)
		return nil
	},
}

var missingDiscardCmd = &cobra.Command{
	Use:   "discard",
	Short: "Clear the staging list and keep the items",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		n, err := svc.DiscardMissing(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("discarded %d staged item(s)\n", n)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List recent runs, or show one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if len(args) == 1 {
			run, err := svc.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, run)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := svc.Runs(cmd.Context(), limit)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, runs)
	},
}

func init() {
	statusCmd.Flags().Bool("human", false, "print a human-readable summary instead of JSON")
	runsCmd.Flags().Int("limit", 20, "number of runs to list")
	missingCmd.AddCommand(missingListCmd, missingConfirmCmd, missingDiscardCmd)
}
