// Command mpdata is a thin CLI collaborator over pkg/workspace: fetch
// events/profiles into a local store and run ad-hoc SQL against it.
// Configuration file parsing and flag wiring are deliberately minimal —
// the facade in pkg/workspace carries the real behavior.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mpdata/pkg/mixpanel"
	"github.com/ajitpratap0/mpdata/pkg/mperrors"
	"github.com/ajitpratap0/mpdata/pkg/workspace"
)

// Exit codes per the Provider client's interop contract: 0 success, 1
// partial failure (a parallel fetch slice failed), 2 auth error, 3
// invalid arguments, 5 rate-limited.
const (
	exitSuccess        = 0
	exitPartialFailure = 1
	exitAuthFailure    = 2
	exitInvalidArgs    = 3
	exitRateLimited    = 5
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "mpdata",
		Short: "mpdata - local analytical client for the Mixpanel export/query API",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mpdata v%s\n", version)
		},
	})

	var dbPath, configFile string
	root.PersistentFlags().StringVar(&dbPath, "db", "mpdata.db", "path to the local store")
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML credentials file")

	root.AddCommand(newFetchEventsCmd(&dbPath, &configFile))
	root.AddCommand(newFetchProfilesCmd(&dbPath, &configFile))
	root.AddCommand(newSQLCmd(&dbPath, &configFile))

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case mperrors.IsType(err, mperrors.TypeAuthenticationFailure):
		return exitAuthFailure
	case mperrors.IsType(err, mperrors.TypeRateLimited):
		return exitRateLimited
	case mperrors.IsType(err, mperrors.TypeQueryError):
		return exitInvalidArgs
	default:
		return exitPartialFailure
	}
}

func newFetchEventsCmd(dbPath, configFile *string) *cobra.Command {
	var table, from, to, where string
	var events []string
	var parallel, append, replace bool
	var workers int

	cmd := &cobra.Command{
		Use:   "fetch-events",
		Short: "Fetch events into a local table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspace.Open(*dbPath, workspace.WithConfigFile(*configFile))
			if err != nil {
				return err
			}
			defer ws.Close()

			seqResult, parResult, err := ws.FetchEvents(context.Background(), table, from, to, events, where, append, replace, parallel, workers, func(p mixpanel.ParallelFetchProgress) {
				fmt.Fprintf(cmd.OutOrStdout(), "slice %s: success=%v rows=%d\n", p.SliceKey, p.Success, p.Rows)
			})
			if err != nil {
				return err
			}
			if parallel {
				fmt.Fprintf(cmd.OutOrStdout(), "fetched %d rows (%d failed slices)\n", parResult.TotalRows, parResult.FailedSlices)
				if parResult.HasFailures() {
					return fmt.Errorf("fetch completed with %d failed slices", parResult.FailedSlices)
				}
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched %d rows\n", seqResult.RowCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "target table name")
	cmd.Flags().StringVar(&from, "from", "", "from date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "to date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVar(&events, "event", nil, "event name filter (repeatable)")
	cmd.Flags().StringVar(&where, "where", "", "Provider boolean expression to filter events server-side")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "use the parallel fetcher")
	cmd.Flags().BoolVar(&append, "append", false, "append to an existing table")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an existing table")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count for the parallel fetcher (0 = default)")
	cmd.MarkFlagRequired("table")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func newFetchProfilesCmd(dbPath, configFile *string) *cobra.Command {
	var table, where string
	var parallel, append, replace bool
	var workers int

	cmd := &cobra.Command{
		Use:   "fetch-profiles",
		Short: "Fetch profiles into a local table",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspace.Open(*dbPath, workspace.WithConfigFile(*configFile))
			if err != nil {
				return err
			}
			defer ws.Close()

			seqResult, parResult, err := ws.FetchProfiles(context.Background(), table, nil, where, append, replace, parallel, workers, func(p mixpanel.ParallelFetchProgress) {
				fmt.Fprintf(cmd.OutOrStdout(), "slice %s: success=%v rows=%d\n", p.SliceKey, p.Success, p.Rows)
			})
			if err != nil {
				return err
			}
			if parallel {
				fmt.Fprintf(cmd.OutOrStdout(), "fetched %d rows (%d failed slices)\n", parResult.TotalRows, parResult.FailedSlices)
				if parResult.HasFailures() {
					return fmt.Errorf("fetch completed with %d failed slices", parResult.FailedSlices)
				}
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fetched %d rows\n", seqResult.RowCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "target table name")
	cmd.Flags().StringVar(&where, "where", "", "Provider boolean expression to filter profiles server-side")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "use the parallel fetcher")
	cmd.Flags().BoolVar(&append, "append", false, "append to an existing table")
	cmd.Flags().BoolVar(&replace, "replace", false, "replace an existing table")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count for the parallel fetcher (0 = default)")
	cmd.MarkFlagRequired("table")
	return cmd
}

func newSQLCmd(dbPath, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sql [query]",
		Short: "Run an ad-hoc SQL query against the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := workspace.Open(*dbPath, workspace.WithConfigFile(*configFile))
			if err != nil {
				return err
			}
			defer ws.Close()

			rows, err := ws.SQL(context.Background(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
	return cmd
}
