package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fsl-continuum/fcuid/internal/ui"
	"github.com/fsl-continuum/fcuid/internal/validation"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Find an FCUID from an external reference or ledger transaction",
}

var lookupExternalCmd = &cobra.Command{
	Use:   "external <system> <external-id>",
	Short: "Reverse lookup by external system reference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			id, err := a.svc.ReverseLookup(ctx, requester(), args[0], args[1])
			if err != nil {
				return err
			}
			return printLookup(id)
		})
	},
}

var lookupLedgerCmd = &cobra.Command{
	Use:   "ledger <tx-ref>",
	Short: "Reverse lookup by ledger transaction reference",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			id, err := a.svc.LookupByLedgerTx(ctx, requester(), args[0])
			if err != nil {
				return err
			}
			return printLookup(id)
		})
	},
}

func printLookup(id string) error {
	if jsonOutput {
		outputJSON(map[string]string{"fcuid": id})
		return nil
	}
	printf("%s\n", id)
	return nil
}

// validate needs no store, so it never opens the app.
var validateCmd = &cobra.Command{
	Use:   "validate <candidate>",
	Short: "Check an identifier against the FCUID format and checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res := validation.ValidateFCUID(args[0])
		if jsonOutput {
			outputJSON(res)
		} else if res.Valid {
			printf("%s\n", ui.RenderCheck(true, args[0]))
		} else {
			printf("%s\n", ui.RenderCheck(false, args[0]+": "+res.Reason))
		}
		if !res.Valid {
			return fmt.Errorf("%w: %s", validation.ErrInvalidFormat, res.Reason)
		}
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the reverse indices from the mapping records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.svc.RebuildIndices(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(report)
				return nil
			}
			printf("%s Reindexed %d records (%d external refs, %d ledger refs)\n",
				ui.RenderPass(ui.IconPass), report.Records, report.ExternalRefs, report.LedgerRefs)
			for _, c := range report.Conflicts {
				printf("%s\n", ui.RenderWarnLine(fmt.Sprintf("%s kept by %s, rejected %v", c.Key, c.Kept, c.Rejected)))
			}
			return nil
		})
	},
}

var suspiciousCmd = &cobra.Command{
	Use:   "suspicious",
	Short: "List requesters with repeated failed lookups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			entries, err := a.svc.SuspiciousReport(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(entries)
				return nil
			}
			if len(entries) == 0 {
				printf("%s\n", ui.RenderCheck(true, "no suspicious requesters"))
				return nil
			}
			for _, e := range entries {
				printf("%s  %d failed lookups  %s\n", ui.RenderFail(e.RequesterID), e.FailedLookups,
					ui.RenderMuted("last seen "+e.LastSeen.Format("2006-01-02 15:04:05")))
			}
			return nil
		})
	},
}

func init() {
	lookupCmd.AddCommand(lookupExternalCmd, lookupLedgerCmd)
	rootCmd.AddCommand(lookupCmd, validateCmd, reindexCmd, suspiciousCmd)
}
