package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fsl-continuum/fcuid/internal/config"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/ui"
	"github.com/fsl-continuum/fcuid/internal/verify"
)

var commitCmd = &cobra.Command{
	Use:   "commit <fcuid>",
	Short: "Write the FCUID to any ledger slot that is still empty",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payloadFlag, _ := cmd.Flags().GetString("payload")
		payload, err := parsePayload(payloadFlag)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			resp, err := a.svc.Commit(ctx, args[0], payload)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			for _, name := range types.Ledgers {
				switch {
				case resp.Refs[name] != "":
					printf("%s %s\n", ui.RenderCheck(true, string(name)), resp.Refs[name])
				case resp.Errors[name] != "":
					printf("%s %s\n", ui.RenderCheck(false, string(name)), ui.RenderMuted(resp.Errors[name]))
				default:
					printf("%s\n", ui.RenderSkip(string(name)+" already committed"))
				}
			}
			if resp.Warning != "" {
				printf("%s\n", ui.RenderWarnLine(resp.Warning))
			}
			if resp.Verification != nil {
				printVerification(*resp.Verification)
			}
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <fcuid>",
	Short: "Cross-check both ledger references of a record",
	Long: `Cross-check both ledger references of a record.

A mismatch flags the record, appends an audit event and raises an alert.
The command exits non-zero when the record is inconsistent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			res, err := a.svc.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(res)
			} else {
				printVerification(res)
			}
			return res.Err()
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-verify records whose last verification is stale",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := sweepOptions()
		if cmd.Flags().Changed("stale-after") {
			opts.StaleAfter, _ = cmd.Flags().GetDuration("stale-after")
		}
		if cmd.Flags().Changed("limit") {
			opts.Limit, _ = cmd.Flags().GetInt("limit")
		}
		return withApp(func(ctx context.Context, a *app) error {
			report, err := a.svc.Sweep(ctx, opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(report)
				return nil
			}
			printf("%s\n", ui.RenderCategory("sweep"))
			printf("  checked    %d\n", report.Checked)
			printf("  consistent %s\n", ui.RenderPass(fmt.Sprint(report.Consistent)))
			printf("  skipped    %s\n", ui.RenderMuted(fmt.Sprint(report.Skipped)))
			if report.Failed > 0 {
				printf("  failed     %s\n", ui.RenderWarn(fmt.Sprint(report.Failed)))
			}
			for _, id := range report.Mismatched {
				printf("  %s\n", ui.RenderCheck(false, id+" mismatch"))
			}
			return nil
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <fcuid>",
	Short: "Archive a flagged record after manual investigation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		actor, _ := cmd.Flags().GetString("actor")
		if actor == "" {
			actor = requester().ID
		}
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.svc.Resolve(ctx, args[0], actor, note); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]string{"fcuid": args[0], "status": string(types.StatusArchived), "actor": actor})
				return nil
			}
			printf("%s Resolved %s (%s)\n", ui.RenderPass(ui.IconPass), ui.RenderID(args[0]), ui.RenderStatus(types.StatusArchived))
			return nil
		})
	},
}

func init() {
	commitCmd.Flags().String("payload", "", "JSON object committed to the ledgers with the ID")
	sweepCmd.Flags().Duration("stale-after", 0, "Re-verify records not verified within this window (overrides verify.stale-after)")
	sweepCmd.Flags().Int("limit", 0, "Check at most this many records (overrides verify.sweep-limit)")
	resolveCmd.Flags().String("note", "", "Investigation note (required)")
	resolveCmd.Flags().String("actor", "", "Who resolved the flag (default: requester)")
	_ = resolveCmd.MarkFlagRequired("note")

	rootCmd.AddCommand(commitCmd, verifyCmd, sweepCmd, resolveCmd)
}

func sweepOptions() verify.SweepOptions {
	vs := config.VerifySettings()
	return verify.SweepOptions{StaleAfter: vs.StaleAfter, Limit: vs.SweepLimit}
}

func printVerification(res verify.Result) {
	switch {
	case res.Skipped:
		printf("%s\n", ui.RenderSkip(res.FCUID+" not verified: ledger references incomplete"))
	case res.AlreadyFlagged:
		printf("%s %s\n", ui.RenderWarnLine(res.FCUID+" is flagged"), ui.RenderMuted("(resolve before re-verifying)"))
	case res.Consistent:
		printf("%s\n", ui.RenderCheck(true, res.FCUID+" consistent across both ledgers"))
	default:
		printf("%s\n", ui.RenderCheck(false, res.FCUID+" verification mismatch: "+res.Reason))
		printf("  %s %s\n", ui.TreeLast, ui.RenderStatus(res.Status))
	}
}
