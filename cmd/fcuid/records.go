package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fsl-continuum/fcuid/internal/service"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/ui"
)

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a new FCUID and commit it to both ledgers",
	Long: `Mint a new FCUID, record its external references and commit it to both ledgers.

Examples:
  fcuid mint --type deployment --ref jira=OPS-12 --ref github=acme/api#88
  fcuid mint --type epic --time-sortable --payload '{"title":"Q3 rollout"}'
  fcuid mint --defer-commit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entity, _ := cmd.Flags().GetString("type")
		sortable, _ := cmd.Flags().GetBool("time-sortable")
		deferCommit, _ := cmd.Flags().GetBool("defer-commit")
		refFlags, _ := cmd.Flags().GetStringArray("ref")
		payloadFlag, _ := cmd.Flags().GetString("payload")

		et, err := types.ParseEntityType(entity)
		if err != nil {
			return err
		}
		refs, err := parseRefs(refFlags)
		if err != nil {
			return err
		}
		payload, err := parsePayload(payloadFlag)
		if err != nil {
			return err
		}

		return withApp(func(ctx context.Context, a *app) error {
			resp, err := a.svc.Mint(ctx, service.MintRequest{
				EntityType:   et,
				TimeSortable: sortable,
				Payload:      payload,
				ExternalRefs: refs,
				DeferCommit:  deferCommit,
			})
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(resp)
				return nil
			}
			printf("%s Minted %s\n", ui.RenderPass(ui.IconPass), ui.RenderID(resp.FCUID))
			printRecord(resp.Record)
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

var showFormat string

var showCmd = &cobra.Command{
	Use:   "show <fcuid>",
	Short: "Show a mapping record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format := showFormat
		if jsonOutput {
			format = "json"
		}
		switch format {
		case "text", "json", "yaml":
		default:
			return fmt.Errorf("invalid --format %q (expected text, json or yaml)", format)
		}
		return withApp(func(ctx context.Context, a *app) error {
			rec, err := a.svc.Get(ctx, requester(), args[0])
			if err != nil {
				return err
			}
			switch format {
			case "json":
				outputJSON(rec)
			case "yaml":
				return outputYAML(rec)
			default:
				printRecord(rec)
			}
			return nil
		})
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach <fcuid> <system>=<external-id>",
	Short: "Attach an external system reference",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		system, external, ok := strings.Cut(args[1], "=")
		if !ok {
			return fmt.Errorf("reference %q must be system=external-id", args[1])
		}
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.svc.Attach(ctx, args[0], system, external); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]string{"fcuid": args[0], "system": system, "external_id": external})
				return nil
			}
			printf("%s Attached %s=%s to %s\n", ui.RenderPass(ui.IconPass), system, external, ui.RenderID(args[0]))
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <fcuid> <active|completed|archived|flagged>",
	Short: "Advance a record's lifecycle status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		next := types.Status(args[1])
		if !next.IsValid() {
			return fmt.Errorf("invalid status %q", args[1])
		}
		return withApp(func(ctx context.Context, a *app) error {
			if err := a.svc.AdvanceStatus(ctx, args[0], next); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]string{"fcuid": args[0], "status": string(next)})
				return nil
			}
			printf("%s %s is now %s\n", ui.RenderPass(ui.IconPass), ui.RenderID(args[0]), ui.RenderStatus(next))
			return nil
		})
	},
}

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events <fcuid>",
	Short: "Show a record's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			events, err := a.svc.Events(ctx, requester(), args[0], eventsLimit)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(events)
				return nil
			}
			if len(events) == 0 {
				printf("No events for %s\n", args[0])
				return nil
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-22s", ui.RenderMuted(e.CreatedAt.Format("2006-01-02 15:04:05")), e.EventType)
				if e.Actor != "" {
					line += " " + ui.RenderAccent(e.Actor)
				}
				if e.Detail != "" {
					line += " " + e.Detail
				}
				printf("%s\n", line)
			}
			return nil
		})
	},
}

func init() {
	mintCmd.Flags().StringP("type", "t", "generic", "Entity type (epic, deployment, issue, generic)")
	mintCmd.Flags().Bool("time-sortable", false, "Embed the mint time so IDs sort by creation")
	mintCmd.Flags().Bool("defer-commit", false, "Skip the ledger commit (run 'fcuid commit' later)")
	mintCmd.Flags().StringArray("ref", nil, "External reference system=id (repeatable)")
	mintCmd.Flags().String("payload", "", "JSON object committed to the ledgers with the ID")

	showCmd.Flags().StringVar(&showFormat, "format", "text", "Output format: text, json or yaml")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 0, "Show at most n events (0 = all)")

	rootCmd.AddCommand(mintCmd, showCmd, attachCmd, statusCmd, eventsCmd)
}

func parseRefs(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	refs := make(map[string]string, len(flags))
	for _, f := range flags {
		system, external, ok := strings.Cut(f, "=")
		if !ok || system == "" || external == "" {
			return nil, fmt.Errorf("reference %q must be system=external-id", f)
		}
		if prev, dup := refs[system]; dup && prev != external {
			return nil, fmt.Errorf("system %q given twice", system)
		}
		refs[system] = external
	}
	return refs, nil
}

func parsePayload(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, fmt.Errorf("--payload must be a JSON object: %w", err)
	}
	return payload, nil
}

func printRecord(rec *types.Record) {
	if rec == nil {
		return
	}
	printf("%s  %s  %s", ui.RenderID(rec.ID), ui.RenderStatus(rec.Status), ui.RenderMuted(string(rec.EntityType)))
	if rec.Degraded {
		printf("  %s", ui.RenderWarn("degraded"))
	}
	printf("\n")
	printf("  created  %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if rec.LastVerifiedAt != nil {
		printf("  verified %s\n", rec.LastVerifiedAt.Format("2006-01-02 15:04:05 MST"))
	}

	printf("\n%s\n", ui.RenderCategory("ledgers"))
	for _, name := range types.Ledgers {
		if ref := rec.LedgerRefs.Get(name); ref != nil {
			printf("  %s %s\n", ui.RenderCheck(true, string(name)), *ref)
		} else {
			printf("  %s\n", ui.RenderSkip(string(name)+" pending"))
		}
	}

	if len(rec.ExternalRefs) > 0 {
		printf("\n%s\n", ui.RenderCategory("external refs"))
		keys := make([]string, 0, len(rec.ExternalRefs))
		for k := range rec.ExternalRefs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printf("  %-12s %s\n", k, rec.ExternalRefs[k])
		}
	}
}
