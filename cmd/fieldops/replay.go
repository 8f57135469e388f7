package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fieldops/dispatch"
	"fieldops/store"
)

func replayCmd(configPath *string) *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild schedules from the event log and compare with stored state",
		Long: `Replay folds each organization's schedule event log into a fresh
schedule and compares it with the job, technician and route tables.

Examples:
  fieldops replay              # every organization
  fieldops replay --org acme   # one organization`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(*configPath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			orgs := []string{orgID}
			if orgID == "" {
				if orgs, err = db.ListOrgIDs(ctx); err != nil {
					return fmt.Errorf("list orgs: %w", err)
				}
			}
			mismatched := 0
			for _, org := range orgs {
				report, err := verifyOrg(ctx, db, org)
				if err != nil {
					return err
				}
				report.print(os.Stdout)
				if len(report.Diffs) > 0 {
					mismatched++
				}
			}
			if mismatched > 0 {
				return fmt.Errorf("%d of %d organizations differ from their event log", mismatched, len(orgs))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization to verify (default all)")
	return cmd
}

type replayReport struct {
	OrgID  string
	Events int
	Seq    int64
	Jobs   int
	Techs  int
	Diffs  []string
}

func verifyOrg(ctx context.Context, db *store.DB, orgID string) (*replayReport, error) {
	events, err := db.ListScheduleEvents(ctx, orgID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", orgID, err)
	}
	replayed, err := dispatch.Replay(orgID, events)
	if err != nil {
		return nil, err
	}
	stored, err := dispatch.LoadSnapshot(ctx, db, orgID)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", orgID, err)
	}
	return &replayReport{
		OrgID:  orgID,
		Events: len(events),
		Seq:    replayed.Seq,
		Jobs:   len(replayed.Jobs),
		Techs:  len(replayed.Techs),
		Diffs:  replayed.Diff(stored),
	}, nil
}

func (r *replayReport) print(w io.Writer) {
	status := color.New(color.FgGreen).Sprint("OK")
	if len(r.Diffs) > 0 {
		status = color.New(color.FgRed).Sprintf("%d DIFFERENCES", len(r.Diffs))
	}
	fmt.Fprintf(w, "%-20s seq=%-6d events=%-6d jobs=%-5d technicians=%-4d %s\n",
		r.OrgID, r.Seq, r.Events, r.Jobs, r.Techs, status)
	for _, d := range r.Diffs {
		fmt.Fprintf(w, "  %s %s\n", color.New(color.FgYellow).Sprint("-"), d)
	}
}
