package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"postpipe/internal/config"
	"postpipe/internal/orchestrator"
)

var (
	planKeywords []string
	planDate     string
	planJSON     bool
	planCadence  struct {
		startHour, postsPerDay, intervalHours, leadMinutes int
	}
)

var planCmd = &cobra.Command{
	Use:   "plan [keyword...]",
	Short: "Print the publish slots a batch would get",
	Long: `Compute publish slots with the configured cadence without storing or
enqueuing anything. Keywords come from --keywords or the arguments. Without
a readable config file the built-in defaults are used.`,
	RunE: runPlan,
}

func init() {
	f := planCmd.Flags()
	f.StringSliceVarP(&planKeywords, "keywords", "k", nil, "comma separated keywords")
	f.StringVar(&planDate, "date", "", "first schedule date (YYYY-MM-DD); default today")
	f.BoolVar(&planJSON, "json", false, "print JSON instead of a table")
	f.IntVar(&planCadence.startHour, "start-hour", -1, "override the fixed cadence start hour")
	f.IntVar(&planCadence.postsPerDay, "posts-per-day", 0, "override posts per day")
	f.IntVar(&planCadence.intervalHours, "interval-hours", 0, "override hours between posts")
	f.IntVar(&planCadence.leadMinutes, "lead-minutes", -1, "override the minimum lead time")
}

func planConfig() (*config.Config, error) {
	if _, err := os.Stat(cfgPath); err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	return config.NewManager(cfgPath).Parse()
}

func planOverrides() orchestrator.Cadence {
	var out orchestrator.Cadence
	if v := planCadence.startHour; v >= 0 {
		out.StartHour = &v
	}
	if v := planCadence.postsPerDay; v > 0 {
		out.PostsPerDay = &v
	}
	if v := planCadence.intervalHours; v > 0 {
		out.IntervalHours = &v
	}
	if v := planCadence.leadMinutes; v >= 0 {
		out.LeadTimeMinutes = &v
	}
	return out
}

func runPlan(cmd *cobra.Command, args []string) error {
	keywords := append(append([]string{}, planKeywords...), args...)
	if len(keywords) == 0 {
		return errors.New("no keywords given")
	}
	cfg, err := planConfig()
	if err != nil {
		return err
	}
	rt, err := cfg.Resolve()
	if err != nil {
		return err
	}

	svc := orchestrator.New(nil, nil, rt.Orchestrator)
	planned, err := svc.Plan(keywords, planDate, planOverrides())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(planned)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tSLOT\tTIME\tKEYWORD\tCATEGORY")
	for _, p := range planned {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", p.Day, p.Slot, p.ScheduledAt.Format("2006-01-02 15:04 MST"), p.Keyword, strings.TrimSpace(p.Category))
	}
	return tw.Flush()
}
