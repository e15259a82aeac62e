package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/barnlabs/barn/internal/cli/ui"
	"github.com/barnlabs/barn/internal/cron"
	"github.com/barnlabs/barn/internal/queue"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and manage schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE:  runScheduleList,
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create <func> [json-args]",
	Short: "Create a schedule",
	Long: `Create a schedule for the given registered function. Exactly one
firing policy must be given: --cron, --interval, or --at (one-shot).

  barn schedule create report --cron "0 6 * * *"
  barn schedule create poll '{"feed":"news"}' --interval 5m
  barn schedule create cleanup --at 2026-09-01T00:00:00Z`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runScheduleCreate,
}

var schedulePauseCmd = &cobra.Command{
	Use:   "pause <id>",
	Short: "Deactivate a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setActiveCmd(false),
}

var scheduleResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Reactivate a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  setActiveCmd(true),
}

var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleDelete,
}

func init() {
	scheduleCreateCmd.Flags().String("name", "", "Human-readable label")
	scheduleCreateCmd.Flags().String("cron", "", "Cron expression (5 fields)")
	scheduleCreateCmd.Flags().Duration("interval", 0, "Fixed interval, e.g. 30s, 5m, 1h")
	scheduleCreateCmd.Flags().String("at", "", "One-shot firing instant (RFC 3339)")
	scheduleCreateCmd.Flags().Bool("paused", false, "Create the schedule inactive")

	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(schedulePauseCmd)
	scheduleCmd.AddCommand(scheduleResumeCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	schedules, err := b.schedules.List(context.Background())
	if err != nil {
		return err
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return json.NewEncoder(os.Stdout).Encode(schedules)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFUNC\tPOLICY\tACTIVE\tNEXT RUN")
	for _, s := range schedules {
		name := ""
		if s.Name != nil {
			name = *s.Name
		}
		policy := "one-shot"
		switch {
		case s.Cron != nil:
			policy = "cron " + *s.Cron
		case s.Interval != nil:
			policy = "every " + s.Interval.String()
		}
		next := "-"
		if s.NextRunAt != nil {
			next = s.NextRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%s\n", s.ID, name, s.Func, policy, s.IsActive, next)
	}
	return w.Flush()
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	cronExpr, _ := cmd.Flags().GetString("cron")
	interval, _ := cmd.Flags().GetDuration("interval")
	atText, _ := cmd.Flags().GetString("at")
	paused, _ := cmd.Flags().GetBool("paused")
	name, _ := cmd.Flags().GetString("name")

	policies := 0
	for _, set := range []bool{cronExpr != "", interval != 0, atText != ""} {
		if set {
			policies++
		}
	}
	if policies != 1 {
		return fmt.Errorf("exactly one of --cron, --interval, or --at is required")
	}

	s := &queue.Schedule{Func: args[0], IsActive: !paused}
	if name != "" {
		s.Name = &name
	}
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("args must be valid JSON, got %q", args[1])
		}
		s.Args = json.RawMessage(args[1])
	}

	switch {
	case cronExpr != "":
		if err := cron.Validate(cronExpr); err != nil {
			return err
		}
		s.Cron = &cronExpr
	case interval != 0:
		if interval < 0 {
			return fmt.Errorf("interval must be positive")
		}
		s.Interval = &interval
	default:
		at, err := time.Parse(time.RFC3339, atText)
		if err != nil {
			return fmt.Errorf("parsing --at: %w", err)
		}
		s.NextRunAt = &at
	}

	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	created, err := b.schedules.Create(context.Background(), s)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s created schedule %d (%s)\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), created.ID, created.Func)
	return nil
}

func setActiveCmd(active bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}
		b, err := taskBackend(cmd)
		if err != nil {
			return err
		}
		defer b.close()

		if err := b.schedules.SetActive(context.Background(), id, active); err != nil {
			return err
		}
		verb := "paused"
		if active {
			verb = "resumed"
		}
		fmt.Fprintf(os.Stderr, "%s %s schedule %d\n", ui.StyleSuccess.Render(ui.SymbolCheck), verb, id)
		return nil
	}
}

func runScheduleDelete(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid schedule id %q", args[0])
	}
	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	if err := b.schedules.Delete(context.Background(), id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s deleted schedule %d\n", ui.StyleSuccess.Render(ui.SymbolCheck), id)
	return nil
}
