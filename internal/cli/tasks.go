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
	"github.com/barnlabs/barn/internal/queue"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and manage tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskEnqueueCmd = &cobra.Command{
	Use:   "enqueue <func> [json-args]",
	Short: "Enqueue a task",
	Long: `Enqueue a task for the given registered function.

  barn task enqueue echo '{"x":1}'
  barn task enqueue echo '{"x":1}' --countdown 60`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runTaskEnqueue,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <func> [json-args-match]",
	Short: "Delete queued tasks whose args contain the given pairs",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runTaskCancel,
}

var taskStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	RunE:  runTaskStats,
}

func init() {
	taskListCmd.Flags().String("status", "", "Filter by status: QUEUED, DONE, FAILED")
	taskListCmd.Flags().String("func", "", "Filter by function name")
	taskListCmd.Flags().Int("limit", 50, "Maximum rows")
	taskListCmd.Flags().Int("offset", 0, "Rows to skip")

	taskEnqueueCmd.Flags().Int("countdown", 0, "Delay eligibility by this many seconds")
	taskEnqueueCmd.Flags().String("eta", "", "Absolute eligibility instant (RFC 3339)")

	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskEnqueueCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskStatsCmd)
}

// taskBackend opens the store for a task subcommand without migrating.
func taskBackend(cmd *cobra.Command) (*backend, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openBackend(context.Background(), cfg, newLogger(cfg), false)
}

func runTaskList(cmd *cobra.Command, args []string) error {
	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	status, _ := cmd.Flags().GetString("status")
	fn, _ := cmd.Flags().GetString("func")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	tasks, err := b.tasks.List(context.Background(), queue.Status(status), fn, limit, offset)
	if err != nil {
		return err
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return json.NewEncoder(os.Stdout).Encode(tasks)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFUNC\tSTATUS\tRUN AT\tERROR")
	for _, t := range tasks {
		errText := ""
		if t.Error != nil {
			errText = *t.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			t.ID, t.Func, statusStyled(t.Status), t.RunAt.Format(time.RFC3339), errText)
	}
	return w.Flush()
}

func statusStyled(s queue.Status) string {
	switch s {
	case queue.StatusDone:
		return ui.StyleSuccess.Render(string(s))
	case queue.StatusFailed:
		return ui.StyleError.Render(string(s))
	default:
		return string(s)
	}
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task id %q", args[0])
	}
	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	t, err := b.tasks.Get(context.Background(), id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

func runTaskEnqueue(cmd *cobra.Command, args []string) error {
	var rawArgs []byte
	if len(args) == 2 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("args must be valid JSON, got %q", args[1])
		}
		rawArgs = []byte(args[1])
	}

	countdown, _ := cmd.Flags().GetInt("countdown")
	etaText, _ := cmd.Flags().GetString("eta")
	if countdown != 0 && etaText != "" {
		return fmt.Errorf("--countdown and --eta are mutually exclusive")
	}
	var runAt time.Time
	if countdown != 0 {
		runAt = time.Now().Add(time.Duration(countdown) * time.Second)
	}
	if etaText != "" {
		parsed, err := time.Parse(time.RFC3339, etaText)
		if err != nil {
			return fmt.Errorf("parsing --eta: %w", err)
		}
		runAt = parsed
	}

	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	t, err := b.tasks.Enqueue(context.Background(), args[0], rawArgs, queue.EnqueueOpts{RunAt: runAt})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s enqueued task %d (%s)\n",
		ui.StyleSuccess.Render(ui.SymbolCheck), t.ID, t.Func)
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	match := map[string]any{}
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &match); err != nil {
			return fmt.Errorf("args match must be a JSON object: %w", err)
		}
	}

	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	removed, err := b.tasks.Cancel(context.Background(), args[0], match)
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintf(os.Stderr, "%s cancelled matching queued tasks\n", ui.StyleSuccess.Render(ui.SymbolCheck))
	} else {
		fmt.Fprintln(os.Stderr, "no matching queued tasks")
	}
	return nil
}

func runTaskStats(cmd *cobra.Command, args []string) error {
	b, err := taskBackend(cmd)
	if err != nil {
		return err
	}
	defer b.close()

	stats, err := b.tasks.Stats(context.Background())
	if err != nil {
		return err
	}
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return json.NewEncoder(os.Stdout).Encode(stats)
	}
	fmt.Printf("queued: %d\ndone:   %d\nfailed: %d\n", stats.Queued, stats.Done, stats.Failed)
	if stats.OldestAge != nil {
		fmt.Printf("oldest queued: %.0fs ago\n", *stats.OldestAge)
	}
	return nil
}
