// Command sleeplessctl is the operator CLI for the daemon's task
// queue: enqueue work, inspect or cancel tasks, and check budget/queue
// status without needing a database client.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zeeeepa/sleepless-agent/internal/budget"
	"github.com/Zeeeepa/sleepless-agent/internal/config"
	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
)

// cli holds the shared, lazily-opened dependencies every subcommand
// needs: the config path and the task store it resolves to.
type cli struct {
	configPath string
	store      taskstore.Store
}

func (c *cli) open() (taskstore.Store, error) {
	if c.store != nil {
		return c.store, nil
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := taskstore.Open(cfg.Agent.DBPath, nil)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	c.store = store
	return store, nil
}

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the sleeplessctl command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "sleeplessctl",
		Short: "Operator CLI for the sleepless-agent task queue",
		Long: `sleeplessctl inspects and manages the task queue a sleeplessd
daemon is working through: enqueue new tasks, cancel
pending ones, and check queue depth and budget status.`,
		SilentUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "Path to the YAML configuration file")

	rootCmd.AddCommand(newEnqueueCommand(c))
	rootCmd.AddCommand(newCancelCommand(c))
	rootCmd.AddCommand(newListCommand(c))
	rootCmd.AddCommand(newStatsCommand(c))
	rootCmd.AddCommand(newProjectsCommand(c))

	return rootCmd
}

func newEnqueueCommand(c *cli) *cobra.Command {
	var priority, projectID, projectName string

	cmd := &cobra.Command{
		Use:   "enqueue <description>",
		Short: "Add a new task to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open()
			if err != nil {
				return err
			}
			p := taskstore.Priority(strings.ToLower(priority))
			switch p {
			case taskstore.PrioritySerious, taskstore.PriorityRandom, taskstore.PriorityGenerated:
			default:
				return fmt.Errorf("invalid --priority %q: must be serious, random, or generated", priority)
			}
			id, err := store.AddTask(cmd.Context(), &taskstore.Task{
				Description: strings.Join(args, " "),
				Priority:    p,
				TaskType:    taskstore.TaskTypeNew,
				ProjectID:   projectID,
				ProjectName: projectName,
			})
			if err != nil {
				return fmt.Errorf("enqueue task: %w", err)
			}
			fmt.Printf("enqueued task #%d\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "serious", "Task priority: serious, random, or generated")
	cmd.Flags().StringVar(&projectID, "project-id", "", "Scope the task to an existing project")
	cmd.Flags().StringVar(&projectName, "project-name", "", "Display name for a new project-scoped task")
	return cmd
}

func newCancelCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open()
			if err != nil {
				return err
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			task, err := store.CancelTask(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("cancel task #%d: %w", id, err)
			}
			if task == nil {
				return fmt.Errorf("cancel task #%d: not found or not pending", id)
			}
			fmt.Printf("cancelled task #%d\n", task.ID)
			return nil
		},
	}
}

func newListCommand(c *cli) *cobra.Command {
	var limit int
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open()
			if err != nil {
				return err
			}
			var tasks []*taskstore.Task
			if failedOnly {
				tasks, err = store.GetFailedTasks(cmd.Context(), limit)
			} else {
				tasks, err = store.GetRecentTasks(cmd.Context(), limit)
			}
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			printTasks(tasks)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks to show")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "Show only failed tasks")
	return cmd
}

func newStatsCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth and budget status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			qs, err := store.GetQueueStatus(ctx)
			if err != nil {
				return fmt.Errorf("queue status: %w", err)
			}
			fmt.Printf("queue: pending=%d in_progress=%d completed=%d failed=%d cancelled=%d\n",
				qs.Pending, qs.InProgress, qs.Completed, qs.Failed, qs.Cancelled)

			cfg, err := config.Load(c.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			mgr := budget.NewManager(store, nil, cfg.Agent.DailyBudgetUSD, cfg.Agent.NightQuotaPercent)
			status, err := mgr.GetStatus(ctx)
			if err != nil {
				return fmt.Errorf("budget status: %w", err)
			}
			fmt.Printf("budget: %s period, quota=$%.2f used=$%.2f remaining=$%.2f (today=$%.2f)\n",
				status.TimePeriod, status.CurrentQuotaUSD, status.CurrentUsageUSD, status.RemainingBudgetUSD, status.TodayUsageUSD)
			return nil
		},
	}
}

func newProjectsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List known projects and their task counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open()
			if err != nil {
				return err
			}
			projects, err := store.GetProjects(cmd.Context())
			if err != nil {
				return fmt.Errorf("list projects: %w", err)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTASKS\tPENDING")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", p.ID, p.Name, p.TaskCount, p.PendingCount)
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and cancel its pending tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := c.open()
			if err != nil {
				return err
			}
			deleted, err := store.DeleteProject(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("delete project %s: %w", args[0], err)
			}
			fmt.Printf("deleted project %s (%d pending tasks cancelled)\n", args[0], deleted)
			return nil
		},
	})
	return cmd
}

func printTasks(tasks []*taskstore.Task) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tCREATED\tDESCRIPTION")
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > 60 {
			desc = desc[:60] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.CreatedAt.Format(time.RFC3339), desc)
	}
	_ = w.Flush()
}

func parseID(s string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(s, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}
