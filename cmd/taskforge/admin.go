package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/Strob0t/TaskForge/internal/adapter/postgres"
	"github.com/Strob0t/TaskForge/internal/app"
	"github.com/Strob0t/TaskForge/internal/config"
	"github.com/Strob0t/TaskForge/internal/domain/task"
	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

// runMigrate dispatches migrate subcommands (up, down, version).
func runMigrate(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printMigrateHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Migrations applied.")
		return nil
	case "down":
		fs := flag.NewFlagSet("down", flag.ContinueOnError)
		steps := fs.Int("steps", 1, "number of migrations to roll back")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *steps < 1 {
			return fmt.Errorf("--steps must be >= 1")
		}
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s).\n", *steps)
		return nil
	case "version":
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		printMigrateHelp()
		return fmt.Errorf("unknown migrate command: %s", args[0])
	}
}

func printMigrateHelp() {
	fmt.Fprintf(os.Stderr, `Usage: taskforge migrate <command> [options]

Commands:
  up                 Apply all pending migrations
  down [--steps N]   Roll back the last N migrations (default 1)
  version            Print the current schema version
`)
}

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "increase-budget":
		return runAdminIncreaseBudget(args[1:])
	case "requeue":
		return runAdminRequeue(args[1:])
	case "quarantine":
		return runAdminQuarantine(args[1:])
	case "list-quarantined":
		return runAdminListQuarantined(args[1:])
	case "sweep":
		return runAdminSweep(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: taskforge admin <command> [options]

Commands:
  increase-budget    Raise a service's monthly budget and reactivate it
  requeue            Move a quarantined task back to TODO
  quarantine         Force a task into quarantine
  list-quarantined   List tasks awaiting human review
  sweep              Remove sandboxes whose task is no longer running
  help               Show this help message

Examples:
  taskforge admin increase-budget --service svc-a --amount 50
  taskforge admin requeue --task 3f6c...
  taskforge admin quarantine --task 3f6c... --reason "suspicious output"
  taskforge admin list-quarantined --limit 20
  taskforge admin sweep
`)
}

func loadAdminDeps(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	// Operator actions do not page anyone.
	return app.New(ctx, cfg, app.Options{Notifiers: []notifier.Notifier{}})
}

func runAdminIncreaseBudget(args []string) error {
	fs := flag.NewFlagSet("increase-budget", flag.ContinueOnError)
	serviceID := fs.String("service", "", "service ID (required)")
	amount := fs.Float64("amount", 0, "amount in USD to add to the monthly budget (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serviceID == "" {
		return fmt.Errorf("--service is required")
	}

	ctx := context.Background()
	a, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.Budget.IncreaseBudget(ctx, *serviceID, *amount)
	if err != nil {
		return fmt.Errorf("increase budget: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Service %s: budget %.2f USD, usage %.2f USD, status %s\n",
		svc.ID, svc.MonthlyBudgetUSD, svc.CurrentUsageUSD, svc.Status)
	return nil
}

func runAdminRequeue(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	taskID := fs.String("task", "", "task ID (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" {
		return fmt.Errorf("--task is required")
	}

	ctx := context.Background()
	a, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.Tasks.Requeue(ctx, *taskID)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Task %s requeued (status=%s)\n", t.ID, t.Status)
	return nil
}

func runAdminQuarantine(args []string) error {
	fs := flag.NewFlagSet("quarantine", flag.ContinueOnError)
	taskID := fs.String("task", "", "task ID (required)")
	reason := fs.String("reason", "quarantined by operator", "reason recorded as the task's last error")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *taskID == "" {
		return fmt.Errorf("--task is required")
	}

	ctx := context.Background()
	a, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t, err := a.Tasks.Quarantine(ctx, *taskID, *reason)
	if err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Task %s quarantined\n", t.ID)
	return nil
}

func runAdminListQuarantined(args []string) error {
	fs := flag.NewFlagSet("list-quarantined", flag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum number of tasks to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := a.Tasks.ListTasks(ctx, task.ListFilter{Status: task.StatusQuarantined, Limit: *limit})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(tasks) == 0 {
		fmt.Println("No quarantined tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTITLE\tRETRIES\tLAST_AGENT\tLAST_ERROR")
	for i := range tasks {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
			tasks[i].ID, tasks[i].Title, tasks[i].RetryCount, tasks[i].MaxRetries, tasks[i].LastAgentID, tasks[i].LastError)
	}
	return w.Flush()
}

func runAdminSweep(args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := loadAdminDeps(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Tasks.SweepSandboxes(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Removed %d orphaned sandbox(es)\n", n)
	return nil
}
