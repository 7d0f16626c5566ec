package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"github.com/leadflow/internal/app"
	"github.com/leadflow/internal/config"
	"github.com/leadflow/internal/models"
	"github.com/leadflow/internal/scheduler"
	"github.com/leadflow/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	core    *app.App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "leadflow",
		Short: "Lead pipeline admin CLI",
		Long: `Manage schedules, inspect cron expressions and run the rule engine
against stored leads.`,
		PersistentPreRunE:  initializeApp,
		PersistentPostRunE: closeApp,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(leadsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	// cron helpers are pure and need no database
	if cmd.HasParent() && cmd.Parent().Name() == "cron" {
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	core, err = app.New(context.Background(), cfg, log)
	return err
}

func closeApp(cmd *cobra.Command, args []string) error {
	if core == nil {
		return nil
	}
	return core.Close()
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return uint(id), nil
}

func parseDate(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want RFC3339): %w", v, err)
	}
	t = t.UTC()
	return &t, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// ============ SCHEDULE COMMANDS ============

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Create, inspect and run schedules",
	}

	cmd.AddCommand(scheduleCreateCmd())
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleShowCmd())
	cmd.AddCommand(scheduleRunCmd())
	cmd.AddCommand(scheduleExecutionsCmd())
	return cmd
}

func scheduleCreateCmd() *cobra.Command {
	var (
		s              models.Schedule
		taskType       string
		recurrence     string
		interval       int
		start, end     string
		taskConfigJSON string
		channels       []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			s.TaskType = models.TaskType(taskType)
			s.RecurrenceType = models.RecurrenceType(recurrence)
			if interval > 0 {
				s.IntervalMinutes = &interval
			}
			var err error
			if s.StartDate, err = parseDate(start); err != nil {
				return err
			}
			if s.EndDate, err = parseDate(end); err != nil {
				return err
			}
			if taskConfigJSON != "" {
				if err := json.Unmarshal([]byte(taskConfigJSON), &s.TaskConfig); err != nil {
					return fmt.Errorf("invalid --task-config: %w", err)
				}
			}
			if len(channels) > 0 {
				s.NotificationChannels = models.StringSlice(channels)
			}

			if err := core.Scheduler.CreateSchedule(ctx, &s); err != nil {
				return err
			}

			fmt.Printf("\n✓ Schedule created\n")
			printSchedule(&s)
			return nil
		},
	}

	cmd.Flags().StringVar(&s.Name, "name", "", "Schedule name")
	cmd.Flags().StringVar(&s.Description, "description", "", "Description")
	cmd.Flags().StringVar(&taskType, "task", "", "Task type (scraping, rule_execution, auto_response, notification, export, cleanup)")
	cmd.Flags().StringVar(&recurrence, "recurrence", "daily", "Recurrence (once, minutely, hourly, daily, weekly, monthly, custom_cron)")
	cmd.Flags().StringVar(&s.CronExpression, "cron", "", "5-field cron expression for custom_cron")
	cmd.Flags().IntVar(&interval, "interval", 0, "Run every N minutes instead of the recurrence default")
	cmd.Flags().StringVar(&start, "start", "", "Start date (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "End date (RFC3339)")
	cmd.Flags().StringVar(&taskConfigJSON, "task-config", "", `Task config as JSON, e.g. '{"batch_size": 50}'`)
	cmd.Flags().IntVar(&s.TimeoutMinutes, "timeout", 0, "Timeout in minutes (default from config)")
	cmd.Flags().IntVar(&s.MaxRetries, "max-retries", 0, "Retries after a failed run")
	cmd.Flags().IntVar(&s.RetryDelayMinutes, "retry-delay", 0, "Minutes between retries")
	cmd.Flags().BoolVar(&s.PeakHoursOnly, "peak-only", false, "Only run inside the peak window")
	cmd.Flags().IntVar(&s.PeakStartHour, "peak-start", 9, "Peak window start hour")
	cmd.Flags().IntVar(&s.PeakEndHour, "peak-end", 17, "Peak window end hour")
	cmd.Flags().StringVar(&s.PeakTimezone, "peak-tz", "UTC", "Peak window timezone")
	cmd.Flags().BoolVar(&s.NotifyOnSuccess, "notify-success", false, "Notify after successful runs")
	cmd.Flags().BoolVar(&s.NotifyOnFailure, "notify-failure", true, "Notify after failed runs")
	cmd.Flags().StringSliceVar(&channels, "channels", nil, "Notification channels (default in_app)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("task")

	return cmd
}

func scheduleListCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			schedules, err := core.Repo.ListSchedules(context.Background(), activeOnly)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Schedules (%d) ===\n\n", len(schedules))
			for _, s := range schedules {
				state := "active"
				if !s.IsActive {
					state = "inactive"
				}
				fmt.Printf("[%d] %s | %s | %s\n", s.ID, s.Name, s.TaskType, state)
				fmt.Printf("    Next: %s | Runs: %d (%d ok, %d failed)\n",
					formatTime(s.NextRunAt), s.TotalRuns, s.SuccessfulRuns, s.FailedRuns)
				fmt.Println()
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only show active schedules")
	return cmd
}

func scheduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			s, err := core.Repo.GetScheduleByID(context.Background(), id)
			if err != nil {
				return err
			}
			printSchedule(s)
			return nil
		},
	}
}

func printSchedule(s *models.Schedule) {
	fmt.Printf("\n=== Schedule %d: %s ===\n", s.ID, s.Name)
	fmt.Printf("Task:        %s\n", s.TaskType)
	fmt.Printf("Recurrence:  %s", s.RecurrenceType)
	if s.CronExpression != "" {
		fmt.Printf(" (%s)", s.CronExpression)
	}
	if s.IntervalMinutes != nil {
		fmt.Printf(" every %dm", *s.IntervalMinutes)
	}
	fmt.Println()
	fmt.Printf("Active:      %t\n", s.IsActive)
	fmt.Printf("Next run:    %s\n", formatTime(s.NextRunAt))
	fmt.Printf("Last run:    %s\n", formatTime(s.LastRunAt))
	fmt.Printf("Timeout:     %dm | Retries: %d/%d every %dm\n", s.TimeoutMinutes, s.RetryCount, s.MaxRetries, s.RetryDelayMinutes)
	if s.PeakHoursOnly {
		fmt.Printf("Peak window: %02d:00-%02d:00 %s\n", s.PeakStartHour, s.PeakEndHour, s.PeakTimezone)
	}
	fmt.Printf("Runs:        %d total, %d ok, %d failed, avg %.1fs\n",
		s.TotalRuns, s.SuccessfulRuns, s.FailedRuns, s.AverageDurationSeconds)
	if len(s.TaskConfig) > 0 {
		b, _ := json.Marshal(s.TaskConfig)
		fmt.Printf("Config:      %s\n", b)
	}
}

func scheduleRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Run a schedule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			exec, err := core.Scheduler.TriggerNow(context.Background(), id)
			if err != nil {
				return err
			}

			printExecution(exec)
			if exec.Status == models.ExecutionFailed {
				return fmt.Errorf("execution failed: %s", exec.ErrorMessage)
			}
			return nil
		},
	}
}

func scheduleExecutionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "executions <id>",
		Short: "List recent executions of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			execs, err := core.Repo.ListScheduleExecutions(context.Background(), id, limit)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Executions (%d) ===\n", len(execs))
			for _, e := range execs {
				printExecution(e)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum executions to show")
	return cmd
}

func printExecution(e *models.ScheduleExecution) {
	fmt.Printf("\n[%d] %s | attempt %d | %s\n", e.ID, e.Status, e.Attempt, e.TriggeredBy)
	fmt.Printf("    Started: %s | Duration: %.1fs\n", e.StartedAt.UTC().Format(time.RFC3339), e.DurationSeconds)
	fmt.Printf("    Records: %d processed, %d created, %d updated, %d failed\n",
		e.RecordsProcessed, e.RecordsCreated, e.RecordsUpdated, e.RecordsFailed)
	if e.ErrorMessage != "" {
		fmt.Printf("    Error: %s\n", e.ErrorMessage)
	}
}

// ============ CRON COMMANDS ============

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Cron expression helpers",
	}

	cmd.AddCommand(cronValidateCmd())
	cmd.AddCommand(cronNextCmd())
	return cmd
}

func cronValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <expression>",
		Short: "Check a 5-field cron expression",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := strings.Join(args, " ")
			if !scheduler.IsValidCron(expr) {
				return fmt.Errorf("invalid cron expression %q", expr)
			}
			fmt.Printf("✓ %q is valid\n", expr)
			return nil
		},
	}
}

func cronNextCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next <expression>",
		Short: "Show the next run times (UTC) of a cron expression",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := strings.Join(args, " ")
			runs, err := scheduler.NextRuns(expr, time.Now().UTC(), count)
			if err != nil {
				return err
			}
			for _, t := range runs {
				fmt.Println(t.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 5, "Number of run times to show")
	return cmd
}

// ============ RULES COMMANDS ============

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Rule engine commands",
	}

	cmd.AddCommand(rulesCreateCmd())
	cmd.AddCommand(rulesCreateSetCmd())
	cmd.AddCommand(rulesProcessCmd())
	cmd.AddCommand(rulesAnalyticsCmd())
	return cmd
}

func rulesCreateCmd() *cobra.Command {
	var (
		r                models.Rule
		operator, action string
		values           []string
		minValue         float64
		maxValue         float64
		actionConfigJSON string
		inactive         bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule (validated before it is saved)",
		RunE: func(cmd *cobra.Command, args []string) error {
			r.Operator = models.RuleOperator(operator)
			r.Action = models.RuleAction(action)
			r.IsActive = !inactive
			if len(values) > 0 {
				r.ValueList = models.StringSlice(values)
			}
			if cmd.Flags().Changed("min") {
				r.MinValue = &minValue
			}
			if cmd.Flags().Changed("max") {
				r.MaxValue = &maxValue
			}
			if actionConfigJSON != "" {
				if err := json.Unmarshal([]byte(actionConfigJSON), &r.ActionConfig); err != nil {
					return fmt.Errorf("invalid --action-config: %w", err)
				}
			}

			if err := core.Engine.CreateRule(context.Background(), &r); err != nil {
				return err
			}
			fmt.Printf("\n✓ Rule %d created: %s %s → %s\n", r.ID, r.FieldName, r.Operator, r.Action)
			return nil
		},
	}

	cmd.Flags().StringVar(&r.Name, "name", "", "Rule name")
	cmd.Flags().StringVar(&r.Description, "description", "", "Description")
	cmd.Flags().StringVar(&r.FieldName, "field", "", "Lead field, e.g. title, price, category.name, age_hours")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator (equals, contains, regex_match, gt, between, in_list, expression, ...)")
	cmd.Flags().StringVar(&r.Value, "value", "", "Comparison value")
	cmd.Flags().StringSliceVar(&values, "values", nil, "Values for in_list / not_in_list")
	cmd.Flags().Float64Var(&minValue, "min", 0, "Lower bound for between")
	cmd.Flags().Float64Var(&maxValue, "max", 0, "Upper bound for between")
	cmd.Flags().StringVar(&r.RegexPattern, "regex", "", "Pattern for regex_match")
	cmd.Flags().StringVar(&r.Expression, "expression", "", "CEL expression for the expression operator")
	cmd.Flags().StringVar(&action, "action", "", "Action (accept, reject, priority_high, priority_low, auto_respond, notify, tag, assign)")
	cmd.Flags().StringVar(&actionConfigJSON, "action-config", "", `Action config as JSON, e.g. '{"tag": "plumbing"}'`)
	cmd.Flags().IntVar(&r.Priority, "priority", 0, "Lower runs first")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the rule disabled")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("operator")
	cmd.MarkFlagRequired("action")

	return cmd
}

func rulesCreateSetCmd() *cobra.Command {
	var (
		set      models.RuleSet
		logic    string
		ruleIDs  []uint
		inactive bool
	)

	cmd := &cobra.Command{
		Use:   "create-set",
		Short: "Create a rule set from existing rules, in the order given",
		RunE: func(cmd *cobra.Command, args []string) error {
			set.LogicOperator = models.LogicOperator(strings.ToUpper(logic))
			set.IsActive = !inactive

			if err := core.Engine.CreateRuleSet(context.Background(), &set, ruleIDs...); err != nil {
				return err
			}
			fmt.Printf("\n✓ Rule set %d created: %s over rules %v\n", set.ID, set.LogicOperator, ruleIDs)
			return nil
		},
	}

	cmd.Flags().StringVar(&set.Name, "name", "", "Rule set name")
	cmd.Flags().StringVar(&set.Description, "description", "", "Description")
	cmd.Flags().StringVar(&logic, "logic", "AND", "AND, OR or NOT (NOT negates the first rule)")
	cmd.Flags().UintSliceVar(&ruleIDs, "rules", nil, "Member rule ids, in evaluation order")
	cmd.Flags().IntVar(&set.Priority, "priority", 0, "Lower runs first")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Create the set disabled")
	cmd.MarkFlagRequired("name")

	return cmd
}

func rulesProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <lead-id>",
		Short: "Run the rule engine against one lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			lead, err := core.Repo.GetLeadByID(ctx, id)
			if err != nil {
				return err
			}

			result := core.Engine.ProcessLead(ctx, lead)

			fmt.Printf("\n=== Lead %d: %s ===\n", lead.ID, lead.Title)
			if result.Excluded {
				fmt.Printf("Excluded:     %s\n", result.ExclusionReason)
			}
			fmt.Printf("Rules:        %v\n", result.MatchedRuleIDs)
			fmt.Printf("Rule sets:    %v\n", result.MatchedRuleSetIDs)
			fmt.Printf("Actions:      %s\n", strings.Join(result.ActionsApplied, ", "))
			fmt.Printf("Time:         %.2fms\n", result.ProcessingTimeMs())
			for _, e := range result.ActionErrors {
				fmt.Printf("  ! %s\n", e)
			}
			if result.Error != "" {
				return fmt.Errorf("rule engine: %s", result.Error)
			}
			return nil
		},
	}
}

func rulesAnalyticsCmd() *cobra.Command {
	var since time.Duration

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Show evaluation and match counts per rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			var from *time.Time
			if since > 0 {
				t := time.Now().UTC().Add(-since)
				from = &t
			}

			stats, err := core.Repo.RuleStats(context.Background(), from)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Rule Analytics (%d) ===\n\n", len(stats))
			for _, s := range stats {
				label := "-"
				if s.RuleID != nil {
					label = fmt.Sprintf("rule %d", *s.RuleID)
				} else if s.RuleSetID != nil {
					label = fmt.Sprintf("set %d", *s.RuleSetID)
				}
				fmt.Printf("%-10s evaluations=%d matches=%d (%.1f%%) errors=%d avg=%.2fms\n",
					label, s.Evaluations, s.Matches, s.MatchRate(), s.Errors, s.AvgExecutionMs)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 0, "Only count evaluations in this window, e.g. 24h")
	return cmd
}

// ============ LEADS COMMANDS ============

func leadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leads",
		Short: "Lead commands",
	}

	cmd.AddCommand(leadsProcessBatchCmd())
	return cmd
}

func leadsProcessBatchCmd() *cobra.Command {
	var batchSize int

	cmd := &cobra.Command{
		Use:   "process-batch",
		Short: "Run the rule engine over unprocessed leads",
		RunE: func(cmd *cobra.Command, args []string) error {
			handler := scheduler.NewRuleBatchHandler(core.Repo, core.Engine, cfg.Rules.BatchSize, log)
			result, err := handler.Handle(context.Background(), &models.Schedule{
				Name:       "manual batch",
				TaskType:   models.TaskRuleExecution,
				TaskConfig: models.JSON{"batch_size": batchSize},
			})
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Batch Results ===\n")
			fmt.Printf("Processed: %d\n", result.RecordsProcessed)
			fmt.Printf("Matched:   %v\n", result.Data["matched"])
			fmt.Printf("Excluded:  %v\n", result.Data["excluded"])
			fmt.Printf("Failed:    %d\n", result.RecordsFailed)
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Leads to process")
	return cmd
}
