package cli

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voxclaw/voxclaw/internal/config"
	"github.com/voxclaw/voxclaw/internal/loops"
	"github.com/voxclaw/voxclaw/internal/store"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled tasks",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		crons, err := st.ListCrons()
		if err != nil {
			return err
		}
		if len(crons) == 0 {
			fmt.Println("No scheduled tasks.")
			return nil
		}
		for _, c := range crons {
			state := color.GreenString("on ")
			if !c.Enabled {
				state = color.RedString("off")
			}
			next := "-"
			if c.NextRunAt != nil {
				next = c.NextRunAt.Format("2006-01-02 15:04")
			}
			fmt.Printf("%s  %-20s %-16s tz=%-16s runs=%-3d next=%s\n",
				state, c.Name, c.Schedule, c.Timezone, c.RunCount, next)
		}
		return nil
	},
}

var (
	cronAddSchedule string
	cronAddChat     string
	cronAddPrompt   string
	cronAddTimezone string
)

var cronAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create or replace a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		// Validate before touching the store. A bad schedule would only
		// surface as a disabled cron later.
		if _, err := loops.NextCronRun(cronAddSchedule, cronAddTimezone, time.Now()); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", cronAddSchedule, err)
		}

		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		c := &store.Cron{
			TraceID:  store.NewTraceID(),
			Name:     name,
			Schedule: cronAddSchedule,
			Timezone: cronAddTimezone,
			ChatID:   cronAddChat,
			Prompt:   cronAddPrompt,
			Enabled:  true,
		}
		if err := st.UpsertCron(c, time.Now()); err != nil {
			return err
		}
		fmt.Printf("Scheduled %q (%s) for chat %s\n", name, cronAddSchedule, cronAddChat)
		return nil
	},
}

var cronToggleCmd = &cobra.Command{
	Use:   "toggle <name>",
	Short: "Enable or disable a scheduled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		c, err := st.CronByName(args[0])
		if err != nil {
			return fmt.Errorf("cron %q: %w", args[0], err)
		}
		if err := st.ToggleCron(c.ID, !c.Enabled, time.Now()); err != nil {
			return err
		}
		if c.Enabled {
			fmt.Printf("Disabled %q\n", c.Name)
		} else {
			fmt.Printf("Enabled %q\n", c.Name)
		}
		return nil
	},
}

func openStore() (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return store.New(cfg.Store.Path)
}

func init() {
	cronAddCmd.Flags().StringVar(&cronAddSchedule, "schedule", "", "cron expression, 5 or 6 fields")
	cronAddCmd.Flags().StringVar(&cronAddChat, "chat", "", "target chat key, e.g. whatsapp:4915...@s.whatsapp.net")
	cronAddCmd.Flags().StringVar(&cronAddPrompt, "prompt", "", "prompt to run on each firing")
	cronAddCmd.Flags().StringVar(&cronAddTimezone, "tz", "UTC", "IANA timezone for the schedule")
	cronAddCmd.MarkFlagRequired("schedule")
	cronAddCmd.MarkFlagRequired("chat")
	cronAddCmd.MarkFlagRequired("prompt")

	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronAddCmd)
	cronCmd.AddCommand(cronToggleCmd)
}
