package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvashenko/valet/internal/config"
	"github.com/kvashenko/valet/internal/schedule"
	"github.com/kvashenko/valet/internal/store"
)

var (
	jobsConfigPath string
	jobsAgentID    string
	jobsDueOnly    bool
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect scheduled jobs",
	Long:  `List scheduled jobs stored in the database.`,
}

// jobsListCmd represents the jobs list command
var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs for an agent",
	Run: func(cmd *cobra.Command, args []string) {
		if jobsAgentID == "" && !jobsDueOnly {
			fmt.Fprintln(os.Stderr, "either --agent or --due is required")
			os.Exit(1)
		}

		cfg, err := config.Load(jobsConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}

		st, err := store.Connect(cfg.Database.DSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var jobs []store.ScheduledJob
		if jobsDueOnly {
			jobs, err = st.ListDueJobs(ctx, time.Now(), cfg.Scheduler.BatchSize)
		} else {
			jobs, err = st.ListJobs(ctx, jobsAgentID)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list jobs: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tACTION\tSTATUS\tNEXT RUN")
		for i := range jobs {
			job := &jobs[i]
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				job.ID, job.Title, job.ActionType, job.Status,
				schedule.HumanNextRun(job))
		}
		w.Flush()
	},
}

func init() {
	jobsCmd.PersistentFlags().StringVarP(&jobsConfigPath, "config", "c", defaultConfigPath, "Path to configuration file")
	jobsListCmd.Flags().StringVarP(&jobsAgentID, "agent", "a", "", "Agent ID to list jobs for")
	jobsListCmd.Flags().BoolVar(&jobsDueOnly, "due", false, "List only jobs currently due")
	jobsCmd.AddCommand(jobsListCmd)
}
