package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adpilot/automation-service/internal/database"
	"github.com/adpilot/automation-service/internal/notify"
	"github.com/adpilot/automation-service/internal/supervisor"
	"github.com/adpilot/automation-service/internal/types"
)

var (
	recoverNode string
	pruneDryRun bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applied, err := database.Migrate(cmd.Context(), database.Pool())
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Println("Schema is up to date")
			return nil
		}
		for _, name := range applied {
			fmt.Printf("applied %s\n", name)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status <tenant>",
	Short:   "Show the state of every job kind of a tenant",
	Example: `  automation-cli status tenant-42`,
	Args:    cobra.ExactArgs(1),
	RunE:    runStatus,
}

var taskCmd = &cobra.Command{
	Use:   "task <id>",
	Short: "Print a batch task with its progress and error log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := database.NewTaskStore(database.Pool()).Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("task %s: %w", args[0], err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail job claims and tasks left behind by crashed nodes",
	Long: `Reconcile persisted claims with reality. Claims whose heartbeat is older
than supervisor.stale_after are marked failed_stopped; nothing is restarted.

With --node, tasks owned by an earlier run of that node are failed too. Only
pass --node for a node that is down.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete action log entries and finished tasks past retention",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := database.NewRetention(database.Pool(), database.RetentionConfig{
			ActionRetentionDays: cfg.Retention.ActionDays,
			TaskRetentionDays:   cfg.Retention.TaskDays,
		})
		var res database.PruneResult
		var err error
		if pruneDryRun {
			res, err = r.Stats(cmd.Context())
		} else {
			res, err = r.Prune(cmd.Context())
		}
		if err != nil {
			return err
		}
		verb := "deleted"
		if pruneDryRun {
			verb = "would delete"
		}
		fmt.Printf("%s %d actions, %d tasks\n", verb, res.Actions, res.Tasks)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, statusCmd, taskCmd, recoverCmd, pruneCmd)

	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "only count what would be deleted")

	recoverCmd.Flags().StringVar(&recoverNode, "node", "", "host name of the crashed node whose tasks should be failed")
}

func newOfflineSupervisor(host string) *supervisor.Supervisor {
	pool := database.Pool()
	return supervisor.New(
		database.NewProcessStore(pool),
		database.NewTaskStore(pool),
		nil,
		notify.Nop{},
		supervisor.Config{
			Owner:             supervisor.NewOwner(host),
			HeartbeatInterval: cfg.Supervisor.HeartbeatInterval,
			StaleAfter:        cfg.Supervisor.StaleAfter,
		},
		logger,
	)
}

func runStatus(cmd *cobra.Command, args []string) error {
	sup := newOfflineSupervisor(cliHost())
	status, err := sup.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tPHASE\tRUNNING\tOWNER\tHEARTBEAT\tLAST ERROR")
	now := time.Now()
	for _, kind := range types.JobKinds {
		st := status[kind]
		heartbeat := "-"
		if st.LastHeartbeat != nil {
			heartbeat = now.Sub(*st.LastHeartbeat).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\n",
			kind, st.Phase, st.Running, dash(st.Owner), heartbeat, dash(st.LastError))
	}
	return w.Flush()
}

func runRecover(cmd *cobra.Command, args []string) error {
	host := recoverNode
	if host == "" {
		host = cliHost()
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	report, err := newOfflineSupervisor(host).RecoverOnBoot(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// cliHost never matches a server node, so its own boot ID makes no claim look
// like a previous incarnation
func cliHost() string {
	host, _ := os.Hostname()
	return "cli@" + host
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
