package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"allot/internal/cluster"
	"allot/internal/progress"
)

func newPlanCmd(a *app) *cobra.Command {
	var hints cluster.Hints
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show how sizing hints resolve to nodes and tasks per node",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cluster.Plan(hints, a.cfg.Planner.Density)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ntasks=%d nnodes=%d ntasks_per_node=%d slots=%d\n",
				s.NTasks, s.NNodes, s.NTasksPerNode, s.Slots())
			return nil
		},
	}
	cmd.Flags().IntVar(&hints.NTasks, "ntasks", 0, "number of tasks")
	cmd.Flags().IntVar(&hints.NNodes, "nnodes", 0, "number of nodes")
	cmd.Flags().IntVar(&hints.NTasksPerNode, "ntasks-per-node", 0, "tasks per node")
	return cmd
}

// newMarkCmd 让 shell 任务不用自己拼控制字符
func newMarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "mark CURRENT TOTAL",
		Short:   "Print a progress marker for the monitor to pick up",
		Example: `  for i in $(seq 1 120); do work $i; allot mark $i 120; done`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := strconv.Atoi(args[0])
			if err != nil || current < 0 {
				return fmt.Errorf("invalid CURRENT %q", args[0])
			}
			total, err := strconv.Atoi(args[1])
			if err != nil || total < 0 {
				return fmt.Errorf("invalid TOTAL %q", args[1])
			}
			fmt.Fprintln(cmd.OutOrStdout(), progress.Format(current, total))
			return nil
		},
	}
}
