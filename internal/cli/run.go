package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"allot/internal/cluster"
	"allot/internal/monitor"
	"allot/internal/roster"
)

// launchGrace 派发请求在连接建立后的等待余量
const launchGrace = 30 * time.Second

type runOptions struct {
	job       string
	outputDir string
	hostFile  string
	nodes     []string
	hints     cluster.Hints
	commands  []string
	output    string
	detach    bool
}

func newRunCmd(a *app) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire nodes, dispatch tasks and monitor them",
		Long: `Probe the candidate nodes, keep the first healthy ones, launch one detached
command per task slot and poll the output files until every task has finished or stalled.

Commands and the output path are Go templates over the slot assignment:
  .JobName .NodeName .NodeAddress .OutputDir .CPUsOnNode .LocalID .NodeID .ProcID`,
		Example: `  allot run --job example_job --hostfile hostfile.txt --nnodes 5 --ntasks-per-node 2 \
    --cmd 'cd allot/example' --cmd 'python3 test.py {{.NodeName}} {{.ProcID}}'

  allot run --job sweep --node a=10.0.0.1 --node b=10.0.0.2 --ntasks 8 --detach --cmd './sweep {{.ProcID}}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.job, "job", "", "job name (required)")
	f.StringVar(&o.outputDir, "output-dir", "out", "directory for task output files, shared with the nodes")
	f.StringVar(&o.hostFile, "hostfile", "", "roster file with one 'name: address' per line")
	f.StringArrayVar(&o.nodes, "node", nil, "candidate node as name=address (repeatable)")
	f.IntVar(&o.hints.NTasks, "ntasks", 0, "number of tasks")
	f.IntVar(&o.hints.NNodes, "nnodes", 0, "number of nodes")
	f.IntVar(&o.hints.NTasksPerNode, "ntasks-per-node", 0, "tasks per node")
	f.StringArrayVar(&o.commands, "cmd", nil, "command template, joined with '; ' (repeatable)")
	f.StringVar(&o.output, "output", cluster.DefaultOutputTemplate, "output file template, relative to --output-dir")
	f.BoolVar(&o.detach, "detach", false, "dispatch, save the snapshot and exit without monitoring")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

func (a *app) run(cmd *cobra.Command, o *runOptions) error {
	ctx := cmd.Context()

	entries := make([]roster.Entry, 0, len(o.nodes))
	for _, s := range o.nodes {
		e, err := roster.ParsePair(s)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 && o.hostFile == "" {
		return errors.New("either --node or --hostfile is required")
	}

	factory, err := cluster.NewTemplateFactory(o.commands, o.output)
	if err != nil {
		return err
	}
	tr, err := a.transport()
	if err != nil {
		return fmt.Errorf("init transport: %w", err)
	}
	st, err := a.store()
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	c, err := cluster.New(ctx, cluster.Options{
		JobName:         o.job,
		OutputDir:       o.outputDir,
		Hints:           o.hints,
		Density:         a.cfg.Planner.Density,
		Roster:          entries,
		HostFile:        o.hostFile,
		Transport:       tr,
		StallTimeout:    a.cfg.Monitor.StallTimeout,
		AcquireInterval: a.cfg.Monitor.AcquireInterval,
		Logger:          a.log,
	}, factory)
	if err != nil {
		return err
	}
	a.log.Info("tasks dispatched", zap.String("job", c.JobName), zap.Int("nnodes", c.NNodes),
		zap.Int("ntasks_per_node", c.NTasksPerNode))

	if o.detach {
		// Ctrl+C 不打断收尾：等派发被接受，再落盘
		bg := context.WithoutCancel(ctx)
		a.waitLaunched(bg, c)
		return st.Save(bg, cluster.Snapshot(c))
	}
	err = monitor.New(c, st, cmd.OutOrStdout(), a.cfg.Monitor.Interval, a.log).Run(ctx)
	a.waitLaunched(context.WithoutCancel(ctx), c)
	return a.stopped(err)
}

// waitLaunched 进程退出前等远端接受所有派发请求，最多等 launchGrace
func (a *app) waitLaunched(ctx context.Context, c *cluster.Cluster) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Transport.ConnectTimeout+launchGrace)
	defer cancel()
	if err := c.WaitLaunched(ctx); err != nil {
		a.log.Warn("launches still pending, their tasks may never start", zap.Error(err))
	}
}

// stopped Ctrl+C 只结束本地监控，远程任务继续运行，按正常退出处理
func (a *app) stopped(err error) error {
	if errors.Is(err, context.Canceled) {
		a.log.Info("monitoring stopped, remote tasks keep running")
		return nil
	}
	return err
}
