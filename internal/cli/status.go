package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"allot/internal/cluster"
	"allot/internal/monitor"
	"allot/pkg/model"
	"allot/pkg/store"
)

// restore 从快照存储恢复集群
func (a *app) restore(cmd *cobra.Command, st store.Store, job string) (*cluster.Cluster, error) {
	doc, err := st.Load(cmd.Context(), job)
	if err != nil {
		return nil, err
	}
	tr, err := a.transport()
	if err != nil {
		return nil, fmt.Errorf("init transport: %w", err)
	}
	return cluster.Restore(doc, cluster.RestoreOptions{
		Transport:    tr,
		StallTimeout: a.cfg.Monitor.StallTimeout,
		Logger:       a.log,
	})
}

func newStatusCmd(a *app) *cobra.Command {
	var (
		job     string
		reprobe bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Poll a persisted job once and print its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := a.restore(cmd, st, job)
			if err != nil {
				return err
			}
			if reprobe {
				c.Reprobe(cmd.Context())
			}
			// 单次轮询：报告、保存
			monitor.New(c, st, cmd.OutOrStdout(), a.cfg.Monitor.Interval, a.log).Step(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job name (required)")
	cmd.Flags().BoolVar(&reprobe, "reprobe", false, "re-run the health probe on every node first")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newMonitorCmd(a *app) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Reattach to a persisted job and monitor it until every task settles",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := a.restore(cmd, st, job)
			if err != nil {
				return err
			}
			return a.stopped(monitor.New(c, st, cmd.OutOrStdout(), a.cfg.Monitor.Interval, a.log).Run(cmd.Context()))
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job name (required)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var job string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the snapshots another allot process writes to etcd",
		Long:  `Read-only observer: prints a report each time the monitoring process saves a snapshot. Requires --store etcd.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			defer st.Close()

			es, ok := st.(*store.EtcdStore)
			if !ok {
				return errors.New("watch requires the etcd store")
			}
			return a.stopped(a.follow(cmd.Context(), es, job, cmd.OutOrStdout()))
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job name (required)")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// snapshotWatcher 推送作业快照：先当前值，再后续写入
type snapshotWatcher interface {
	Watch(ctx context.Context, jobName string) (<-chan *model.ClusterDoc, error)
}

// follow 每收到一个快照输出一次报告，全部任务结束后返回
func (a *app) follow(ctx context.Context, sw snapshotWatcher, job string, w io.Writer) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	docs, err := sw.Watch(watchCtx, job)
	if err != nil {
		return err
	}
	for doc := range docs {
		// 只渲染快照，不触发任何轮询
		c, err := cluster.Restore(doc, cluster.RestoreOptions{Logger: a.log})
		if err != nil {
			return err
		}
		if err := c.WriteReport(w); err != nil {
			return err
		}
		if c.Done() {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("watch on %s closed", job)
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs that have a persisted snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.store()
			if err != nil {
				return err
			}
			defer st.Close()

			names, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
