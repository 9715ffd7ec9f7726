// Package monitor 周期性地驱动集群轮询、输出进度报告并保存快照。
package monitor

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"allot/internal/cluster"
	"allot/pkg/store"
)

// Monitor 控制进程的主循环；同一时刻只能有一个 Monitor 驱动同一个集群
type Monitor struct {
	cluster  *cluster.Cluster
	store    store.Store // 可为 nil，表示不落盘
	out      io.Writer   // 可为 nil，表示不输出报告
	interval time.Duration
	log      *zap.Logger
}

func New(c *cluster.Cluster, s store.Store, out io.Writer, interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{cluster: c, store: s, out: out, interval: interval, log: log}
}

// Run 每个周期轮询一次，直到所有任务进入终态或 ctx 结束
// 返回 nil 表示全部任务已结束
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("monitor started", zap.String("job", m.cluster.JobName), zap.Duration("interval", m.interval))
	for {
		if m.Step(ctx) {
			s := m.cluster.Summary()
			m.log.Info("all tasks settled", zap.Int("finished", s.Finished()), zap.Int("stalled", s.Stalled()))
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return ctx.Err()
		}
	}
}

// Step 单个周期：轮询、报告、保存；返回是否全部结束
func (m *Monitor) Step(ctx context.Context) bool {
	m.cluster.Update()
	s := m.cluster.Summary()
	m.log.Debug("progress", zap.Int("finished", s.Finished()), zap.Int("tasks", s.Tasks), zap.Int("stalled", s.Stalled()))

	if m.out != nil {
		if err := m.cluster.WriteReport(m.out); err != nil {
			m.log.Warn("write report failed", zap.Error(err))
		}
	}
	if m.store != nil {
		if err := m.store.Save(ctx, cluster.Snapshot(m.cluster)); err != nil {
			// 下一个周期会再写，这里只记录
			m.log.Warn("save snapshot failed", zap.Error(err))
		}
	}
	return m.cluster.Done()
}
