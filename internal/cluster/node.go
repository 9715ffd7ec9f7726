package cluster

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"allot/internal/transport"
	"allot/pkg/model"
)

// Node 一台远程机器：一个健康状态机加上它名下的任务
type Node struct {
	Name    string
	Address string
	NProc   int
	Status  model.NodeStatus
	Tasks   []*Task

	probe        transport.Handle // 仅在 CHECKING 时存在
	launches     []launch         // 远端还没确认接受的派发请求
	transport    transport.Transport
	log          *zap.Logger
	stallTimeout time.Duration
	now          func() time.Time
}

// launch 一次派发请求，远端 shell 返回后才算被接受
type launch struct {
	procID int
	handle transport.Handle
}

// NewNode 创建节点并立即发出 nproc 探测
func NewNode(ctx context.Context, tr transport.Transport, name, address string, log *zap.Logger) *Node {
	n := newNode(tr, name, address, log)
	n.startProbe(ctx)
	return n
}

func newNode(tr transport.Transport, name, address string, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		Name:         name,
		Address:      address,
		Tasks:        make([]*Task, 0),
		transport:    tr,
		log:          log.With(zap.String("node", name), zap.String("address", address)),
		stallTimeout: DefaultStallTimeout,
		now:          time.Now,
	}
}

func (n *Node) startProbe(ctx context.Context) {
	n.Status = model.NodeChecking
	n.log.Debug("sending command", zap.String("command", transport.ProbeCommand))
	var (
		h   transport.Handle
		err = errors.New("no transport configured")
	)
	if n.transport != nil {
		h, err = n.transport.Exec(ctx, n.Address, transport.ProbeCommand)
	}
	if err != nil {
		// 请求发不出去也按探测失败处理
		h = transport.Completed(transport.Result{ExitCode: -1, Err: err})
	}
	n.probe = h
}

// Reprobe 重新探测健康状态，只在操作者显式要求时调用
func (n *Node) Reprobe(ctx context.Context) {
	n.NProc = 0
	n.startProbe(ctx)
}

// Probing 探测句柄是否存在
func (n *Node) Probing() bool {
	return n.probe != nil
}

// Poll 推进健康状态机；UP 节点顺带轮询自己的所有任务
func (n *Node) Poll() model.NodeStatus {
	switch n.Status {
	case model.NodeChecking:
		if n.probe == nil {
			return n.Status
		}
		r, done := n.probe.Poll()
		if !done {
			return n.Status
		}
		n.probe = nil
		if !r.OK() {
			n.log.Debug("probe failed", zap.Int("exit_code", r.ExitCode), zap.Error(r.Err),
				zap.String("stderr", strings.TrimSpace(r.Stderr)))
			n.Status = model.NodeDown
			return n.Status
		}
		nproc, err := strconv.Atoi(strings.TrimSpace(r.Stdout))
		if err != nil {
			n.log.Warn("unexpected probe output", zap.String("stdout", r.Stdout))
			n.Status = model.NodeDown
			return n.Status
		}
		n.NProc = nproc
		n.Status = model.NodeUp

	case model.NodeUp:
		n.reapLaunches()
		now := n.now()
		for _, t := range n.Tasks {
			before := t.Status
			if after := t.poll(now, n.stallTimeout); after != before {
				n.log.Info("task status changed", zap.Int("proc_id", t.Assignment.ProcID),
					zap.Stringer("from", before), zap.Stringer("to", after))
			}
		}
	}
	return n.Status
}

// Assign 派发任务：删掉旧输出，后台启动命令，不等待完成
func (n *Node) Assign(ctx context.Context, t *Task) {
	if err := os.Remove(t.OutputFile); err != nil && !os.IsNotExist(err) {
		n.log.Debug("remove stale output", zap.String("path", t.OutputFile), zap.Error(err))
	}

	line := transport.CommandLine(t.Command, t.OutputFile)
	n.log.Info("sending command", zap.String("command", line))
	// 派发请求与调用方 ctx 解绑，停止监控不会杀掉还在连接中的 ssh
	if n.transport == nil {
		n.log.Error("launch failed", zap.Int("proc_id", t.Assignment.ProcID), zap.String("error", "no transport configured"))
	} else if h, err := n.transport.Exec(context.WithoutCancel(ctx), n.Address, line); err != nil {
		n.log.Error("launch failed", zap.Int("proc_id", t.Assignment.ProcID), zap.Error(err))
	} else {
		n.launches = append(n.launches, launch{procID: t.Assignment.ProcID, handle: h})
	}

	t.Status = model.TaskRunningEarly
	n.Tasks = append(n.Tasks, t)
}

// PendingLaunches 远端还没返回的派发请求数
func (n *Node) PendingLaunches() int {
	return len(n.launches)
}

// reapLaunches 非阻塞地回收已经返回的派发请求
func (n *Node) reapLaunches() {
	pending := n.launches[:0]
	for _, l := range n.launches {
		if r, done := l.handle.Poll(); done {
			n.launched(l, r)
			continue
		}
		pending = append(pending, l)
	}
	n.launches = pending
}

// waitLaunches 阻塞到所有派发请求返回；ctx 结束时未返回的请求保留
func (n *Node) waitLaunches(ctx context.Context) error {
	for len(n.launches) > 0 {
		l := n.launches[0]
		r, err := transport.Wait(ctx, l.handle)
		if err != nil {
			return err
		}
		n.launched(l, r)
		n.launches = n.launches[1:]
	}
	return nil
}

func (n *Node) launched(l launch, r transport.Result) {
	if r.OK() {
		n.log.Debug("launch accepted", zap.Int("proc_id", l.procID))
		return
	}
	n.log.Error("launch failed", zap.Int("proc_id", l.procID), zap.Int("exit_code", r.ExitCode),
		zap.Error(r.Err), zap.String("stderr", strings.TrimSpace(r.Stderr)))
}
