// Package cluster 是编排核心：节点健康追踪、规模推导、节点获取、任务派发和进度监控。
//
// 整个模型假定只有一个控制 goroutine 在驱动 Update，
// 所有节点和任务状态都由它独占，不加锁。
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"allot/internal/roster"
	"allot/internal/transport"
	"allot/pkg/model"
)

// DefaultAcquireInterval 一整轮探测都没有结果时的等待间隔
const DefaultAcquireInterval = 100 * time.Millisecond

// TaskFactory 由槽位描述生成任务（命令和输出文件）
type TaskFactory func(a model.Assignment) (*Task, error)

// Options 创建集群所需的全部参数
type Options struct {
	JobName   string
	OutputDir string
	Hints     Hints
	Density   int

	// 节点来源，按 Candidates > Roster > HostFile 的优先级取第一个非空的
	Candidates []*Node
	Roster     []roster.Entry
	HostFile   string

	Transport       transport.Transport
	StallTimeout    time.Duration
	AcquireInterval time.Duration
	Logger          *zap.Logger
	Clock           func() time.Time
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.AcquireInterval <= 0 {
		o.AcquireInterval = DefaultAcquireInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
}

// Cluster 一次作业使用的节点池
type Cluster struct {
	JobName       string
	OutputDir     string
	NTasks        int
	NNodes        int
	NTasksPerNode int
	Nodes         []*Node

	log          *zap.Logger
	stallTimeout time.Duration
	now          func() time.Time
}

// New 推导规模、获取健康节点并派发全部任务
func New(ctx context.Context, opts Options, factory TaskFactory) (*Cluster, error) {
	opts.setDefaults()
	log := opts.Logger.With(zap.String("job", opts.JobName))
	log.Info("initialising cluster", zap.String("output_dir", opts.OutputDir))

	outputDir, err := prepareOutputDir(opts.OutputDir)
	if err != nil {
		return nil, err
	}

	log.Info("setting parameters", zap.Int("ntasks", opts.Hints.NTasks),
		zap.Int("nnodes", opts.Hints.NNodes), zap.Int("ntasks_per_node", opts.Hints.NTasksPerNode))
	size, err := Plan(opts.Hints, opts.Density)
	if err != nil {
		return nil, err
	}

	c := &Cluster{
		JobName:       opts.JobName,
		OutputDir:     outputDir,
		NTasks:        size.NTasks,
		NNodes:        size.NNodes,
		NTasksPerNode: size.NTasksPerNode,
		Nodes:         make([]*Node, 0, size.NNodes),
		log:           log,
		stallTimeout:  opts.StallTimeout,
		now:           opts.Clock,
	}

	candidates, err := c.candidates(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := c.acquire(ctx, candidates, opts.AcquireInterval); err != nil {
		return nil, err
	}
	if factory != nil {
		if err := c.dispatch(ctx, factory); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func prepareOutputDir(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, dir[2:])
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return abs, nil
}

func (c *Cluster) candidates(ctx context.Context, opts Options) ([]*Node, error) {
	entries := opts.Roster
	switch {
	case len(opts.Candidates) > 0:
		return opts.Candidates, nil
	case len(entries) > 0:
	case opts.HostFile != "":
		var err error
		entries, err = roster.ReadFile(opts.HostFile, c.log)
		if err != nil {
			return nil, fmt.Errorf("read host file: %w", err)
		}
	default:
		return nil, ErrNoRoster
	}
	if opts.Transport == nil {
		return nil, errors.New("no transport configured")
	}

	nodes := make([]*Node, 0, len(entries))
	for _, e := range entries {
		nodes = append(nodes, NewNode(ctx, opts.Transport, e.Name, e.Address, c.log))
	}
	return nodes, nil
}

// acquire 轮询候选队列直到凑够 NNodes 个 UP 节点或队列耗尽
func (c *Cluster) acquire(ctx context.Context, candidates []*Node, interval time.Duration) error {
	c.log.Info("initialising nodes", zap.Int("candidates", len(candidates)), zap.Int("nnodes", c.NNodes))

	queue := append([]*Node(nil), candidates...)
	pending := 0 // 连续处于 CHECKING 的节点数
	for len(queue) > 0 && len(c.Nodes) < c.NNodes {
		node := queue[0]
		queue = queue[1:]

		switch node.Poll() {
		case model.NodeDown:
			c.log.Warn("node is down", zap.String("node", node.Name), zap.String("address", node.Address))
			pending = 0
		case model.NodeChecking:
			queue = append(queue, node)
			pending++
		case model.NodeUp:
			c.log.Info("node is up", zap.String("node", node.Name), zap.String("address", node.Address),
				zap.Int("nproc", node.NProc))
			node.stallTimeout = c.stallTimeout
			node.now = c.now
			c.Nodes = append(c.Nodes, node)
			pending = 0
		}

		// 队列里全是探测中的节点，歇一会再看
		if pending > 0 && pending >= len(queue) {
			pending = 0
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}

	if len(c.Nodes) < c.NNodes {
		return fmt.Errorf("%w for the number of requested nodes (%d < %d)",
			ErrInsufficientNodes, len(c.Nodes), c.NNodes)
	}
	return nil
}

// dispatch 按行优先把 proc_id 铺到 (node_id, local_id) 网格上
func (c *Cluster) dispatch(ctx context.Context, factory TaskFactory) error {
	for nodeID := 0; nodeID < c.NNodes; nodeID++ {
		node := c.Nodes[nodeID]
		for localID := 0; localID < c.NTasksPerNode; localID++ {
			a := model.Assignment{
				CPUsOnNode:  node.NProc,
				JobName:     c.JobName,
				NodeName:    node.Name,
				NodeAddress: node.Address,
				OutputDir:   c.OutputDir,
				LocalID:     localID,
				NodeID:      nodeID,
				ProcID:      nodeID*c.NTasksPerNode + localID,
			}
			task, err := factory(a)
			if err != nil {
				return fmt.Errorf("build task proc_id=%d: %w", a.ProcID, err)
			}
			node.Assign(ctx, task)
		}
	}
	return nil
}

// Update 一次完整的轮询：按注册顺序访问节点和任务
func (c *Cluster) Update() {
	for _, node := range c.Nodes {
		node.Poll()
	}
}

// WaitLaunched 阻塞到远端接受了所有派发请求，或 ctx 结束
// 进程退出前必须调用，否则还在连接中的 ssh 会随进程一起消失
func (c *Cluster) WaitLaunched(ctx context.Context) error {
	for _, node := range c.Nodes {
		if err := node.waitLaunches(ctx); err != nil {
			return fmt.Errorf("wait for launches on %s: %w", node.Name, err)
		}
	}
	return nil
}

// Tasks 按 proc_id 顺序返回所有任务
func (c *Cluster) Tasks() []*Task {
	tasks := make([]*Task, 0, c.NNodes*c.NTasksPerNode)
	for _, node := range c.Nodes {
		tasks = append(tasks, node.Tasks...)
	}
	return tasks
}

// Done 所有任务都进入终态
func (c *Cluster) Done() bool {
	for _, t := range c.Tasks() {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}
