package cluster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"allot/internal/transport"
	"allot/pkg/model"
)

// EncodeTask 任务 -> 快照
func EncodeTask(t *Task) model.TaskDoc {
	return model.TaskDoc{
		Command:    append([]string(nil), t.Command...),
		OutputFile: t.OutputFile,
		Config:     t.Assignment,
		Status:     t.Status,
		LastUpdate: t.LastUpdate,
		Progress:   t.Progress,
		Total:      t.Total,
	}
}

// DecodeTask 快照 -> 任务
func DecodeTask(d model.TaskDoc) *Task {
	return &Task{
		Command:    append([]string(nil), d.Command...),
		OutputFile: d.OutputFile,
		Assignment: d.Config,
		Status:     d.Status,
		LastUpdate: d.LastUpdate,
		Progress:   d.Progress,
		Total:      d.Total,
	}
}

// EncodeNode 节点 -> 快照，探测句柄不落盘
func EncodeNode(n *Node) model.NodeDoc {
	doc := model.NodeDoc{
		Name:    n.Name,
		Address: n.Address,
		NProc:   n.NProc,
		Status:  n.Status,
		Tasks:   make([]model.TaskDoc, 0, len(n.Tasks)),
	}
	for _, t := range n.Tasks {
		doc.Tasks = append(doc.Tasks, EncodeTask(t))
	}
	return doc
}

// DecodeNode 快照 -> 节点
// 快照里只有已获取的节点，缺省或 CHECKING 都按 UP 恢复；需要确认时调用 Reprobe
func DecodeNode(d model.NodeDoc, tr transport.Transport, log *zap.Logger) *Node {
	n := newNode(tr, d.Name, d.Address, log)
	n.NProc = d.NProc
	n.Status = d.Status
	if n.Status != model.NodeDown {
		n.Status = model.NodeUp
	}
	for _, td := range d.Tasks {
		n.Tasks = append(n.Tasks, DecodeTask(td))
	}
	return n
}

// Snapshot 把整个集群压平成文档
func Snapshot(c *Cluster) *model.ClusterDoc {
	doc := &model.ClusterDoc{
		SchemaVersion: model.SchemaVersion,
		JobName:       c.JobName,
		OutputDir:     c.OutputDir,
		NTasks:        c.NTasks,
		NNodes:        c.NNodes,
		NTasksPerNode: c.NTasksPerNode,
		Nodes:         make([]model.NodeDoc, 0, len(c.Nodes)),
	}
	for _, n := range c.Nodes {
		doc.Nodes = append(doc.Nodes, EncodeNode(n))
	}
	return doc
}

// RestoreOptions 恢复时重新注入的运行期依赖
type RestoreOptions struct {
	Transport    transport.Transport
	StallTimeout time.Duration
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Restore 从快照重建集群，接管已经在远端运行的任务
func Restore(doc *model.ClusterDoc, opts RestoreOptions) (*Cluster, error) {
	if doc.SchemaVersion != model.SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrSchemaVersion, doc.SchemaVersion)
	}
	o := Options{Logger: opts.Logger, StallTimeout: opts.StallTimeout, Clock: opts.Clock}
	o.setDefaults()

	log := o.Logger.With(zap.String("job", doc.JobName))
	c := &Cluster{
		JobName:       doc.JobName,
		OutputDir:     doc.OutputDir,
		NTasks:        doc.NTasks,
		NNodes:        doc.NNodes,
		NTasksPerNode: doc.NTasksPerNode,
		Nodes:         make([]*Node, 0, len(doc.Nodes)),
		log:           log,
		stallTimeout:  o.StallTimeout,
		now:           o.Clock,
	}
	for _, nd := range doc.Nodes {
		n := DecodeNode(nd, opts.Transport, log)
		n.stallTimeout = c.stallTimeout
		n.now = c.now
		c.Nodes = append(c.Nodes, n)
	}
	log.Info("cluster restored", zap.Int("nodes", len(c.Nodes)), zap.Int("tasks", len(c.Tasks())))
	return c, nil
}

// Reprobe 对所有节点重新发起健康探测
func (c *Cluster) Reprobe(ctx context.Context) {
	for _, n := range c.Nodes {
		n.Reprobe(ctx)
	}
}
