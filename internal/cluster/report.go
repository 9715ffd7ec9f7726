package cluster

import (
	"fmt"
	"io"

	"allot/pkg/model"
)

// Summary 各状态的任务数
type Summary struct {
	Nodes  int
	Tasks  int
	Counts map[model.TaskStatus]int
}

// Finished 已完成的任务数
func (s Summary) Finished() int { return s.Counts[model.TaskFinished] }

// Stalled 卡死的任务数
func (s Summary) Stalled() int { return s.Counts[model.TaskStalled] }

// Summary 汇总当前状态，不触发轮询
func (c *Cluster) Summary() Summary {
	s := Summary{Nodes: len(c.Nodes), Counts: make(map[model.TaskStatus]int)}
	for _, t := range c.Tasks() {
		s.Tasks++
		s.Counts[t.Status]++
	}
	return s
}

// WriteReport 逐行输出每个节点及其任务的状态，以空行结束，不触发轮询
func (c *Cluster) WriteReport(w io.Writer) error {
	for nodeID, node := range c.Nodes {
		if _, err := fmt.Fprintf(w, "Node: %s | %s | node_id=%d\n", node.Name, node.Status, nodeID); err != nil {
			return err
		}
		for _, t := range node.Tasks {
			if _, err := fmt.Fprintf(w, "    Task: %s, local_id=%d, proc_id=%d, progress: %d/%d\n",
				t.Status, t.Assignment.LocalID, t.Assignment.ProcID, t.Progress, t.Total); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}

// PrintProgress 先轮询一遍再输出报告
func (c *Cluster) PrintProgress(w io.Writer) error {
	c.Update()
	return c.WriteReport(w)
}
