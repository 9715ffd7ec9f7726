package cluster

import (
	"fmt"
	"math"
)

// DefaultDensity 只给出 ntasks 时假定的每节点任务数
const DefaultDensity = 4

// Hints 用户给出的规模提示，<= 0 表示未指定
type Hints struct {
	NTasks        int `json:"ntasks" yaml:"ntasks"`
	NNodes        int `json:"nnodes" yaml:"nnodes"`
	NTasksPerNode int `json:"ntasks_per_node" yaml:"ntasks_per_node"`
}

// Sizing 推导后的集群规模
type Sizing struct {
	NTasks        int
	NNodes        int
	NTasksPerNode int
}

// Slots 实际派发的槽位数，可能大于 NTasks
func (s Sizing) Slots() int {
	return s.NNodes * s.NTasksPerNode
}

// Plan 由部分提示推导出完整规模
//
//	ntasks            -> nnodes = ceil(ntasks/density), per_node = density
//	nnodes            -> ntasks = nnodes, per_node = 1
//	ntasks+nnodes     -> per_node = ceil(ntasks/nnodes)
//	nnodes+per_node   -> ntasks = nnodes*per_node
//	ntasks+per_node   -> nnodes = ceil(ntasks/per_node)
//	三者都有           -> 校验 ntasks <= nnodes*per_node
func Plan(h Hints, density int) (Sizing, error) {
	if density <= 0 {
		density = DefaultDensity
	}
	hasTasks, hasNodes, hasPerNode := h.NTasks > 0, h.NNodes > 0, h.NTasksPerNode > 0

	var s Sizing
	switch {
	case hasTasks && !hasNodes && !hasPerNode:
		s = Sizing{NTasks: h.NTasks, NNodes: ceilDiv(h.NTasks, density), NTasksPerNode: density}
	case !hasTasks && hasNodes && !hasPerNode:
		s = Sizing{NTasks: h.NNodes, NNodes: h.NNodes, NTasksPerNode: 1}
	case hasTasks && hasNodes && !hasPerNode:
		s = Sizing{NTasks: h.NTasks, NNodes: h.NNodes, NTasksPerNode: ceilDiv(h.NTasks, h.NNodes)}
	case !hasTasks && hasNodes && hasPerNode:
		if h.NNodes > math.MaxInt/h.NTasksPerNode {
			break
		}
		s = Sizing{NTasks: h.NNodes * h.NTasksPerNode, NNodes: h.NNodes, NTasksPerNode: h.NTasksPerNode}
	case hasTasks && !hasNodes && hasPerNode:
		s = Sizing{NTasks: h.NTasks, NNodes: ceilDiv(h.NTasks, h.NTasksPerNode), NTasksPerNode: h.NTasksPerNode}
	case hasTasks && hasNodes && hasPerNode:
		s = Sizing{NTasks: h.NTasks, NNodes: h.NNodes, NTasksPerNode: h.NTasksPerNode}
	}
	// 槽位数必须放得进 int，且装得下所有任务
	if s.NNodes > 0 && s.NTasksPerNode > 0 && s.NNodes <= math.MaxInt/s.NTasksPerNode && s.NTasks <= s.Slots() {
		return s, nil
	}
	return Sizing{}, fmt.Errorf("%w: ntasks=%d, nnodes=%d, ntasks_per_node=%d",
		ErrInvalidSizing, h.NTasks, h.NNodes, h.NTasksPerNode)
}

func ceilDiv(a, b int) int {
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}
