package model

// NodeStatus 节点健康状态
// 序号与快照文档保持一致，不要调整顺序
type NodeStatus int

const (
	NodeDown     NodeStatus = iota + 1 // 探测失败，永久剔除
	NodeChecking                       // 探测进行中
	NodeUp                             // 探测成功，可以派发任务
)

func (s NodeStatus) String() string {
	switch s {
	case NodeDown:
		return "DOWN"
	case NodeChecking:
		return "CHECKING"
	case NodeUp:
		return "UP"
	default:
		return "UNKNOWN"
	}
}

// NodeDoc 是节点在快照里的形态
// 探测句柄属于进程内状态，不落盘
type NodeDoc struct {
	Name    string     `json:"name"`
	Address string     `json:"address"`
	NProc   int        `json:"nproc"`
	Status  NodeStatus `json:"status,omitempty"`
	Tasks   []TaskDoc  `json:"tasks"`
}
