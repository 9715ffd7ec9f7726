package model

// TaskStatus 任务生命周期状态
type TaskStatus int

const (
	TaskNotStarted   TaskStatus = iota + 1
	TaskFinished                // 终态：最后一个进度标记 current == total
	TaskRunningEarly            // 已派发，输出文件还没出现
	TaskRunning                 // 输出文件已出现，持续采集进度
	TaskStalled                 // 终态：输出文件超时未更新
)

func (s TaskStatus) String() string {
	switch s {
	case TaskNotStarted:
		return "NOT_STARTED"
	case TaskFinished:
		return "FINISHED"
	case TaskRunningEarly:
		return "RUNNING_EARLY"
	case TaskRunning:
		return "RUNNING"
	case TaskStalled:
		return "STALLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal 终态不会再被轮询
func (s TaskStatus) Terminal() bool {
	return s == TaskFinished || s == TaskStalled
}

// Assignment 描述一个任务槽位
//
//	local_id  [0 1] [0 1]
//	node_id   [0 0] [1 1]
//	proc_id   [0 1] [2 3]
type Assignment struct {
	CPUsOnNode  int    `json:"cpus_on_node"`
	JobName     string `json:"job_name"`
	NodeName    string `json:"node_name"`
	NodeAddress string `json:"node_address"`
	OutputDir   string `json:"output_dir"`
	LocalID     int    `json:"local_id"`
	NodeID      int    `json:"node_id"`
	ProcID      int    `json:"proc_id"`
}

// TaskDoc 是任务在快照里的形态
type TaskDoc struct {
	Command    []string   `json:"command"`
	OutputFile string     `json:"output_file"`
	Config     Assignment `json:"config"`
	Status     TaskStatus `json:"status"`
	LastUpdate int64      `json:"last_update"`
	Progress   int        `json:"progress"`
	Total      int        `json:"total"`
}
