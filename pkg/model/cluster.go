package model

// SchemaVersion 快照文档的格式版本，结构变化时递增
const SchemaVersion = 1

// ClusterDoc 是整个集群的快照，新的控制进程靠它重新接管正在运行的远程任务
type ClusterDoc struct {
	SchemaVersion int       `json:"schema_version"`
	JobName       string    `json:"job_name"`
	OutputDir     string    `json:"output_dir"`
	NTasks        int       `json:"ntasks"`
	NNodes        int       `json:"nnodes"`
	NTasksPerNode int       `json:"ntasks_per_node"`
	Nodes         []NodeDoc `json:"nodes"`
}
