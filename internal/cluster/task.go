package cluster

import (
	"os"
	"time"

	"allot/internal/progress"
	"allot/pkg/model"
)

// DefaultStallTimeout 输出文件超过这么久没有变化就判定为卡死
const DefaultStallTimeout = 2 * time.Hour

// mtimeSettle 文件系统 mtime 精度有限，同一时间片内的两次写入 mtime 相同；
// 只有足够旧的 mtime 才记下来用于跳过重复读取
const mtimeSettle = time.Second

// Task 分配到某个节点上的一个任务槽位
type Task struct {
	Command    []string
	OutputFile string
	Assignment model.Assignment

	Status     model.TaskStatus
	LastUpdate int64 // 上次读到的输出文件 mtime（UnixNano）
	Progress   int
	Total      int
}

// NewTask 新建一个未派发的任务
func NewTask(command []string, outputFile string, a model.Assignment) *Task {
	return &Task{
		Command:    command,
		OutputFile: outputFile,
		Assignment: a,
		Status:     model.TaskNotStarted,
	}
}

// poll 推进一次状态机，所有文件错误都吞掉，下次轮询再试
func (t *Task) poll(now time.Time, stallTimeout time.Duration) model.TaskStatus {
	if t.Status == model.TaskRunningEarly {
		// 远程 shell 创建输出文件可能有延迟
		if _, err := os.Stat(t.OutputFile); err != nil {
			return t.Status
		}
		t.Status = model.TaskRunning
		// 文件刚出现，直接进入下面的 RUNNING 分支读取进度
	}
	if t.Status != model.TaskRunning {
		return t.Status
	}

	info, err := os.Stat(t.OutputFile)
	if err != nil {
		return t.Status
	}
	mtime := info.ModTime()
	if now.Sub(mtime) > stallTimeout {
		t.Status = model.TaskStalled
		return t.Status
	}
	if mtime.UnixNano() == t.LastUpdate {
		return t.Status
	}

	data, err := os.ReadFile(t.OutputFile)
	if err != nil {
		return t.Status
	}
	if now.Sub(mtime) >= mtimeSettle {
		t.LastUpdate = mtime.UnixNano()
	}

	m, ok := progress.Parse(data)
	if !ok {
		// 任务最好一开始就输出 0/N
		return t.Status
	}
	t.Progress, t.Total = m.Current, m.Total
	if m.Done() {
		t.Status = model.TaskFinished
	}
	return t.Status
}
