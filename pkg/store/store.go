// Package store 持久化集群快照，让新的控制进程可以重新接管正在运行的作业。
package store

import (
	"context"
	"errors"

	"allot/pkg/model"
)

// ErrNotFound 作业没有快照
var ErrNotFound = errors.New("snapshot not found")

// Store 定义系统对快照存储的全部需求
// 同一作业只允许一个写者，多进程挂同一快照需要外部协调
type Store interface {
	// Save 覆盖写入作业的最新快照
	Save(ctx context.Context, doc *model.ClusterDoc) error

	// Load 读取作业快照，不存在时返回 ErrNotFound
	Load(ctx context.Context, jobName string) (*model.ClusterDoc, error)

	// List 列出已有快照的作业名，按字典序
	List(ctx context.Context) ([]string, error)

	Close() error
}
