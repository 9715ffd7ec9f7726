package cluster

import "errors"

var (
	// ErrInvalidSizing ntasks/nnodes/ntasks_per_node 组合不合法
	ErrInvalidSizing = errors.New("invalid parameter configuration")
	// ErrNoRoster 没有提供任何节点来源
	ErrNoRoster = errors.New("nodes must be defined through candidates, roster or host file")
	// ErrInsufficientNodes 健康节点数量不足
	ErrInsufficientNodes = errors.New("too few nodes available")
	// ErrSchemaVersion 快照版本不认识
	ErrSchemaVersion = errors.New("unsupported snapshot schema version")
)
