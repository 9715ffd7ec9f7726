// Package transport 在远程节点上执行非交互命令。
//
// 远程端不需要常驻 agent：健康探测和任务派发都只是一次远程 shell 调用，
// 调用方通过 Handle 非阻塞地查询结果。
package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
)

// ProbeCommand 探测节点 CPU 数量
const ProbeCommand = "nproc"

// Result 远程命令的退出信息
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error // 传输层错误（连接失败、API 出错等）
}

// OK 命令正常退出且返回 0
func (r Result) OK() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Handle 一次远程调用的异步完成句柄
type Handle interface {
	// Poll 不阻塞；命令还在执行时第二个返回值为 false
	Poll() (Result, bool)
}

// Transport 远程 shell 适配层
type Transport interface {
	// Exec 发起远程命令后立即返回，err 只表示请求没能发出去
	Exec(ctx context.Context, address, command string) (Handle, error)
}

// CommandLine 把任务命令拼成一次后台启动：
// nohup bash -c 'cmd1; cmd2' > 'output' 2>&1 &
func CommandLine(commands []string, outputFile string) string {
	cmd := shellescape.Quote(strings.Join(commands, "; "))
	return "nohup bash -c " + cmd + " > " + shellescape.Quote(outputFile) + " 2>&1 &"
}

// asyncHandle 由后台 goroutine 写入结果
type asyncHandle struct {
	done   chan struct{}
	once   sync.Once
	result Result
}

func newAsyncHandle() *asyncHandle {
	return &asyncHandle{done: make(chan struct{})}
}

func (h *asyncHandle) finish(r Result) {
	h.once.Do(func() {
		h.result = r
		close(h.done)
	})
}

func (h *asyncHandle) Poll() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait 阻塞直到命令结束，主要给测试和一次性工具用
func Wait(ctx context.Context, h Handle) (Result, error) {
	if ah, ok := h.(*asyncHandle); ok {
		select {
		case <-ah.done:
			return ah.result, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r, ok := h.Poll(); ok {
			return r, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

// Completed 返回一个已经结束的句柄
func Completed(r Result) Handle {
	h := newAsyncHandle()
	h.finish(r)
	return h
}
