package cluster

import (
	"context"
	"strings"
	"sync"

	"allot/internal/transport"
)

// delayedHandle 前 remaining 次 Poll 返回未完成
type delayedHandle struct {
	remaining int
	result    transport.Result
}

func (h *delayedHandle) Poll() (transport.Result, bool) {
	if h.remaining > 0 {
		h.remaining--
		return transport.Result{}, false
	}
	return h.result, true
}

type probeReply struct {
	result transport.Result
	delay  int
}

// fakeTransport 按地址返回预设的探测结果，并记录所有派发命令
type fakeTransport struct {
	mu       sync.Mutex
	probes   map[string]probeReply
	launches map[string][]string
	launch   probeReply        // 派发请求的返回
	ctxs     []context.Context // 派发请求收到的 ctx
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		probes:   make(map[string]probeReply),
		launches: make(map[string][]string),
	}
}

func (f *fakeTransport) up(address, nproc string, delay int) {
	f.probes[address] = probeReply{result: transport.Result{Stdout: nproc + "\n"}, delay: delay}
}

func (f *fakeTransport) down(address string, delay int) {
	f.probes[address] = probeReply{result: transport.Result{ExitCode: 255, Stderr: "connection refused"}, delay: delay}
}

func (f *fakeTransport) Exec(ctx context.Context, address, command string) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if command == transport.ProbeCommand {
		reply, ok := f.probes[address]
		if !ok {
			reply = probeReply{result: transport.Result{ExitCode: 255}}
		}
		return &delayedHandle{remaining: reply.delay, result: reply.result}, nil
	}
	f.launches[address] = append(f.launches[address], command)
	f.ctxs = append(f.ctxs, ctx)
	return &delayedHandle{remaining: f.launch.delay, result: f.launch.result}, nil
}

func (f *fakeTransport) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmds := range f.launches {
		for _, c := range cmds {
			if strings.HasPrefix(c, "nohup bash -c ") {
				n++
			}
		}
	}
	return n
}
