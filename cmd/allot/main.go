package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"allot/internal/cli"
)

func main() {
	// Ctrl+C 只停止本地监控，远程任务继续运行
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
