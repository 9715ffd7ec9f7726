package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"time"
)

// DefaultConnectTimeout 单次 ssh 连接超时
const DefaultConnectTimeout = 10 * time.Second

// SSH 通过本机 ssh 客户端执行远程命令，认证完全交给 ssh 配置
type SSH struct {
	Binary         string        // 默认 "ssh"
	ConnectTimeout time.Duration // 默认 DefaultConnectTimeout
	Options        []string      // 追加的 -o 选项，例如 StrictHostKeyChecking=no
}

// NewSSH 使用默认参数
func NewSSH(connectTimeout time.Duration, options ...string) *SSH {
	return &SSH{Binary: "ssh", ConnectTimeout: connectTimeout, Options: options}
}

// Args 组装 ssh 参数，BatchMode 保证不会卡在密码提示上
func (s *SSH) Args(address, command string) []string {
	timeout := s.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	secs := int(math.Ceil(timeout.Seconds()))

	args := []string{"-o", "BatchMode=yes", "-o", fmt.Sprintf("ConnectTimeout=%d", secs)}
	for _, opt := range s.Options {
		args = append(args, "-o", opt)
	}
	return append(args, address, command)
}

func (s *SSH) Exec(ctx context.Context, address, command string) (Handle, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ssh"
	}

	cmd := exec.CommandContext(ctx, bin, s.Args(address, command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s %s: %w", bin, address, err)
	}

	h := newAsyncHandle()
	go func() {
		err := cmd.Wait()
		r := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			r.ExitCode = exitErr.ExitCode()
		default:
			r.ExitCode = -1
			r.Err = err
		}
		h.finish(r)
	}()
	return h, nil
}
