package transport

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultDockerAPIVersion 与 docker v24 客户端对齐
const DefaultDockerAPIVersion = "1.43"

// execAPI 是 Docker 客户端里 exec 相关的子集，*client.Client 满足它
type execAPI interface {
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

// Docker 把节点地址当作容器名，用 docker exec 代替 ssh。
// 适合用一组容器搭测试集群，输出目录通过 bind mount 共享。
type Docker struct {
	cli            execAPI
	ConnectTimeout time.Duration
}

// NewDocker 从环境变量（DOCKER_HOST 等）连接 Docker
func NewDocker(apiVersion string, connectTimeout time.Duration) (*Docker, error) {
	if apiVersion == "" {
		apiVersion = DefaultDockerAPIVersion
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion(apiVersion))
	if err != nil {
		return nil, err
	}
	return &Docker{cli: cli, ConnectTimeout: connectTimeout}, nil
}

func (d *Docker) Exec(ctx context.Context, address, command string) (Handle, error) {
	timeout := d.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	// 1. 创建 exec 实例，超时对应 ssh 的 ConnectTimeout
	createCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	resp, err := d.cli.ContainerExecCreate(createCtx, address, types.ExecConfig{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("docker exec create on %s: %w", address, err)
	}

	// 2. attach 会同时启动命令；连接要活过本次调用，不能挂超时 ctx
	hijacked, err := d.cli.ContainerExecAttach(ctx, resp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("docker exec attach on %s: %w", address, err)
	}

	h := newAsyncHandle()
	go func() {
		defer hijacked.Close()

		// 3. stdcopy 拆分多路复用的输出流
		var stdout, stderr bytes.Buffer
		if _, err := stdcopy.StdCopy(&stdout, &stderr, hijacked.Reader); err != nil {
			h.finish(Result{ExitCode: -1, Err: err})
			return
		}

		// 4. 流结束后取退出码
		inspect, err := d.cli.ContainerExecInspect(ctx, resp.ID)
		if err != nil {
			h.finish(Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), Err: err})
			return
		}
		h.finish(Result{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()})
	}()
	return h, nil
}
