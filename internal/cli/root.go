// Package cli 提供 allot 命令行的各个子命令
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"allot/internal/config"
	"allot/internal/transport"
	"allot/pkg/logger"
	"allot/pkg/store"
)

// Version 当前版本号
const Version = "0.1.0"

// app 在子命令之间共享的运行期依赖
type app struct {
	cfgFile   string
	debug     bool
	storeKind string
	storeDir  string

	cfg *config.Config
	log *zap.Logger
}

// NewRootCmd 构建根命令；每次调用返回独立实例，便于测试
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "allot",
		Short: "Launch and monitor parallel shell jobs over ssh",
		Long: `allot dispatches shell jobs to a pool of remote machines reachable over ssh
(or docker exec) and tracks their progress by polling their output files.
No agent runs on the remote side.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file path (YAML)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&a.storeKind, "store", "", "snapshot store: file or etcd")
	root.PersistentFlags().StringVar(&a.storeDir, "state-dir", "", "directory for file snapshots")

	root.AddCommand(
		newRunCmd(a),
		newStatusCmd(a),
		newMonitorCmd(a),
		newWatchCmd(a),
		newListCmd(a),
		newPlanCmd(a),
		newMarkCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	loader := config.NewLoader()
	if a.cfgFile != "" {
		loader = loader.WithConfigPath(a.cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 命令行参数覆盖
	if a.debug {
		cfg.Log.Level = "debug"
	}
	if a.storeKind != "" {
		cfg.Store.Kind = a.storeKind
	}
	if a.storeDir != "" {
		cfg.Store.Dir = a.storeDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.log = cfg, log
	return nil
}

func (a *app) transport() (transport.Transport, error) {
	tc := a.cfg.Transport
	switch tc.Kind {
	case "docker":
		return transport.NewDocker(tc.DockerAPIVersion, tc.ConnectTimeout)
	default:
		return &transport.SSH{Binary: tc.SSHBinary, ConnectTimeout: tc.ConnectTimeout, Options: tc.SSHOptions}, nil
	}
}

func (a *app) store() (store.Store, error) {
	sc := a.cfg.Store
	switch sc.Kind {
	case "etcd":
		return store.NewEtcdStore(sc.Endpoints, sc.Prefix, sc.DialTimeout, a.log)
	default:
		return store.NewFileStore(sc.Dir)
	}
}
