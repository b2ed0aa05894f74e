package main

import (
	"fmt"
	"os"

	"bezsettle/internal/config"
	"bezsettle/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "bezsettle",
		Short: "BeZhas 积分计费、质量托管与链上结算服务",
		// 不带子命令时等同于 serve
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "config/config.yaml", "配置文件路径")
	root.AddCommand(serveCommand(), migrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap 加载配置并创建日志
func bootstrap() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, log, nil
}
