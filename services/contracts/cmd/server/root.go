package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jquan18/Civitas-sub001/pkg/logx"
	"github.com/jquan18/Civitas-sub001/pkg/templates"
	"github.com/jquan18/Civitas-sub001/services/contracts/internal/config"
)

const flagConfig = "config"

// app carries the viper instance shared by every subcommand.
type app struct {
	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	config.SetDefaults(a.v)

	root := &cobra.Command{
		Use:           "contracts",
		Short:         "Mirror on-chain state of Civitas template contracts into a queryable store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString(flagConfig)
			if path == "" {
				return nil
			}
			a.v.SetConfigFile(path)
			if err := a.v.ReadInConfig(); err != nil {
				return fmt.Errorf("read config %s: %w", path, err)
			}
			return nil
		},
	}
	root.PersistentFlags().String(flagConfig, "", "optional YAML config file")
	root.PersistentFlags().String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String(config.KeyLogFormat, "json", "log format (json, console)")
	root.PersistentFlags().String(config.KeyTemplatesDir, "", "directory holding catalog.yaml, defaults to the built-in catalog")
	for _, key := range []string{config.KeyLogLevel, config.KeyLogFormat, config.KeyTemplatesDir} {
		if err := a.v.BindPFlag(key, root.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	root.AddCommand(
		serveCmd(a),
		syncCmd(a),
		templatesCmd(a),
		readStateCmd(a),
	)
	return root
}

func (a *app) loadConfig(validate bool) (config.Config, error) {
	if validate {
		return config.Load(a.v)
	}
	return config.Decode(a.v)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logx.New(cfg.LogLevel, cfg.LogFormat)
}

func loadRegistry(cfg config.Config) (*templates.Registry, error) {
	if cfg.TemplatesDir == "" {
		return templates.Default()
	}
	return templates.Load(os.DirFS(cfg.TemplatesDir), "catalog.yaml")
}
