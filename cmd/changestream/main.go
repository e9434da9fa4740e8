package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/replicator"
)

var (
	configFile string
	noAPI      bool
)

var rootCmd = &cobra.Command{
	Use:   "changestream",
	Short: "Tail a replica set oplog and deliver $changeStream events",
	Long: `changestream reads the oplog of a MongoDB replica set, turns the entries
of each watched collection into change events and delivers them to
stdout, kafka, elasticsearch, mongodb, mysql or cosmosdb.`,
	SilenceUsage: true,
	RunE:         run,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		for _, stream := range cfg.Streams {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tenabled=%t\ttargets=%d\n",
				stream.Name, stream.Source.Namespace(), stream.Enabled, len(stream.Targets))
		}
		return nil
	},
}

var templateCmd = &cobra.Command{
	Use:   "template [file]",
	Short: "Write a configuration template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		return loader.SaveToFile(loader.GenerateTemplate(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.Flags().BoolVar(&noAPI, "no-api", false, "do not serve the HTTP API")
	rootCmd.AddCommand(validateCmd, templateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the file given with --config, the viper search paths
// otherwise.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		cfg := config.LoadConfiguration()
		if err := config.NewLoader().Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg, err := config.NewLoader().LoadFromFile(configFile)
	if err != nil {
		return nil, err
	}
	config.SetConfig(cfg)
	config.SetLogLevel(cfg.Logging.Level)
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return err
	}
	logger := newLogger(cfg.Logging)

	service, err := replicator.NewService(replicator.ServiceOptions{
		Config:    cfg,
		Logger:    logger,
		EnableAPI: !noAPI,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := service.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start service")
		if stopErr := service.Stop(context.Background()); stopErr != nil {
			logger.WithError(stopErr).Debug("Stop after failed start")
		}
		return err
	}

	shutdown := replicator.NewShutdownHandler(replicator.ShutdownHandlerOptions{
		Service:         service,
		Logger:          logger,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	return shutdown.Wait(ctx)
}
