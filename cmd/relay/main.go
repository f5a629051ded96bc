package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"utter/internal/app"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		port       int
		testMode   bool
		logLevel   string
		backend    string
	)
	cmd := &cobra.Command{
		Use:           "utter-relay",
		Short:         "Relay end-to-end encrypted messages between devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			flags := cmd.Flags()
			if flags.Changed("port") {
				overrides["server.port"] = port
			}
			if flags.Changed("test-mode") {
				overrides["test_mode.enabled"] = testMode
			}
			if flags.Changed("log-level") {
				overrides["log.level"] = logLevel
			}
			if flags.Changed("registry") {
				overrides["registry.backend"] = backend
			}
			opts := []app.Option{app.WithOverrides(overrides)}
			if configPath != "" {
				opts = append(opts, app.WithConfigFile(configPath))
			}
			return run(app.NewLoader(opts...))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML configuration file (watched for changes)")
	f.IntVar(&port, "port", 8080, "listen port")
	f.BoolVar(&testMode, "test-mode", false, "accept empty session tokens (never in production)")
	f.StringVar(&logLevel, "log-level", "info", "log level")
	f.StringVar(&backend, "registry", app.BackendMemory, "device registry backend: memory or redis")
	return cmd
}

func run(loader *app.Loader) error {
	cfg, err := loader.Load()
	if err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return err
	}
	log, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := app.NewServer(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("relay failed to start")
		return err
	}
	defer srv.Close()

	if path := loader.FilePath(); path != "" {
		w, err := app.NewWatcher(path, log)
		if err != nil {
			log.WithError(err).Warn("configuration will not be reloaded")
		} else {
			defer w.Close()
			go func() {
				_ = w.Run(ctx, func() {
					if err := srv.Reload(loader); err != nil {
						log.WithError(err).Warn("configuration reload rejected")
					}
				})
			}()
		}
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		log.WithError(err).Error("relay stopped")
		return err
	}
	log.Info("relay stopped")
	return nil
}
