package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/goclaw-ai/goclaw/internal/auth"
	"github.com/goclaw-ai/goclaw/internal/config"
	"github.com/goclaw-ai/goclaw/internal/daemon"
	"github.com/goclaw-ai/goclaw/internal/identity"
	"github.com/goclaw-ai/goclaw/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "goclawd",
		Short:         "goclaw daemon - gateway between untrusted clients and the agent executor",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = version.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.AddCommand(setPasswordCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	paths, err := config.EnsureDirs()
	if err != nil {
		return fmt.Errorf("prepare home directory: %w", err)
	}
	log := setupLogging(paths)

	store, err := config.Open(paths.ConfigFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	d, err := daemon.New(daemon.Options{Store: store, Paths: paths, Log: log})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errChan := make(chan error, 1)
	go func() {
		errChan <- d.Run(ctx)
	}()

	log.WithFields(logrus.Fields{
		"pid":    os.Getpid(),
		"listen": store.Current().Listen,
	}).Info("goclawd started")

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				d.Reload()
				continue
			}
			log.WithField("signal", sig.String()).Info("shutting down")
			if err := d.Shutdown(context.Background()); err != nil {
				log.WithError(err).Warn("shutdown incomplete")
			}
			return nil
		case err := <-errChan:
			d.Close()
			return err
		}
	}
}

// setPasswordCmd stores the operator password hash in the identity store.
// Run once before enabling password auth.
func setPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-password <password>",
		Short: "Store the operator password for password authentication",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.EnsureDirs()
			if err != nil {
				return fmt.Errorf("prepare home directory: %w", err)
			}

			store, err := identity.Open(identity.Options{DBPath: paths.IdentityDB})
			if err != nil {
				return err
			}
			defer store.Close()

			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			if err := store.SetPasswordHash(cmd.Context(), hash); err != nil {
				return err
			}
			fmt.Println("password updated")
			return nil
		},
	}
}

func setupLogging(paths config.Paths) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	rotated := &lumberjack.Logger{
		Filename:   filepath.Join(paths.Logs, "goclawd.log"),
		MaxSize:    50,
		MaxBackups: 3,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotated))

	return logger.WithField("app", "goclawd")
}
