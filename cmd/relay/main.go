package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chatrelay/internal/app"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "chatrelay - conversational Telegram bot with operator broadcast",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot and block until SIGINT/SIGTERM",
	RunE:  runBot,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and check the config file, then exit",
	RunE:  runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), app.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json, yaml or toml)")
	rootCmd.AddCommand(runCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("fatal:"), err)
		os.Exit(1)
	}
}

func runBot(cmd *cobra.Command, _ []string) error {
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	green.Print("▶ ")
	fmt.Printf("chatrelay %s\n", app.Version)
	gray.Printf("  config: %s\n", cfgPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	// Not running under systemd is not an error.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
		if ctx.Err() != nil && a.Err() == nil {
			reason = app.StopAppStop
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := app.Validate(cfgPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	green.Fprint(out, "✔ ")
	fmt.Fprintf(out, "%s is valid\n", cfgPath)
	fmt.Fprintf(out, "  bot:      %s\n", cfg.Persona.BotName)
	fmt.Fprintf(out, "  owners:   %d\n", len(cfg.Telegram.OwnerUserIDs))
	fmt.Fprintf(out, "  api keys: %d\n", len(cfg.Inference.APIKeys))
	if cfg.Storage != nil && cfg.Storage.Driver != "" {
		fmt.Fprintf(out, "  storage:  %s\n", cfg.Storage.Driver)
	} else {
		fmt.Fprintf(out, "  storage:  memory\n")
	}
	return nil
}
