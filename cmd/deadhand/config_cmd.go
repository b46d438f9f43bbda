package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fentz26/deadhand/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the daemon configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file",
	Long: `Writes a config file for the daemon. The grace window, poll interval and
maximum retry count have no defaults and must be given.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE:  runConfigShow,
}

var (
	initGrace   time.Duration
	initPoll    time.Duration
	initRetries int
	initRoot    string
	initForce   bool
)

func init() {
	configCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "Path to the YAML config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().DurationVar(&initGrace, "grace-window", 0, "Silence after which an owner is triggered (e.g. 720h)")
	configInitCmd.Flags().DurationVar(&initPoll, "poll-interval", 0, "How often due releases are polled (e.g. 1m)")
	configInitCmd.Flags().IntVar(&initRetries, "max-retries", -1, "Retryable failures allowed per release")
	configInitCmd.Flags().StringVar(&initRoot, "executors-root", "", "Directory holding asset payloads")
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	configInitCmd.MarkFlagRequired("grace-window")
	configInitCmd.MarkFlagRequired("poll-interval")
	configInitCmd.MarkFlagRequired("max-retries")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.Defaults()

	grace := config.Duration(initGrace)
	poll := config.Duration(initPoll)
	retries := initRetries
	cfg.GraceWindow = &grace
	cfg.PollInterval = &poll
	cfg.MaxRetries = &retries
	cfg.EvaluateInterval = poll
	if initRoot != "" {
		cfg.Executors.Root = initRoot
	}

	if err := config.SaveConfig(configPath, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
