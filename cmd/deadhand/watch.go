package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/deadhand/internal/tui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [owner-id]",
	Short: "Open the live dashboard for an owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var (
	watchInterval  time.Duration
	watchAutostart bool
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchAutostart, "start-daemon", false, "Start the daemon in the background if it is not running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if _, err := CheckHealth(); err != nil {
		if !watchAutostart {
			return fmt.Errorf("daemon not reachable at %s: %w", apiAddr, err)
		}
		fmt.Println("deadhand daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr, args[0], watchInterval)
	if err := app.Run(); err != nil {
		return fmt.Errorf("dashboard error: %w", err)
	}
	return nil
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, "daemon")
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if _, err := CheckHealth(); err == nil {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
