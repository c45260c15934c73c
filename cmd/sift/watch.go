package main

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/fentz26/sift/internal/tui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Monitor sessions in an interactive terminal UI",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var watchNoStart bool

func init() {
	watchCmd.Flags().BoolVar(&watchNoStart, "no-start", false, "Do not start the daemon when it is not running")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning() {
		if watchNoStart {
			return fmt.Errorf("daemon not reachable at %s", apiAddr)
		}
		fmt.Println("⚡ sift daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	app := tui.New(apiAddr, id)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	_, err := CheckHealth()
	return err == nil
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"daemon"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if logFile != "" {
		args = append(args, "--log-file", logFile)
	}
	cmd := exec.Command(exe, args...)
	configureDaemonProc(cmd)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
