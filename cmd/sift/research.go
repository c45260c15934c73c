package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/fentz26/sift/internal/models"
	"github.com/fentz26/sift/internal/progress"
	"github.com/spf13/cobra"
)

var researchCmd = &cobra.Command{
	Use:   "research <query>",
	Short: "Run a research session in this process",
	Long: `Runs a research session without the daemon and prints the cited report.
Interrupting with Ctrl+C cancels the session; its last checkpoint stays in the
store and can be resumed by the daemon.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

var (
	researchJSON        bool
	researchConcurrency int
	researchRetries     int
	researchTimeout     time.Duration
	researchDeadline    time.Duration
)

func init() {
	researchCmd.Flags().BoolVar(&researchJSON, "json", false, "Print the final session as JSON")
	researchCmd.Flags().IntVar(&researchConcurrency, "concurrency", 0, "Maximum tasks running at once")
	researchCmd.Flags().IntVar(&researchRetries, "retries", 0, "Attempts per task before it is abandoned")
	researchCmd.Flags().DurationVar(&researchTimeout, "timeout", 0, "Timeout for one task attempt")
	researchCmd.Flags().DurationVar(&researchDeadline, "deadline", 0, "Deadline for the whole session")
}

func runResearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := newEngine(ctx, cfg, progressPrinter(researchJSON))
	if err != nil {
		return err
	}
	defer eng.Close()

	opts := &models.Options{
		ConcurrencyLimit: researchConcurrency,
		RetryAttempts:    researchRetries,
		TaskTimeout:      researchTimeout,
		SessionDeadline:  researchDeadline,
	}
	id, err := eng.service.Start(ctx, strings.Join(args, " "), opts)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			fmt.Fprintf(os.Stderr, "\n%s Cancelling session %s...\n", color.YellowString("!"), shortID(id))
			eng.service.Cancel(id)
		}
	}()

	session, err := eng.service.Wait(ctx, id)
	if err != nil {
		return err
	}

	if researchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(session)
	}
	fmt.Println()
	printSession(os.Stdout, session)
	if session.Status == models.SessionStatusFailed {
		return fmt.Errorf("session %s failed", session.ID)
	}
	return nil
}

// progressPrinter renders progress updates on stderr, or discards them when
// stdout carries JSON and the log already records them.
func progressPrinter(quiet bool) progress.Sink {
	if quiet {
		return progress.Log{}
	}
	return progress.Func(func(u progress.Update) {
		mark := runMark
		switch {
		case u.Status == models.SessionStatusDone:
			mark = okMark
		case u.Status == models.SessionStatusFailed:
			mark = failMark
		case u.Phase == "checkpoint":
			return
		}
		fmt.Fprintf(os.Stderr, "%s %3d%% %s\n", mark, u.Percent, u.Message)
	})
}
