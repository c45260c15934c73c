package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage research sessions on the daemon",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <query>",
	Short: "Start a research session on the daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSessionStart,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session status and report",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionCancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCancel,
}

var sessionResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a session from its latest checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionResume,
}

var sessionJSON bool

func init() {
	sessionCmd.AddCommand(sessionStartCmd, sessionListCmd, sessionShowCmd, sessionCancelCmd, sessionResumeCmd)
	sessionShowCmd.Flags().BoolVar(&sessionJSON, "json", false, "Print the session as JSON")
	sessionListCmd.Flags().BoolVar(&sessionJSON, "json", false, "Print the listing as JSON")
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	var started controlplane.StartResponse
	req := controlplane.StartRequest{Query: strings.Join(args, " ")}
	if err := apiPost("/sessions", req, &started); err != nil {
		return err
	}
	fmt.Printf("%s Started session: %s\n", okMark, started.ID)
	fmt.Printf("  Follow it with: sift watch %s\n", started.ID)
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	var sessions []controlplane.SessionSummary
	if err := apiGet("/sessions", &sessions); err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROGRESS\tTASKS\tUPDATED\tQUERY")
	for _, s := range sessions {
		status := string(s.Status)
		if s.Active {
			status += "*"
		}
		fmt.Fprintf(w, "%s\t%s %s\t%d%%\t%d/%d\t%s\t%s\n",
			shortID(s.ID), sessionMark(s.Status), status, s.Percent, s.Done, s.Tasks,
			s.UpdatedAt.Local().Format(time.DateTime), truncateQuery(s.Query, 50))
	}
	w.Flush()
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	var session models.Session
	if err := apiGet("/sessions/"+args[0], &session); err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(session)
	}
	printSession(os.Stdout, &session)
	return nil
}

func runSessionCancel(cmd *cobra.Command, args []string) error {
	if err := apiPost("/sessions/"+args[0]+"/cancel", nil, nil); err != nil {
		return err
	}
	fmt.Printf("%s Cancelling session %s\n", okMark, args[0])
	return nil
}

func runSessionResume(cmd *cobra.Command, args []string) error {
	var resumed controlplane.StartResponse
	if err := apiPost("/sessions/"+args[0]+"/resume", nil, &resumed); err != nil {
		return err
	}
	fmt.Printf("%s Resumed session %s\n", okMark, resumed.ID)
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncateQuery(q string, n int) string {
	r := []rune(q)
	if len(r) <= n {
		return q
	}
	return string(r[:n-1]) + "…"
}
