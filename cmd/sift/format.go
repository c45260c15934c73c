package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/fentz26/sift/internal/models"
)

var (
	okMark   = color.GreenString("✓")
	failMark = color.RedString("✗")
	runMark  = color.CyanString("●")
	waitMark = color.YellowString("○")
	dimText  = color.New(color.Faint).SprintFunc()
	boldText = color.New(color.Bold).SprintFunc()
)

func sessionMark(s models.SessionStatus) string {
	switch s {
	case models.SessionStatusDone:
		return okMark
	case models.SessionStatusFailed:
		return failMark
	case models.SessionStatusPlanning:
		return waitMark
	default:
		return runMark
	}
}

func taskMark(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusDone:
		return okMark
	case models.TaskStatusAbandoned, models.TaskStatusFailed:
		return failMark
	case models.TaskStatusRunning, models.TaskStatusAssigned:
		return runMark
	default:
		return waitMark
	}
}

// printSession writes a human-readable summary of s, including its report.
func printSession(w io.Writer, s *models.Session) {
	fmt.Fprintf(w, "%s %s  %s\n", sessionMark(s.Status), boldText(s.Query), dimText(s.ID))
	fmt.Fprintf(w, "  Status: %s\n", s.Status)
	if s.Rationale != "" {
		fmt.Fprintf(w, "  Plan:   %s\n", s.Rationale)
	}

	if len(s.Tasks) > 0 {
		fmt.Fprintln(w, "\nTasks:")
		for _, t := range s.Tasks {
			fmt.Fprintf(w, "  %s [%d] %s %s\n", taskMark(t.Status), t.Group+1, t.Objective,
				dimText(fmt.Sprintf("(%s, %d attempt(s))", strings.ToLower(string(t.Status)), t.Attempts)))
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, e := range s.Errors {
			line := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
			if e.TaskID != "" {
				line = fmt.Sprintf("[%s] task %s: %s", e.Kind, shortID(e.TaskID), e.Message)
			}
			if e.Recovered {
				fmt.Fprintf(w, "  %s\n", dimText(line))
			} else {
				fmt.Fprintf(w, "  %s %s\n", failMark, line)
			}
		}
	}

	if r := s.Report; r != nil {
		doc := r.CitedDocument
		if doc == "" {
			doc = r.Document
		}
		fmt.Fprintf(w, "\n%s\n", doc)
		if len(r.Bibliography) > 0 {
			fmt.Fprintln(w, "\nSources:")
			for i, src := range r.Bibliography {
				title := src.Title
				if title == "" {
					title = src.URL
				}
				fmt.Fprintf(w, "  [%d] %s %s\n", i+1, title, dimText(src.URL))
			}
		}
		if len(r.Uncited) > 0 {
			fmt.Fprintf(w, "\n%s %d sentence(s) have no supporting source.\n", color.YellowString("!"), len(r.Uncited))
		}
	}

	if m := s.Metadata; m != nil {
		fmt.Fprintf(w, "\n%s\n", dimText(fmt.Sprintf("%d tasks, %d sources, %.1fs", m.TaskCount, m.SourceCount, m.DurationSeconds)))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
