// Package mcp exposes research session control as Model Context Protocol tools.
package mcp

import (
	"context"
	"time"

	"github.com/fentz26/sift/internal/controlplane"
	"github.com/fentz26/sift/internal/models"
)

// Control is the session control surface the tools drive.
// *controlplane.Service satisfies it.
type Control interface {
	Start(ctx context.Context, query string, opts *models.Options) (string, error)
	Status(ctx context.Context, id string) (*models.Session, error)
	Cancel(id string) error
	Resume(ctx context.Context, id string) (string, error)
	List(ctx context.Context) ([]controlplane.SessionSummary, error)
	Wait(ctx context.Context, id string) (*models.Session, error)
}

// StatusResult is the research_status payload.
type StatusResult struct {
	ID        string               `json:"id"`
	Query     string               `json:"query"`
	Status    models.SessionStatus `json:"status"`
	Tasks     []TaskStatus         `json:"tasks"`
	Errors    []models.ErrorEntry  `json:"errors,omitempty"`
	Report    string               `json:"report,omitempty"`
	Sources   []models.Source      `json:"sources,omitempty"`
	Uncited   []string             `json:"uncited,omitempty"`
	Metadata  *models.Metadata     `json:"metadata,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// TaskStatus is one task line of a StatusResult.
type TaskStatus struct {
	ID        string            `json:"id"`
	Objective string            `json:"objective"`
	Group     int               `json:"group"`
	Status    models.TaskStatus `json:"status"`
	Attempts  int               `json:"attempts"`
}

func statusResult(s *models.Session) StatusResult {
	out := StatusResult{
		ID:        s.ID,
		Query:     s.Query,
		Status:    s.Status,
		Errors:    s.Errors,
		Metadata:  s.Metadata,
		UpdatedAt: s.UpdatedAt,
	}
	for _, t := range s.Tasks {
		out.Tasks = append(out.Tasks, TaskStatus{
			ID:        t.ID,
			Objective: t.Objective,
			Group:     t.Group,
			Status:    t.Status,
			Attempts:  t.Attempts,
		})
	}
	if r := s.Report; r != nil {
		out.Report = r.CitedDocument
		if out.Report == "" {
			out.Report = r.Document
		}
		out.Sources = r.Bibliography
		out.Uncited = r.Uncited
	}
	return out
}
