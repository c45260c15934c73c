// Package planner decomposes a research query into ordered groups of tasks.
package planner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/fentz26/sift/internal/connectors"
	"github.com/fentz26/sift/internal/failure"
	"github.com/fentz26/sift/internal/models"
	"github.com/google/uuid"
)

const systemPrompt = `You coordinate a team of research agents. Break the research query into
focused, non-overlapping sub-tasks that can each be answered through web research.

GUIDELINES:
- Create %d-%d tasks, or answer directly when the query is simple enough for one agent.
- Put tasks that can run in parallel in the same group.
- A task may depend only on tasks in earlier groups. Refer to them by their
  zero-based position across the whole plan.
- Cover different dimensions: technical, social, economic, historical, and so on.

Reply with JSON:
{"direct": false,
 "rationale": "why this decomposition answers the query",
 "groups": [[{"objective": "...", "depends_on": []}], [{"objective": "...", "depends_on": [0]}]]}`

type planItem struct {
	Objective string `json:"objective"`
	DependsOn []int  `json:"depends_on"`
}

type planReply struct {
	Direct    bool         `json:"direct"`
	Rationale string       `json:"rationale"`
	Groups    [][]planItem `json:"groups"`
}

// Plan is an ordered list of task groups. Groups run in order; tasks
// within a group may run in parallel.
type Plan struct {
	Direct    bool
	Rationale string
	Groups    [][]*models.Task
}

// Tasks returns every task in creation order.
func (p *Plan) Tasks() []*models.Task {
	var out []*models.Task
	for _, g := range p.Groups {
		out = append(out, g...)
	}
	return out
}

// GroupIDs returns the task ids of each group.
func (p *Plan) GroupIDs() [][]string {
	out := make([][]string, len(p.Groups))
	for i, g := range p.Groups {
		for _, t := range g {
			out[i] = append(out[i], t.ID)
		}
	}
	return out
}

// Planner turns queries into plans using the reasoning service.
type Planner struct {
	reasoner connectors.Reasoner
	minTasks int
	maxTasks int
}

// New creates a planner bounded to [minTasks, maxTasks] decomposed tasks.
func New(r connectors.Reasoner, minTasks, maxTasks int) *Planner {
	return &Planner{reasoner: r, minTasks: minTasks, maxTasks: maxTasks}
}

// Plan decomposes query into task groups for the session.
func (p *Planner) Plan(ctx context.Context, sessionID, query string) (*Plan, error) {
	completion, err := p.reasoner.Complete(ctx,
		fmt.Sprintf("Research query: %s\n\nCreate a research plan.", query),
		connectors.Constraints{
			Purpose: connectors.PurposePlan,
			System:  fmt.Sprintf(systemPrompt, p.minTasks, p.maxTasks),
			Format:  connectors.FormatJSON,
		})
	if err != nil {
		return nil, &failure.PlanningError{Reason: "reasoner call failed", Err: err}
	}

	var reply planReply
	if err := completion.Decode(&reply); err != nil {
		return nil, &failure.PlanningError{Reason: "unparseable plan", Err: err}
	}
	return p.build(sessionID, query, reply)
}

func (p *Planner) build(sessionID, query string, reply planReply) (*Plan, error) {
	type flat struct {
		item  planItem
		group int
	}
	var items []flat
	for gi, g := range reply.Groups {
		for _, it := range g {
			items = append(items, flat{item: it, group: gi})
		}
	}
	n := len(items)
	now := time.Now().UTC()

	if reply.Direct || n == 0 {
		task := newTask(sessionID, query, 0, now)
		return &Plan{Direct: true, Rationale: reply.Rationale, Groups: [][]*models.Task{{task}}}, nil
	}

	if n < p.minTasks {
		return nil, &failure.PlanningError{Reason: fmt.Sprintf("plan has %d tasks, minimum is %d", n, p.minTasks)}
	}
	kept := n
	if n > p.maxTasks {
		log.Printf("Plan for session %s has %d tasks, trimming to %d", sessionID, n, p.maxTasks)
		kept = p.maxTasks
	}

	// Dense group numbering over groups that still hold tasks.
	groupIndex := make(map[int]int)
	for _, f := range items[:kept] {
		if _, ok := groupIndex[f.group]; !ok {
			groupIndex[f.group] = len(groupIndex)
		}
	}

	tasks := make([]*models.Task, kept)
	for i, f := range items[:kept] {
		objective := strings.TrimSpace(f.item.Objective)
		if objective == "" {
			return nil, &failure.PlanningError{Reason: fmt.Sprintf("task %d has an empty objective", i)}
		}
		tasks[i] = newTask(sessionID, objective, groupIndex[f.group], now)
	}

	for i, f := range items[:kept] {
		seen := make(map[int]bool)
		for _, d := range f.item.DependsOn {
			if d < 0 || d >= n {
				return nil, &failure.PlanningError{Reason: fmt.Sprintf("task %d depends on unknown task %d", i, d)}
			}
			if items[d].group >= f.group {
				return nil, &failure.PlanningError{Reason: fmt.Sprintf("task %d depends on task %d in the same or a later group", i, d)}
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			tasks[i].DependsOn = append(tasks[i].DependsOn, tasks[d].ID)
		}
	}

	groups := make([][]*models.Task, len(groupIndex))
	for _, t := range tasks {
		groups[t.Group] = append(groups[t.Group], t)
	}
	for gi, g := range groups {
		seen := make(map[string]bool)
		for _, t := range g {
			key := normalize(t.Objective)
			if seen[key] {
				return nil, &failure.PlanningError{Reason: fmt.Sprintf("duplicate objective in group %d: %q", gi, t.Objective)}
			}
			seen[key] = true
		}
	}

	return &Plan{Rationale: reply.Rationale, Groups: groups}, nil
}

func newTask(sessionID, objective string, group int, now time.Time) *models.Task {
	return &models.Task{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Objective: objective,
		Group:     group,
		Status:    models.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// normalize lowercases and collapses whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
