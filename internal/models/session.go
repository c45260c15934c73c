package models

// TaskByID returns the task with the given id, or nil.
func (s *Session) TaskByID(id string) *Task {
	for _, t := range s.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// CountByStatus tallies tasks per status.
func (s *Session) CountByStatus() map[TaskStatus]int {
	counts := make(map[TaskStatus]int)
	for _, t := range s.Tasks {
		counts[t.Status]++
	}
	return counts
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Tasks = make([]*Task, len(s.Tasks))
	for i, t := range s.Tasks {
		c.Tasks[i] = t.Clone()
	}
	c.Groups = make([][]string, len(s.Groups))
	for i, g := range s.Groups {
		c.Groups[i] = append([]string(nil), g...)
	}
	c.Findings = cloneFindings(s.Findings)
	c.Errors = append([]ErrorEntry(nil), s.Errors...)
	if s.Report != nil {
		r := *s.Report
		r.Citations = make([]Citation, len(s.Report.Citations))
		for i, cit := range s.Report.Citations {
			cit.Sources = append([]Source(nil), cit.Sources...)
			r.Citations[i] = cit
		}
		r.Bibliography = append([]Source(nil), s.Report.Bibliography...)
		r.Uncited = append([]string(nil), s.Report.Uncited...)
		c.Report = &r
	}
	if s.Metadata != nil {
		m := *s.Metadata
		c.Metadata = &m
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Result != nil {
		r := *t.Result
		r.Findings = cloneFindings(t.Result.Findings)
		r.Sources = append([]Source(nil), t.Result.Sources...)
		r.FollowUps = append([]string(nil), t.Result.FollowUps...)
		c.Result = &r
	}
	return &c
}

func cloneFindings(in []Finding) []Finding {
	if in == nil {
		return nil
	}
	out := make([]Finding, len(in))
	for i, f := range in {
		f.Corroborating = append([]string(nil), f.Corroborating...)
		out[i] = f
	}
	return out
}
