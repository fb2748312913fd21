// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package opencode

import (
	"maps"
	"slices"
	"time"
)

// Activity is what the session is doing right now.
type Activity string

const (
	ActivityInitializing      Activity = "initializing"
	ActivityThinking          Activity = "thinking"
	ActivityToolRunning       Activity = "tool_running"
	ActivityResponding        Activity = "responding"
	ActivityWaitingPermission Activity = "waiting_permission"
	ActivityRetrying          Activity = "retrying"
	ActivityIdle              Activity = "idle"
	ActivityCompleted         Activity = "completed"
)

// DetailedState is the incrementally built progress snapshot of one session.
type DetailedState struct {
	Activity Activity `json:"activity"`
	Phase    string   `json:"phase,omitempty"`
	Port     int      `json:"port,omitempty"`

	Tokens Tokens `json:"tokens"`
	Steps  int    `json:"steps"`

	CurrentTool      string `json:"current_tool,omitempty"`
	CurrentToolTitle string `json:"current_tool_title,omitempty"`

	ModifiedFiles []string `json:"modified_files"`
	LinesAdded    int      `json:"lines_added"`
	LinesDeleted  int      `json:"lines_deleted"`

	Errors    int    `json:"errors"`
	Retries   int    `json:"retries"`
	LastError string `json:"last_error,omitempty"`

	PendingPermission *Permission `json:"pending_permission,omitempty"`
	Todos             []Todo      `json:"todos"`

	Finished   bool      `json:"finished"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewDetailedState returns the state of a session that is just booting.
func NewDetailedState(now time.Time) *DetailedState {
	return &DetailedState{
		Activity:      ActivityInitializing,
		ModifiedFiles: []string{},
		Todos:         []Todo{},
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Apply folds ev into the state and reports whether anything changed.
func (s *DetailedState) Apply(ev Event, now time.Time) bool {
	changed := true

	switch e := ev.(type) {
	case ToolUpdate:
		switch e.Status {
		case ToolPending, ToolRunning:
			s.setActivity(ActivityToolRunning)
			s.CurrentTool = e.Tool
			s.CurrentToolTitle = e.Title
		case ToolCompleted:
			s.setActivity(ActivityResponding)
			s.CurrentTool, s.CurrentToolTitle = "", ""
		case ToolError:
			s.setActivity(ActivityResponding)
			s.CurrentTool, s.CurrentToolTitle = "", ""
			s.Errors++
			s.LastError = e.Error
			if s.LastError == "" {
				s.LastError = e.Tool + " failed"
			}
		default:
			changed = false
		}
	case ReasoningPart:
		s.setActivity(ActivityThinking)
	case TextPart:
		s.setActivity(ActivityResponding)
	case StepFinish:
		s.Steps++
		s.Tokens.Input += e.Tokens.Input
		s.Tokens.Output += e.Tokens.Output
		s.Tokens.Reasoning += e.Tokens.Reasoning
	case MessageTokens:
		// Per-category high-water mark against the session counters, not
		// per message: a later message with smaller totals adds nothing.
		// Step-finish reports carry the additive usage.
		s.Tokens.Input = max(s.Tokens.Input, e.Tokens.Input)
		s.Tokens.Output = max(s.Tokens.Output, e.Tokens.Output)
		s.Tokens.Reasoning = max(s.Tokens.Reasoning, e.Tokens.Reasoning)
	case Retry:
		s.setActivity(ActivityRetrying)
		s.Retries++
		if e.Message != "" {
			s.LastError = e.Message
		}
	case PermissionRequest:
		p := e.Permission
		p.Metadata = maps.Clone(p.Metadata)
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		s.PendingPermission = &p
		s.setActivity(ActivityWaitingPermission)
	case PermissionReply:
		if s.PendingPermission == nil || (e.PermissionID != "" && s.PendingPermission.ID != e.PermissionID) {
			return false
		}
		s.PendingPermission = nil
		s.setActivity(ActivityResponding)
	case FileEdited:
		changed = s.addFile(e.File)
	case DiffSummary:
		added, deleted := 0, 0
		for _, f := range e.Files {
			s.addFile(f.File)
			added += f.Additions
			deleted += f.Deletions
		}
		// Each summary is a full snapshot of the session's changes.
		s.LinesAdded, s.LinesDeleted = added, deleted
	case TodoUpdate:
		s.Todos = slices.Clone(e.Todos)
		if s.Todos == nil {
			s.Todos = []Todo{}
		}
	case SessionIdle:
		s.setActivity(ActivityIdle)
	case SessionBusy:
		s.setActivity(ActivityResponding)
	case SessionError:
		s.Errors++
		s.LastError = e.Message
	default:
		changed = false
	}

	if changed {
		s.UpdatedAt = now
	}
	return changed
}

// Finish marks the session as done. Activity is frozen from here on.
func (s *DetailedState) Finish(now time.Time) {
	if s.Finished {
		return
	}
	s.Activity = ActivityCompleted
	s.Finished = true
	s.FinishedAt = now
	s.UpdatedAt = now
	s.PendingPermission = nil
	s.CurrentTool, s.CurrentToolTitle = "", ""
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *DetailedState) Clone() *DetailedState {
	if s == nil {
		return nil
	}
	c := *s
	c.ModifiedFiles = slices.Clone(s.ModifiedFiles)
	c.Todos = slices.Clone(s.Todos)
	if s.PendingPermission != nil {
		p := *s.PendingPermission
		p.Metadata = maps.Clone(p.Metadata)
		c.PendingPermission = &p
	}
	return &c
}

func (s *DetailedState) setActivity(a Activity) {
	if s.Finished {
		return
	}
	s.Activity = a
}

// addFile inserts path into the sorted file set.
func (s *DetailedState) addFile(path string) bool {
	if path == "" {
		return false
	}
	i, found := slices.BinarySearch(s.ModifiedFiles, path)
	if found {
		return false
	}
	s.ModifiedFiles = slices.Insert(s.ModifiedFiles, i, path)
	return true
}
