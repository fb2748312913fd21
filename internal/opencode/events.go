// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package opencode models the event feed of an opencode server as a closed
// set of typed events and folds them into a per-session DetailedState.
package opencode

import (
	"time"

	"github.com/tidwall/gjson"
)

// Wire names of the event types published on the server's /event feed.
const (
	wirePartUpdated       = "message.part.updated"
	wireMessageUpdated    = "message.updated"
	wireSessionStatus     = "session.status"
	wireSessionIdle       = "session.idle"
	wireSessionError      = "session.error"
	wirePermissionUpdated = "permission.updated"
	wirePermissionReplied = "permission.replied"
	wireFileEdited        = "file.edited"
	wireSessionDiff       = "session.diff"
	wireTodoUpdated       = "todo.updated"
)

// Event is one decoded feed event. The set of implementations is closed;
// anything the decoder does not recognise becomes Unknown.
type Event interface {
	// Session returns the id of the session the event belongs to, or "" when
	// the event carries none.
	Session() string
	isEvent()
}

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Tokens counts model tokens per category.
type Tokens struct {
	Input     int64 `json:"input"`
	Output    int64 `json:"output"`
	Reasoning int64 `json:"reasoning"`
}

// Permission is a request from the session to perform a guarded action.
type Permission struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Pattern   string            `json:"pattern,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// FileDiff is one entry of a diff summary.
type FileDiff struct {
	File      string `json:"file"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// Todo is one item of the session's todo list.
type Todo struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

type sessionRef struct{ SessionID string }

func (s sessionRef) Session() string { return s.SessionID }
func (sessionRef) isEvent()          {}

// ToolUpdate reports a state change of a tool invocation.
type ToolUpdate struct {
	sessionRef
	Tool   string
	Title  string
	Status ToolStatus
	Error  string
}

// ReasoningPart reports that the model is reasoning.
type ReasoningPart struct{ sessionRef }

// TextPart reports that the model is writing its answer.
type TextPart struct{ sessionRef }

// StepFinish closes one model step; Tokens are the step's own usage.
type StepFinish struct {
	sessionRef
	Tokens Tokens
}

// MessageTokens is a whole-message usage report. The same message may be
// reported several times with growing totals. Reports are not keyed by
// message: the reducer folds them into session-wide per-category maxima.
type MessageTokens struct {
	sessionRef
	Tokens Tokens
}

// Retry reports that the session is retrying a failed model call.
type Retry struct {
	sessionRef
	Attempt int
	Message string
}

// SessionBusy reports that the session is working.
type SessionBusy struct{ sessionRef }

// SessionIdle reports that the session has nothing left to do.
type SessionIdle struct{ sessionRef }

// SessionError reports a session-level failure.
type SessionError struct {
	sessionRef
	Message string
}

// PermissionRequest asks for a decision before the session proceeds.
type PermissionRequest struct {
	sessionRef
	Permission Permission
}

// PermissionReply reports that a permission request was answered.
type PermissionReply struct {
	sessionRef
	PermissionID string
	Response     string
}

// FileEdited reports one file written by the session.
type FileEdited struct {
	sessionRef
	File string
}

// DiffSummary is a full snapshot of the session's changes so far.
type DiffSummary struct {
	sessionRef
	Files []FileDiff
}

// TodoUpdate carries the session's complete todo list.
type TodoUpdate struct {
	sessionRef
	Todos []Todo
}

// Unknown is any event the decoder does not model.
type Unknown struct {
	sessionRef
	Type string
	Raw  []byte
}

// Decode turns one raw feed event into a typed Event. It never fails:
// malformed or unrecognised input yields Unknown.
func Decode(raw []byte) Event {
	if !gjson.ValidBytes(raw) {
		return Unknown{Raw: raw}
	}

	root := gjson.ParseBytes(raw)
	typ := root.Get("type").String()
	props := root.Get("properties")
	ref := sessionRef{SessionID: sessionIDOf(props)}

	switch typ {
	case wirePartUpdated:
		if ev := decodePart(ref, props.Get("part")); ev != nil {
			return ev
		}
	case wireMessageUpdated:
		info := props.Get("info")
		if tokens := info.Get("tokens"); tokens.Exists() {
			return MessageTokens{sessionRef: ref, Tokens: tokensOf(tokens)}
		}
	case wireSessionStatus:
		status := props.Get("status")
		switch status.Get("type").String() {
		case "idle":
			return SessionIdle{ref}
		case "busy":
			return SessionBusy{ref}
		case "retry":
			return Retry{sessionRef: ref, Attempt: int(status.Get("attempt").Int()), Message: status.Get("message").String()}
		}
	case wireSessionIdle:
		return SessionIdle{ref}
	case wireSessionError:
		msg := props.Get("error.data.message").String()
		if msg == "" {
			msg = props.Get("error.name").String()
		}
		if msg == "" {
			msg = "session error"
		}
		return SessionError{sessionRef: ref, Message: msg}
	case wirePermissionUpdated:
		return PermissionRequest{sessionRef: ref, Permission: permissionOf(props)}
	case wirePermissionReplied:
		return PermissionReply{
			sessionRef:   ref,
			PermissionID: props.Get("permissionID").String(),
			Response:     props.Get("response").String(),
		}
	case wireFileEdited:
		if file := props.Get("file").String(); file != "" {
			return FileEdited{sessionRef: ref, File: file}
		}
	case wireSessionDiff:
		var files []FileDiff
		props.Get("diff").ForEach(func(_, d gjson.Result) bool {
			files = append(files, FileDiff{
				File:      d.Get("file").String(),
				Additions: int(d.Get("additions").Int()),
				Deletions: int(d.Get("deletions").Int()),
			})
			return true
		})
		return DiffSummary{sessionRef: ref, Files: files}
	case wireTodoUpdated:
		todos := []Todo{}
		props.Get("todos").ForEach(func(_, t gjson.Result) bool {
			todos = append(todos, Todo{
				ID:       t.Get("id").String(),
				Content:  t.Get("content").String(),
				Status:   t.Get("status").String(),
				Priority: t.Get("priority").String(),
			})
			return true
		})
		return TodoUpdate{sessionRef: ref, Todos: todos}
	}

	return Unknown{sessionRef: ref, Type: typ, Raw: raw}
}

func decodePart(ref sessionRef, part gjson.Result) Event {
	switch part.Get("type").String() {
	case "tool":
		state := part.Get("state")
		return ToolUpdate{
			sessionRef: ref,
			Tool:       part.Get("tool").String(),
			Title:      state.Get("title").String(),
			Status:     ToolStatus(state.Get("status").String()),
			Error:      state.Get("error").String(),
		}
	case "reasoning":
		return ReasoningPart{ref}
	case "text":
		return TextPart{ref}
	case "step-finish":
		return StepFinish{sessionRef: ref, Tokens: tokensOf(part.Get("tokens"))}
	case "retry":
		return Retry{
			sessionRef: ref,
			Attempt:    int(part.Get("attempt").Int()),
			Message:    part.Get("error.data.message").String(),
		}
	}
	return nil
}

// sessionIDOf finds the session id at the top of the payload or one level
// down inside the part or message info.
func sessionIDOf(props gjson.Result) string {
	for _, path := range []string{"sessionID", "part.sessionID", "info.sessionID"} {
		if id := props.Get(path).String(); id != "" {
			return id
		}
	}
	return ""
}

func tokensOf(t gjson.Result) Tokens {
	return Tokens{
		Input:     t.Get("input").Int(),
		Output:    t.Get("output").Int(),
		Reasoning: t.Get("reasoning").Int(),
	}
}

func permissionOf(props gjson.Result) Permission {
	p := Permission{
		ID:    props.Get("id").String(),
		Kind:  props.Get("type").String(),
		Title: props.Get("title").String(),
	}
	if pattern := props.Get("pattern"); pattern.IsArray() {
		p.Pattern = pattern.Get("0").String()
	} else {
		p.Pattern = pattern.String()
	}
	if meta := props.Get("metadata"); meta.IsObject() {
		p.Metadata = make(map[string]string)
		meta.ForEach(func(k, v gjson.Result) bool {
			p.Metadata[k.String()] = v.String()
			return true
		})
	}
	if ms := props.Get("time.created").Int(); ms > 0 {
		p.CreatedAt = time.UnixMilli(ms)
	}
	return p
}

// BelongsTo reports whether ev should be applied to the session with the
// given id. Events without a session id are accepted: every server hosts
// exactly one session.
func BelongsTo(ev Event, sessionID string) bool {
	id := ev.Session()
	return id == "" || id == sessionID
}
