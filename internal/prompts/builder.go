// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package prompts builds the instructions sent to each competing session.
package prompts

import (
	"fmt"
	"slices"
	"strings"
)

// TaskBuilder constructs the task prompt handed to a coding session
type TaskBuilder struct {
	taskRef     string
	title       string
	description string
	labels      []string
	branch      string
	attempt     int
	attempts    int
	context     map[string]string
}

// NewTaskBuilder creates a new task prompt builder
func NewTaskBuilder(taskRef, title string) *TaskBuilder {
	return &TaskBuilder{
		taskRef: taskRef,
		title:   title,
		context: make(map[string]string),
	}
}

// WithDescription sets the task body
func (b *TaskBuilder) WithDescription(description string) *TaskBuilder {
	b.description = description
	return b
}

// WithLabels sets the tracker labels of the task
func (b *TaskBuilder) WithLabels(labels ...string) *TaskBuilder {
	b.labels = append(b.labels[:0], labels...)
	return b
}

// WithBranch records the branch the workspace is checked out on
func (b *TaskBuilder) WithBranch(branch string) *TaskBuilder {
	b.branch = branch
	return b
}

// WithAttempt records which of how many parallel attempts this prompt is for
func (b *TaskBuilder) WithAttempt(index, total int) *TaskBuilder {
	b.attempt = index
	b.attempts = total
	return b
}

// WithContext adds relevant context information (e.g., related files, architecture notes)
func (b *TaskBuilder) WithContext(key, value string) *TaskBuilder {
	b.context[key] = value
	return b
}

// Build generates the complete prompt string
func (b *TaskBuilder) Build() string {
	var sb strings.Builder

	sb.WriteString("# Task\n\n")
	if b.taskRef != "" {
		fmt.Fprintf(&sb, "**Task:** #%s %s\n", b.taskRef, b.title)
	} else {
		fmt.Fprintf(&sb, "**Task:** %s\n", b.title)
	}
	if len(b.labels) > 0 {
		fmt.Fprintf(&sb, "**Labels:** %s\n", strings.Join(b.labels, ", "))
	}
	if b.branch != "" {
		fmt.Fprintf(&sb, "**Branch:** `%s`\n", b.branch)
	}
	sb.WriteString("\n")

	sb.WriteString("## Description\n\n")
	if strings.TrimSpace(b.description) == "" {
		sb.WriteString("No further description was given; work from the title.\n\n")
	} else {
		sb.WriteString(strings.TrimSpace(b.description))
		sb.WriteString("\n\n")
	}

	if len(b.context) > 0 {
		sb.WriteString("## Context\n\n")
		keys := make([]string, 0, len(b.context))
		for k := range b.context {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "### %s\n\n%s\n\n", k, b.context[k])
		}
	}

	sb.WriteString(b.buildClosingInstructions())
	return sb.String()
}

// buildClosingInstructions explains how the result will be judged
func (b *TaskBuilder) buildClosingInstructions() string {
	var sb strings.Builder
	sb.WriteString("## Instructions\n\n")
	sb.WriteString("1. **Implement the task** in the current working directory\n")
	sb.WriteString("2. **Run the project's tests** and make sure they pass\n")
	sb.WriteString("3. **Do not commit, push or switch branches**; leave your changes in the working tree\n")
	sb.WriteString("4. **Stop when the task is done**; an attempt that changes no files counts as failed\n")
	if b.attempts > 1 {
		fmt.Fprintf(&sb, "\nThis is attempt %d of %d running in parallel; the first complete solution wins.\n", b.attempt+1, b.attempts)
	}
	return sb.String()
}

// String returns the built prompt
func (b *TaskBuilder) String() string {
	return b.Build()
}
