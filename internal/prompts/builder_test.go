// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTaskBuilder(t *testing.T) {
	builder := NewTaskBuilder("42", "Fix login redirect")

	assert.NotNil(t, builder)
	assert.Equal(t, "42", builder.taskRef)
	assert.Equal(t, "Fix login redirect", builder.title)
	assert.Empty(t, builder.context)
}

func TestTaskBuilder_Build(t *testing.T) {
	prompt := NewTaskBuilder("42", "Fix login redirect").
		WithDescription("  Users land on /404 after login.  ").
		WithLabels("bug", "auth").
		WithBranch("arena/task-42-deadbeef-1").
		WithAttempt(1, 3).
		Build()

	assert.Contains(t, prompt, "# Task")
	assert.Contains(t, prompt, "**Task:** #42 Fix login redirect")
	assert.Contains(t, prompt, "**Labels:** bug, auth")
	assert.Contains(t, prompt, "`arena/task-42-deadbeef-1`")
	assert.Contains(t, prompt, "Users land on /404 after login.\n\n")
	assert.Contains(t, prompt, "Do not commit")
	assert.Contains(t, prompt, "attempt 2 of 3")
}

func TestTaskBuilder_Build_Minimal(t *testing.T) {
	prompt := NewTaskBuilder("", "Tidy README").Build()

	assert.Contains(t, prompt, "**Task:** Tidy README")
	assert.Contains(t, prompt, "work from the title")
	assert.NotContains(t, prompt, "**Labels:**")
	assert.NotContains(t, prompt, "**Branch:**")
	assert.NotContains(t, prompt, "## Context")
	assert.NotContains(t, prompt, "in parallel")
}

func TestTaskBuilder_ContextIsSorted(t *testing.T) {
	prompt := NewTaskBuilder("1", "t").
		WithContext("Zeta", "last").
		WithContext("Alpha", "first").
		String()

	assert.Contains(t, prompt, "## Context")
	assert.Less(t, strings.Index(prompt, "### Alpha"), strings.Index(prompt, "### Zeta"))
}
