package prompts

import (
	"fmt"
	"strings"
	"time"
)

// TaskContext is optional task/project information included in the prompt.
type TaskContext struct {
	TaskID      string
	Title       string
	Description string
	Status      string
	ProjectName string
	Comments    []string
}

// Builder assembles system prompts.
type Builder struct {
	persona  Persona
	timezone string
}

// NewBuilder creates a prompt builder for one agent.
func NewBuilder(persona Persona, timezone string) *Builder {
	if timezone == "" {
		timezone = "UTC"
	}
	return &Builder{persona: persona, timezone: timezone}
}

// Build creates the system prompt in priority order: identity, current
// time, capabilities, then task context.
func (b *Builder) Build(now time.Time, capabilities []string, task *TaskContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, %s.\n", b.persona.Name, b.persona.Role)
	if b.persona.Style != "" {
		fmt.Fprintf(&sb, "Style: %s.\n", b.persona.Style)
	}
	for _, inst := range b.persona.Instructions {
		fmt.Fprintf(&sb, "- %s\n", inst)
	}

	loc, err := time.LoadLocation(b.timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	fmt.Fprintf(&sb, "\nThe user's timezone is %s. The current time is %s.\n",
		b.timezone, local.Format("Monday, 02 January 2006, 15:04"))

	if len(capabilities) > 0 {
		sb.WriteString("\nYou can use these tools in this run:\n")
		for _, name := range capabilities {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
	}

	if task != nil {
		sb.WriteString("\nYou are working on this task:\n")
		fmt.Fprintf(&sb, "Task %s: %s (status: %s)\n", task.TaskID, task.Title, task.Status)
		if task.ProjectName != "" {
			fmt.Fprintf(&sb, "Project: %s\n", task.ProjectName)
		}
		if task.Description != "" {
			fmt.Fprintf(&sb, "Description: %s\n", task.Description)
		}
		if len(task.Comments) > 0 {
			sb.WriteString("Recent notes:\n")
			for _, c := range task.Comments {
				fmt.Fprintf(&sb, "- %s\n", c)
			}
		}
	}

	return strings.TrimSpace(sb.String())
}
