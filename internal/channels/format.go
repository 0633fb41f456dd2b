package channels

import (
	"fmt"
	"strings"

	"github.com/basket/tasklink/internal/store"
	"github.com/basket/tasklink/internal/syncer"
)

// ParseTaskArgs parses the /task arguments. Syntax:
//
//	/task [bug|requirement|consultation] <title> [#project] [- description]
//
// The type keyword is optional and defaults to consultation. A single
// #project token groups the task under that project label.
func ParseTaskArgs(args string) (store.TaskType, string, string, string, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", "", "", "", fmt.Errorf("empty task")
	}

	taskType := store.TaskTypeConsultation
	fields := strings.SplitN(args, " ", 2)
	switch strings.ToLower(fields[0]) {
	case "bug":
		taskType = store.TaskTypeBug
		args = rest(fields)
	case "requirement", "req":
		taskType = store.TaskTypeRequirement
		args = rest(fields)
	case "consultation", "consult":
		taskType = store.TaskTypeConsultation
		args = rest(fields)
	}
	if args == "" {
		return "", "", "", "", fmt.Errorf("missing title")
	}

	if args == "-" || strings.HasPrefix(args, "- ") {
		return "", "", "", "", fmt.Errorf("missing title")
	}

	title, description := args, ""
	if idx := strings.Index(args, " - "); idx >= 0 {
		title = strings.TrimSpace(args[:idx])
		description = strings.TrimSpace(args[idx+3:])
	}

	title, project := extractProject(title)
	if title == "" {
		return "", "", "", "", fmt.Errorf("missing title")
	}
	return taskType, title, description, project, nil
}

// extractProject pulls the first #project token out of the title.
func extractProject(title string) (string, string) {
	words := strings.Fields(title)
	kept := words[:0]
	project := ""
	for _, w := range words {
		if project == "" && len(w) > 1 && strings.HasPrefix(w, "#") {
			project = strings.TrimPrefix(w, "#")
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " "), project
}

func rest(fields []string) string {
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// TaskPriority derives the remote priority from the task type: bugs are
// high, requirements low, consultations normal.
func TaskPriority(t store.TaskType) int {
	switch t {
	case store.TaskTypeBug:
		return 3
	case store.TaskTypeRequirement:
		return 1
	default:
		return 2
	}
}

func statusBadge(s store.TaskStatus) string {
	switch s {
	case store.TaskStatusNew:
		return "[new]"
	case store.TaskStatusInProgress:
		return "[in progress]"
	case store.TaskStatusCompleted:
		return "[done]"
	case store.TaskStatusCancelled:
		return "[cancelled]"
	default:
		return "[" + string(s) + "]"
	}
}

// FormatTaskList renders a task list for chat output.
func FormatTaskList(header string, tasks []store.Task) string {
	if len(tasks) == 0 {
		return header + ": none."
	}
	var b strings.Builder
	b.WriteString(header + ":\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d %s %s", t.ID, statusBadge(t.Status), t.Title)
		if t.Project != "" {
			fmt.Fprintf(&b, " #%s", t.Project)
		}
		if t.Mirrored() {
			fmt.Fprintf(&b, " (tracker #%d)", *t.TrackerTaskID)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatStats renders the aggregate counters.
func FormatStats(s store.TaskStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks: %d total\n", s.Total)
	fmt.Fprintf(&b, "  new: %d\n", s.New)
	fmt.Fprintf(&b, "  in progress: %d\n", s.InProgress)
	fmt.Fprintf(&b, "  completed: %d\n", s.Completed)
	fmt.Fprintf(&b, "  cancelled: %d\n", s.Cancelled)
	fmt.Fprintf(&b, "  mirrored: %d", s.Mirrored)
	return b.String()
}

// FormatCycleResult renders a manual sync outcome.
func FormatCycleResult(r syncer.CycleResult) string {
	return fmt.Sprintf("Sync complete: %d checked, %d status changes, %d deletions, %d skipped (%.1fs).",
		r.TasksChecked, r.StatusChanges, r.Deletions, r.Skipped, r.Duration.Seconds())
}

// FormatProjects renders the per-project counters for a chat.
func FormatProjects(projects []store.ProjectCount) string {
	if len(projects) == 0 {
		return "No projects in this chat. Tag a task with #project to start one."
	}
	var b strings.Builder
	b.WriteString("Projects in this chat:\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "#%s: %d open, %d total\n", p.Project, p.Open, p.Total)
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatEmployees renders the chat's employee mappings.
func FormatEmployees(employees []store.ChatEmployee) string {
	if len(employees) == 0 {
		return "No employee mappings in this chat."
	}
	var b strings.Builder
	b.WriteString("Employee mappings:\n")
	for _, e := range employees {
		fmt.Fprintf(&b, "tracker %d -> telegram %s", e.TrackerUserID, e.TelegramUserID)
		if e.Pending() {
			b.WriteString(" (pending)")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func usageText(isAdmin bool) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString("/task [bug|requirement|consultation] <title> [#project] [- description]\n")
	b.WriteString("/mytasks - your tasks\n")
	b.WriteString("/chat_tasks - open tasks in this chat\n")
	b.WriteString("/projects - project summary for this chat\n")
	b.WriteString("/done <id> - close a task\n")
	if isAdmin {
		b.WriteString("/link <tracker user id> <telegram id>\n")
		b.WriteString("/unlink <telegram id>\n")
		b.WriteString("/sync - run a reconciliation cycle now\n")
		b.WriteString("/refresh - reload the identity cache\n")
		b.WriteString("/role <telegram id> <admin|client>\n")
		b.WriteString("/stats - task counters\n")
		b.WriteString("/employee add|remove|list - chat employee mappings\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
