package channels

import (
	"strings"
	"testing"
	"time"

	"github.com/basket/tasklink/internal/store"
	"github.com/basket/tasklink/internal/syncer"
)

func TestParseTaskArgs(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		wantType store.TaskType
		wantT    string
		wantD    string
		wantP    string
		wantErr  bool
	}{
		{"plain title", "printer is down", store.TaskTypeConsultation, "printer is down", "", "", false},
		{"typed bug", "bug export crashes - happens on big files", store.TaskTypeBug, "export crashes", "happens on big files", "", false},
		{"requirement alias", "req dark mode", store.TaskTypeRequirement, "dark mode", "", "", false},
		{"consult alias", "consult invoice question", store.TaskTypeConsultation, "invoice question", "", "", false},
		{"title containing keyword word", "bugfix release notes", store.TaskTypeConsultation, "bugfix release notes", "", "", false},
		{"project tag", "bug export crashes #billing", store.TaskTypeBug, "export crashes", "", "billing", false},
		{"project tag mid-title", "printer #office is down - third floor", store.TaskTypeConsultation, "printer is down", "third floor", "office", false},
		{"second tag kept literal", "deploy #infra docs #infra", store.TaskTypeConsultation, "deploy docs #infra", "", "infra", false},
		{"empty", "", "", "", "", "", true},
		{"type without title", "bug", "", "", "", "", true},
		{"dash only", "bug  - no title here", "", "", "", "", true},
		{"project without title", "#billing", "", "", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			typ, title, desc, project, err := ParseTaskArgs(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseTaskArgs(%q) = (%q, %q, %q, %q), want error", tc.in, typ, title, desc, project)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTaskArgs(%q): %v", tc.in, err)
			}
			if typ != tc.wantType || title != tc.wantT || desc != tc.wantD || project != tc.wantP {
				t.Errorf("got (%q, %q, %q, %q), want (%q, %q, %q, %q)",
					typ, title, desc, project, tc.wantType, tc.wantT, tc.wantD, tc.wantP)
			}
		})
	}
}

func TestTaskPriority(t *testing.T) {
	if TaskPriority(store.TaskTypeBug) != 3 {
		t.Error("bug should be high priority")
	}
	if TaskPriority(store.TaskTypeRequirement) != 1 {
		t.Error("requirement should be low priority")
	}
	if TaskPriority(store.TaskTypeConsultation) != 2 {
		t.Error("consultation should be normal priority")
	}
}

func TestFormatTaskList(t *testing.T) {
	if got := FormatTaskList("Your tasks", nil); got != "Your tasks: none." {
		t.Errorf("empty list = %q", got)
	}

	trackerID := int64(900)
	tasks := []store.Task{
		{ID: 1, Title: "a", Status: store.TaskStatusNew},
		{ID: 2, Title: "b", Status: store.TaskStatusInProgress, TrackerTaskID: &trackerID},
		{ID: 3, Title: "c", Status: store.TaskStatusNew, Project: "billing"},
	}
	got := FormatTaskList("Your tasks", tasks)
	if !strings.Contains(got, "#1 [new] a") {
		t.Errorf("missing first task line: %q", got)
	}
	if !strings.Contains(got, "#2 [in progress] b (tracker #900)") {
		t.Errorf("missing mirrored annotation: %q", got)
	}
	if !strings.Contains(got, "#3 [new] c #billing") {
		t.Errorf("missing project annotation: %q", got)
	}
}

func TestFormatProjects(t *testing.T) {
	if got := FormatProjects(nil); !strings.Contains(got, "No projects") {
		t.Errorf("empty = %q", got)
	}
	got := FormatProjects([]store.ProjectCount{
		{Project: "billing", Open: 2, Total: 5},
		{Project: "office", Open: 0, Total: 1},
	})
	if !strings.Contains(got, "#billing: 2 open, 5 total") {
		t.Errorf("missing billing line: %q", got)
	}
	if !strings.Contains(got, "#office: 0 open, 1 total") {
		t.Errorf("missing office line: %q", got)
	}
}

func TestFormatCycleResult(t *testing.T) {
	got := FormatCycleResult(syncer.CycleResult{
		TasksChecked: 4, StatusChanges: 2, Deletions: 1, Skipped: 1,
		Duration: 1500 * time.Millisecond,
	})
	want := "Sync complete: 4 checked, 2 status changes, 1 deletions, 1 skipped (1.5s)."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestFormatStats(t *testing.T) {
	got := FormatStats(store.TaskStats{Total: 3, New: 1, Completed: 2, Mirrored: 2})
	for _, want := range []string{"Tasks: 3 total", "new: 1", "completed: 2", "mirrored: 2"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
}

func TestFormatEmployees(t *testing.T) {
	if got := FormatEmployees(nil); !strings.Contains(got, "No employee mappings") {
		t.Errorf("empty = %q", got)
	}
	got := FormatEmployees([]store.ChatEmployee{
		{TrackerUserID: 7, TelegramUserID: "3001"},
		{TrackerUserID: 9, TelegramUserID: "pending_9"},
	})
	if !strings.Contains(got, "tracker 7 -> telegram 3001") {
		t.Errorf("missing mapping line: %q", got)
	}
	if !strings.Contains(got, "pending_9 (pending)") {
		t.Errorf("missing pending marker: %q", got)
	}
}

func TestUsageTextRoleGated(t *testing.T) {
	client := usageText(false)
	admin := usageText(true)
	if strings.Contains(client, "/sync") {
		t.Error("client usage leaks admin commands")
	}
	if !strings.Contains(client, "/projects") {
		t.Error("client usage missing /projects")
	}
	if !strings.Contains(admin, "/sync") || !strings.Contains(admin, "/employee") {
		t.Error("admin usage missing admin commands")
	}
}
