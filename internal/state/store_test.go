package state

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/ShayCichocki/agora/pkg/models"
)

func TestConversation_SaveAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := models.NewConversation("root-1", "31933:owner:proj", now)
	conv.Title = "Add login"
	conv.Participants = []string{"default", "coder"}
	conv.ActiveSpeakers = []string{"coder"}

	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	got, err := db.GetConversation(ctx, "root-1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetConversation returned nil")
	}
	if got.Phase != models.PhaseChat {
		t.Errorf("Phase = %q, want chat", got.Phase)
	}
	if !reflect.DeepEqual(got.Participants, conv.Participants) {
		t.Errorf("Participants = %v, want %v", got.Participants, conv.Participants)
	}
	if got.BlockedOn != nil {
		t.Errorf("BlockedOn = %v, want nil", got.BlockedOn)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestConversation_GetMissing(t *testing.T) {
	db := setupTestDB(t)
	got, err := db.GetConversation(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing conversation, got %+v", got)
	}
}

func TestConversation_SaveTransitionUpdatesAndAudits(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := models.NewConversation("root-2", "ref", now)
	if err := db.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation failed: %v", err)
	}

	conv.Phase = models.PhasePlan
	conv.UpdatedAt = now.Add(time.Minute)
	tr := models.PhaseTransition{
		ConversationID: conv.ID,
		From:           models.PhaseChat,
		To:             models.PhasePlan,
		Agent:          "default",
		Signal:         models.SignalReadyForTransition,
		At:             conv.UpdatedAt,
	}
	if err := db.SaveTransition(ctx, conv, tr); err != nil {
		t.Fatalf("SaveTransition failed: %v", err)
	}

	got, _ := db.GetConversation(ctx, conv.ID)
	if got.Phase != models.PhasePlan {
		t.Errorf("Phase = %q, want plan", got.Phase)
	}

	transitions, err := db.ListTransitions(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("len(transitions) = %d, want 1", len(transitions))
	}
	if transitions[0].Signal != models.SignalReadyForTransition || transitions[0].Agent != "default" {
		t.Errorf("transition = %+v", transitions[0])
	}
}

func TestConversation_ListByProject(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, ref := range []string{"a", "b", "a"} {
		c := models.NewConversation(string(rune('x'+i)), ref, now.Add(time.Duration(i)*time.Second))
		if err := db.SaveConversation(ctx, c); err != nil {
			t.Fatalf("SaveConversation failed: %v", err)
		}
	}

	got, err := db.ListConversations(ctx, "a")
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "z" {
		t.Errorf("first = %q, want most recently updated", got[0].ID)
	}

	all, _ := db.ListConversations(ctx, "")
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}
}

func TestTask_SaveUpdateGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task := &models.Task{
		ID:             "task-1",
		ConversationID: "root-1",
		AgentName:      "coder",
		Title:          "Implement login",
		Prompt:         "write the login handler",
		Status:         models.TaskStatusRunning,
		CreatedAt:      now,
	}
	if err := db.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask failed: %v", err)
	}

	done := now.Add(time.Minute)
	task.Status = models.TaskStatusSucceeded
	task.Updates = []string{"Using tool Write", "done"}
	task.Result = "done"
	task.Stats = models.TaskStats{CostUSD: 0.01, DurationMs: 1200, TurnCount: 2}
	task.CompletedAt = &done
	if err := db.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask (update) failed: %v", err)
	}

	got, err := db.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusSucceeded {
		t.Errorf("Status = %q, want succeeded", got.Status)
	}
	if got.Stats.CostUSD != 0.01 || got.Stats.TurnCount != 2 {
		t.Errorf("Stats = %+v", got.Stats)
	}
	if len(got.Updates) != 2 {
		t.Errorf("Updates = %v", got.Updates)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
	}

	list, err := db.ListTasksByConversation(ctx, "root-1")
	if err != nil {
		t.Fatalf("ListTasksByConversation failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(list) = %d, want 1", len(list))
	}
}
