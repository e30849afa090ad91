package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pinchwork/pinchwork/internal/domain"
	"github.com/pinchwork/pinchwork/internal/domain/agent"
	"github.com/pinchwork/pinchwork/internal/domain/task"
)

func TestPickupSystemTasksFirst(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-infra", AcceptsSystemTasks: true})
	svc, _, _ := newTestTaskService(store)

	// An older broadcast task that phase order must NOT return first.
	plain := &task.Task{
		ID: "tk-plain", PosterID: "ag-1", Need: "ordinary work", MaxCredits: 10,
		Status: task.StatusPosted, MaxRejections: 3,
		ReviewWindowSec: 1800, DeliveryWindowSec: 600,
		MatchStatus: task.MatchBroadcast, VerificationStatus: task.VerifyNone,
	}
	if err := store.CreateTask(context.Background(), plain, true); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	// Creating with an infra agent online spawns a system match sub-task,
	// which outranks the broadcast pool.
	parent := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "matched work", MaxCredits: 10})
	subs := store.tasksOfType(task.SystemMatch)
	if len(subs) == 0 {
		t.Fatal("expected a spawned match sub-task")
	}

	got, err := svc.Pickup(context.Background(), "ag-infra", task.PickupFilter{})
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if !got.System || got.SystemTaskType != task.SystemMatch {
		t.Fatalf("expected the system match sub-task, got %q (system=%v)", got.ID, got.System)
	}
	if got.ParentTaskID != parent.ID {
		t.Fatalf("expected sub-task of %s, got parent %q", parent.ID, got.ParentTaskID)
	}
}

func TestPickupMatchedBeforeBroadcast(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2", Tags: []string{"go"}})
	svc, _, _ := newTestTaskService(store)

	// Older broadcast task, then a younger one matched to the agent.
	older := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "untagged work", MaxCredits: 10})
	matched := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "tagged work", MaxCredits: 10, Tags: []string{"go"}})

	got, err := svc.Pickup(context.Background(), "ag-2", task.PickupFilter{})
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if got.ID != matched.ID {
		t.Fatalf("expected matched task %s before broadcast %s, got %s", matched.ID, older.ID, got.ID)
	}
}

func TestPickupBroadcastFIFO(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	svc, _, _ := newTestTaskService(store)

	first := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "first", MaxCredits: 10})
	mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "second", MaxCredits: 10})

	got, err := svc.Pickup(context.Background(), "ag-2", task.PickupFilter{})
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected oldest broadcast task first, got %s", got.ID)
	}
	if got.Status != task.StatusClaimed || got.WorkerID != "ag-2" {
		t.Fatalf("expected claimed by ag-2, got %q/%q", got.Status, got.WorkerID)
	}
	if got.DeliveryDeadline == nil {
		t.Fatal("expected a delivery deadline")
	}
}

func TestPickupPendingElapsedOpensToBroadcast(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	svc, _, _ := newTestTaskService(store)

	past := time.Now().Add(-time.Minute)
	pending := &task.Task{
		ID: "tk-stalled", PosterID: "ag-1", Need: "stalled work", MaxCredits: 10,
		Status: task.StatusPosted, MaxRejections: 3,
		ReviewWindowSec: 1800, DeliveryWindowSec: 600,
		MatchStatus: task.MatchPending, VerificationStatus: task.VerifyNone,
		MatchDeadline: &past,
	}
	if err := store.CreateTask(context.Background(), pending, true); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	got, err := svc.Pickup(context.Background(), "ag-2", task.PickupFilter{})
	if err != nil {
		t.Fatalf("pickup: %v", err)
	}
	if got.ID != "tk-stalled" {
		t.Fatalf("expected the stalled task, got %s", got.ID)
	}
}

func TestPickupRefusesPoster(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	svc, _, _ := newTestTaskService(store)

	mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "own work", MaxCredits: 10})

	_, err := svc.Pickup(context.Background(), "ag-1", task.PickupFilter{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for poster, got %v", err)
	}
}

func TestPickupPlatformRefused(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-platform", Platform: true, Balance: 1})
	svc, _, _ := newTestTaskService(store)

	_, err := svc.Pickup(context.Background(), "ag-platform", task.PickupFilter{})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPickupSuspended(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1", Suspended: true})
	svc, _, _ := newTestTaskService(store)

	_, err := svc.Pickup(context.Background(), "ag-1", task.PickupFilter{})
	if !errors.Is(err, domain.ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
}

func TestPickupCooldown(t *testing.T) {
	store := newMockStore()
	recent := time.Now().Add(-time.Minute)
	addAgent(t, store, &agent.Agent{ID: "ag-1", Abandons: 5, LastAbandonAt: &recent})
	svc, _, _ := newTestTaskService(store)

	_, err := svc.Pickup(context.Background(), "ag-1", task.PickupFilter{})
	if !errors.Is(err, domain.ErrCooldown) {
		t.Fatalf("expected ErrCooldown, got %v", err)
	}
}

func TestPickupCooldownExpired(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	old := time.Now().Add(-2 * time.Hour)
	addAgent(t, store, &agent.Agent{ID: "ag-2", Abandons: 5, LastAbandonAt: &old})
	svc, _, _ := newTestTaskService(store)

	mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "work", MaxCredits: 10})

	if _, err := svc.Pickup(context.Background(), "ag-2", task.PickupFilter{}); err != nil {
		t.Fatalf("expected pickup after cooldown elapsed, got %v", err)
	}
}

func TestPickupFamilyConflict(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	svc, _, _ := newTestTaskService(store)

	parent := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "parent work", MaxCredits: 10})

	// ag-2 served a system sub-task in the parent's family.
	sub := &task.Task{
		ID: "tk-sub", PosterID: "ag-platform", Need: "rank candidates", MaxCredits: 3,
		Status: task.StatusApproved, System: true, ParentTaskID: parent.ID,
		SystemTaskType: task.SystemMatch, WorkerID: "ag-2",
		MatchStatus: task.MatchNone, VerificationStatus: task.VerifyNone,
	}
	if err := store.CreateTask(context.Background(), sub, false); err != nil {
		t.Fatalf("seed sub-task: %v", err)
	}

	_, err := svc.Pickup(context.Background(), "ag-2", task.PickupFilter{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected family conflict to hide the parent, got %v", err)
	}
}

func TestPickupSpecificClaims(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	svc, _, _ := newTestTaskService(store)

	// Two open tasks; the agent names the younger one directly.
	mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "first", MaxCredits: 10})
	second := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "second", MaxCredits: 10})

	got, err := svc.PickupSpecific(context.Background(), "ag-2", second.ID)
	if err != nil {
		t.Fatalf("pickup specific: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected %s, got %s", second.ID, got.ID)
	}
	if got.Status != task.StatusClaimed || got.WorkerID != "ag-2" {
		t.Fatalf("expected claimed by ag-2, got %q/%q", got.Status, got.WorkerID)
	}
	if got.DeliveryDeadline == nil {
		t.Fatal("expected a delivery deadline")
	}
}

func TestPickupSpecificRefusesPoster(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	svc, _, _ := newTestTaskService(store)

	created := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "own work", MaxCredits: 10})

	_, err := svc.PickupSpecific(context.Background(), "ag-1", created.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for poster, got %v", err)
	}
}

func TestPickupSpecificFamilyConflict(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	svc, _, _ := newTestTaskService(store)

	parent := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "parent work", MaxCredits: 10})

	sub := &task.Task{
		ID: "tk-sub", PosterID: "ag-platform", Need: "rank candidates", MaxCredits: 3,
		Status: task.StatusApproved, System: true, ParentTaskID: parent.ID,
		SystemTaskType: task.SystemMatch, WorkerID: "ag-2",
		MatchStatus: task.MatchNone, VerificationStatus: task.VerifyNone,
	}
	if err := store.CreateTask(context.Background(), sub, false); err != nil {
		t.Fatalf("seed sub-task: %v", err)
	}

	_, err := svc.PickupSpecific(context.Background(), "ag-2", parent.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for family conflict, got %v", err)
	}
}

func TestPickupSpecificSystemTaskNeedsInfraAgent(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	addAgent(t, store, &agent.Agent{ID: "ag-infra", AcceptsSystemTasks: true})
	svc, _, _ := newTestTaskService(store)

	mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "matched work", MaxCredits: 10})
	subs := store.tasksOfType(task.SystemMatch)
	if len(subs) == 0 {
		t.Fatal("expected a spawned match sub-task")
	}

	_, err := svc.PickupSpecific(context.Background(), "ag-2", subs[0].ID)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-infra agent, got %v", err)
	}

	if _, err := svc.PickupSpecific(context.Background(), "ag-infra", subs[0].ID); err != nil {
		t.Fatalf("expected infra agent to claim the sub-task, got %v", err)
	}
}

func TestPickupSpecificAlreadyClaimed(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	addAgent(t, store, &agent.Agent{ID: "ag-3"})
	svc, _, _ := newTestTaskService(store)

	created := mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "work", MaxCredits: 10})
	mustClaim(t, store, created.ID, "ag-2")

	_, err := svc.PickupSpecific(context.Background(), "ag-3", created.ID)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for claimed task, got %v", err)
	}
}

func TestPickupNoCandidates(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	svc, _, _ := newTestTaskService(store)

	_, err := svc.Pickup(context.Background(), "ag-1", task.PickupFilter{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAvailableFilters(t *testing.T) {
	store := newMockStore()
	addAgent(t, store, &agent.Agent{ID: "ag-1"})
	addAgent(t, store, &agent.Agent{ID: "ag-2"})
	svc, _, _ := newTestTaskService(store)

	mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "translate a contract", MaxCredits: 10})
	mustCreate(t, svc, "ag-1", &task.CreateRequest{Need: "summarize a paper", MaxCredits: 10})

	all, err := svc.ListAvailable(context.Background(), "ag-2", task.PickupFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 available, got %d", len(all))
	}

	filtered, err := svc.ListAvailable(context.Background(), "ag-2", task.PickupFilter{Query: "translate"}, 0, 0)
	if err != nil {
		t.Fatalf("list available query: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Need != "translate a contract" {
		t.Fatalf("expected the translate task only, got %d", len(filtered))
	}
}
