package reconcile

import (
	"context"
	"testing"

	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/planfix"
)

func TestOpenSupportTask(t *testing.T) {
	h := newHarness()

	taskID, err := h.poller.OpenSupportTask(context.Background(), 7, 55, "printer is down", "third floor")
	if err != nil {
		t.Fatalf("OpenSupportTask: %v", err)
	}
	if taskID == 0 {
		t.Fatal("no task id returned")
	}

	link, err := h.store.TaskLinkByID(context.Background(), taskID)
	if err != nil {
		t.Fatalf("TaskLinkByID: %v", err)
	}
	if link.ChatID != 7 || link.UserID != 55 || link.Kind != persistence.KindSupport {
		t.Fatalf("link = %+v", link)
	}
	if !h.tracker.IsTracked(taskID) {
		t.Fatal("opened task not tracked")
	}
	if len(h.store.audits) != 1 || h.store.audits[0] != persistence.AuditTaskCreated {
		t.Fatalf("audits = %v", h.store.audits)
	}

	// The creator's task is already tracked, so discovery never
	// re-announces it.
	h.client.mu.Lock()
	h.client.byStatus = []planfix.Task{h.client.tasks[taskID]}
	h.client.mu.Unlock()
	h.poller.RunCycle(context.Background())
	if len(h.dispatcher.byKind("created")) != 0 {
		t.Fatal("own task was announced by discovery")
	}
}

func TestRelayUserCommentNotEchoed(t *testing.T) {
	h := newHarness()
	_ = h.store.LinkTask(context.Background(), persistence.TaskLink{
		TaskID: 100, ChatID: 7, Kind: persistence.KindSupport, State: persistence.StateActive,
	})
	h.client.tasks[100] = planfix.Task{ID: 100, Status: planfix.TaskStatusRef{ID: 2}}

	// Seed baselines.
	h.poller.RunCycle(context.Background())

	if err := h.poller.RelayUserComment(context.Background(), 100, "any update?"); err != nil {
		t.Fatalf("RelayUserComment: %v", err)
	}
	h.poller.RunCycle(context.Background())
	if n := h.dispatcher.byKind("comment"); len(n) != 0 {
		t.Fatalf("own comment echoed back: %+v", n)
	}

	// A support reply after it still comes through.
	h.client.mu.Lock()
	h.client.comments[100] = append(h.client.comments[100], planfix.Comment{
		ID: 50, Description: "fixed", Owner: planfix.Person{Name: "Ivan"},
	})
	h.client.mu.Unlock()
	h.poller.RunCycle(context.Background())
	delivered := h.dispatcher.byKind("comment")
	if len(delivered) != 1 || delivered[0].text != "fixed" {
		t.Fatalf("delivered = %+v", delivered)
	}
}

func TestConfirmCompletion(t *testing.T) {
	h := newHarness()
	_ = h.store.LinkTask(context.Background(), persistence.TaskLink{
		TaskID: 100, ChatID: 7, Kind: persistence.KindSupport, State: persistence.StateActive,
	})
	h.client.tasks[100] = planfix.Task{ID: 100, Status: planfix.TaskStatusRef{ID: 2}}
	h.poller.RunCycle(context.Background())

	if err := h.poller.ConfirmCompletion(context.Background(), 100); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	h.poller.RunCycle(context.Background())

	if len(h.dispatcher.byKind("status")) != 1 {
		t.Fatalf("status notifications = %d, want 1", len(h.dispatcher.byKind("status")))
	}
	link, _ := h.store.TaskLinkByID(context.Background(), 100)
	if link.State != persistence.StateClosed {
		t.Fatalf("link state = %q, want closed", link.State)
	}
}
