package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/store"
)

var errDiskFull = errors.New("disk full")

// brokenStore wraps an in-memory store and fails the operations it is told to.
type brokenStore struct {
	*store.InMemoryStore
	failLoad bool
	failSave bool
}

func (b *brokenStore) Load(ctx context.Context, id string) (*models.PersistedMemory, error) {
	if b.failLoad {
		return nil, errDiskFull
	}
	return b.InMemoryStore.Load(ctx, id)
}

func (b *brokenStore) Save(ctx context.Context, id string, mem models.PersistedMemory) error {
	if b.failSave {
		return errDiskFull
	}
	return b.InMemoryStore.Save(ctx, id, mem)
}

func mustTurn(t *testing.T, m *SessionManager, id, input string, opts TurnOptions) *TurnResult {
	t.Helper()
	res, err := m.Turn(context.Background(), id, input, opts)
	if err != nil {
		t.Fatalf("Turn(%q, %q): %v", id, input, err)
	}
	if res.SaveErr != nil {
		t.Fatalf("Turn(%q, %q) save: %v", id, input, res.SaveErr)
	}
	return res
}

func TestSessionManager_RoundTrip(t *testing.T) {
	m := NewMemorySessionManager(newTestEngine(t))

	res := mustTurn(t, m, "jane", "", TurnOptions{})
	if len(res.Replies) != 1 || !strings.Contains(res.Replies[0].Content, "What's your name?") {
		t.Fatalf("expected a single greeting asking for a name, got %+v", res.Replies)
	}

	res = mustTurn(t, m, "jane", "My name is Jane", TurnOptions{})
	if res.State.Identity.DisplayName() != "Jane" {
		t.Fatalf("expected name Jane, got %q", res.State.Identity.DisplayName())
	}
	if len(res.Replies) == 0 || !strings.Contains(res.Replies[len(res.Replies)-1].Content, "Jane") {
		t.Errorf("expected a reply addressed to Jane, got %+v", res.Replies)
	}

	mem, err := m.Get(context.Background(), "jane")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mem.Name == nil || *mem.Name != "Jane" {
		t.Errorf("expected persisted name Jane, got %v", mem.Name)
	}
	if len(mem.Transcript) != len(res.State.Transcript) {
		t.Errorf("persisted transcript has %d entries, state has %d", len(mem.Transcript), len(res.State.Transcript))
	}
	if mem.State == nil || mem.State.Stage != models.StageAwaitHuman {
		t.Errorf("expected checkpoint at AWAIT_HUMAN, got %+v", mem.State)
	}
}

func TestSessionManager_RestartsTerminatedConversation(t *testing.T) {
	m := NewMemorySessionManager(newTestEngine(t))
	mustTurn(t, m, "jane", "My name is Jane", TurnOptions{})
	done := mustTurn(t, m, "jane", "Yes, tomorrow works", TurnOptions{})
	if done.State.Stage != models.StageTerminated {
		t.Fatalf("expected TERMINATED, got %s", done.State.Stage)
	}
	previous := len(done.State.Transcript)

	res := mustTurn(t, m, "jane", "", TurnOptions{})
	want := "Hello Jane! Would you like to schedule the kitchen faucet installation with Dave's Plumbing?"
	if len(res.Replies) != 1 || res.Replies[0].Content != want {
		t.Errorf("expected greeting %q, got %+v", want, res.Replies)
	}
	if len(res.State.Transcript) <= previous {
		t.Errorf("expected the remembered transcript to be carried over, got %d entries", len(res.State.Transcript))
	}
	if res.State.Transcript[0].Content != done.State.Transcript[0].Content {
		t.Errorf("transcript should start with the remembered history")
	}
	if res.State.Outcome != "" || len(res.State.Skills) != 0 {
		t.Errorf("expected a fresh conversation, got outcome %q skills %v", res.State.Outcome, res.State.Skills)
	}
	if len(res.State.Processed) != 0 {
		t.Errorf("expected processed inputs to be cleared, got %v", res.State.Processed)
	}

	// The same answer as last time is a new answer in the new conversation.
	again := mustTurn(t, m, "jane", "Yes, tomorrow works", TurnOptions{})
	for _, r := range again.Replies {
		if r.Content == MsgDuplicateInput {
			t.Fatalf("returning user's answer was treated as a duplicate")
		}
	}
	if again.State.Stage != models.StageTerminated || again.State.Outcome != models.OutcomeScheduled {
		t.Errorf("expected a scheduled close, got %s outcome=%q", again.State.Stage, again.State.Outcome)
	}
}

func TestSessionManager_SeedsNameFromOptions(t *testing.T) {
	m := NewMemorySessionManager(newTestEngine(t))
	res := mustTurn(t, m, "sms:+15551234567", "", TurnOptions{
		Name:    "  Sam ",
		Contact: map[string]string{"phone": "+15551234567"},
	})
	if !strings.HasPrefix(res.Replies[0].Content, "Hello Sam!") {
		t.Errorf("expected greeting for Sam, got %q", res.Replies[0].Content)
	}
	if res.State.Identity.Contact["phone"] != "+15551234567" {
		t.Errorf("expected contact phone to be recorded, got %v", res.State.Identity.Contact)
	}

	res = mustTurn(t, m, "sms:+15551234567", "", TurnOptions{Name: "Samantha"})
	if res.State.Identity.DisplayName() != "Sam" {
		t.Errorf("a known name must not be overwritten, got %q", res.State.Identity.DisplayName())
	}
}

func TestSessionManager_SaveFailureIsReported(t *testing.T) {
	bs := &brokenStore{InMemoryStore: store.NewInMemoryStore(), failSave: true}
	m := NewSessionManager(newTestEngine(t), bs)

	res, err := m.Turn(context.Background(), "c", "", TurnOptions{})
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if !errors.Is(res.SaveErr, errDiskFull) {
		t.Fatalf("expected SaveErr wrapping errDiskFull, got %v", res.SaveErr)
	}
	if res.State.Stage != models.StageAwaitHuman || len(res.Replies) != 1 {
		t.Errorf("the turn itself should still complete, got stage %s replies %d", res.State.Stage, len(res.Replies))
	}
}

func TestSessionManager_LoadFailureStartsFresh(t *testing.T) {
	bs := &brokenStore{InMemoryStore: store.NewInMemoryStore()}
	m := NewSessionManager(newTestEngine(t), bs)
	mustTurn(t, m, "c", "", TurnOptions{Name: "Sam"})

	bs.failLoad = true
	res := mustTurn(t, m, "c", "", TurnOptions{})
	if !strings.Contains(res.Replies[0].Content, "What's your name?") {
		t.Errorf("expected a fresh anonymous greeting, got %q", res.Replies[0].Content)
	}
}

func TestSessionManager_ResetAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemorySessionManager(newTestEngine(t))
	mustTurn(t, m, "b", "", TurnOptions{})
	mustTurn(t, m, "a", "", TurnOptions{})

	ids, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(ids, ",") != "a,b" {
		t.Errorf("expected [a b], got %v", ids)
	}

	if err := m.Reset(ctx, "a"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := m.Get(ctx, "a"); !errors.Is(err, store.ErrMemoryNotFound) {
		t.Errorf("expected ErrMemoryNotFound after reset, got %v", err)
	}
}

func TestSessionManager_RejectsInvalidIdentifier(t *testing.T) {
	m := NewMemorySessionManager(newTestEngine(t))
	if _, err := m.Turn(context.Background(), "", "hi", TurnOptions{}); !errors.Is(err, models.ErrEmptyIdentifier) {
		t.Errorf("expected ErrEmptyIdentifier, got %v", err)
	}
	long := strings.Repeat("x", models.MaxIdentifierLength+1)
	if err := m.Reset(context.Background(), long); !errors.Is(err, models.ErrIdentifierTooLong) {
		t.Errorf("expected ErrIdentifierTooLong, got %v", err)
	}
}

func TestSessionManager_SerializesTurnsPerConversation(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	if err := st.Save(ctx, "c", models.MemoryFromState(awaitingState("Sam"), fixedNow)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := NewSessionManager(newTestEngine(t), st)

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Turn(ctx, "c", fmt.Sprintf("add task: item %d", i), TurnOptions{}); err != nil {
				t.Errorf("Turn %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	mem, err := m.Get(ctx, "c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(mem.State.Items) != n {
		t.Errorf("expected %d items, got %d", n, len(mem.State.Items))
	}
	if got := m.activeLocks(); got != 0 {
		t.Errorf("expected lock entries to be released, %d remain", got)
	}
}

func TestSessionManager_ReleasesLocks(t *testing.T) {
	m := NewMemorySessionManager(newTestEngine(t))
	for i := 0; i < 5; i++ {
		mustTurn(t, m, fmt.Sprintf("user-%d", i), "My name is Sam", TurnOptions{})
	}
	if err := m.Reset(context.Background(), "user-0"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := m.activeLocks(); got != 0 {
		t.Errorf("expected no lock entries after turns complete, got %d", got)
	}
}
