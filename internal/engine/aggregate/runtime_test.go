package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/specfold/specfold/internal/engine/command"
	"github.com/specfold/specfold/internal/engine/event"
	"github.com/specfold/specfold/internal/engine/journal"
)

const (
	aggTypeSpec = "specification"

	cmdCreate = command.Type("specification.create")
	cmdRename = command.Type("specification.rename")

	evtCreated = event.Type("specification.created")
	evtRenamed = event.Type("specification.renamed")
)

func newTestRuntime(t *testing.T) (*Runtime, *journal.Memory) {
	t.Helper()

	commands := command.NewRegistry()
	for _, cmdType := range []command.Type{cmdCreate, cmdRename} {
		if err := commands.Register(command.Definition{Type: cmdType, AggregateType: aggTypeSpec}); err != nil {
			t.Fatalf("register command %s: %v", cmdType, err)
		}
	}

	events := event.NewRegistry()
	for _, evtType := range []event.Type{evtCreated, evtRenamed} {
		if err := events.Register(event.Definition{Type: evtType, AggregateType: aggTypeSpec}); err != nil {
			t.Fatalf("register event %s: %v", evtType, err)
		}
	}

	folder := NewFolder()
	folder.On(func(state State, evt event.Event) State {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(evt.PayloadJSON, &body)
		if state.Attributes == nil {
			state.Attributes = make(map[string]any)
		}
		state.Attributes["name"] = body.Name
		if evt.Type == evtCreated {
			state.Lifecycle = "draft"
		}
		return state
	}, evtCreated, evtRenamed)

	store := journal.NewMemory()
	runtime := &Runtime{
		Commands:    commands,
		Events:      events,
		Store:       store,
		Idempotency: store,
		Folder:      folder,
		Logger:      zerolog.Nop(),
	}

	if err := runtime.RegisterDecider(cmdCreate, DeciderFunc(func(state State, cmd command.Command, now func() time.Time) command.Decision {
		if state.Lifecycle != "" {
			return command.Reject(command.Rejection{Code: "ALREADY_EXISTS", Message: "specification already created"})
		}
		return command.Accept(event.Event{Type: evtCreated, PayloadJSON: cmd.PayloadJSON})
	})); err != nil {
		t.Fatalf("register create decider: %v", err)
	}
	if err := runtime.RegisterDecider(cmdRename, DeciderFunc(func(state State, cmd command.Command, now func() time.Time) command.Decision {
		if state.Lifecycle == "" {
			return command.Reject(command.Rejection{Code: "NOT_FOUND", Message: "specification does not exist"})
		}
		return command.Accept(event.Event{Type: evtRenamed, PayloadJSON: cmd.PayloadJSON})
	})); err != nil {
		t.Fatalf("register rename decider: %v", err)
	}
	return runtime, store
}

func TestApplyVersionIncrementsByOnePerCommand(t *testing.T) {
	runtime, _ := newTestRuntime(t)
	ctx := context.Background()

	applied, err := runtime.Apply(ctx, command.Command{
		AggregateType: aggTypeSpec,
		AggregateID:   "spec-1",
		Type:          cmdCreate,
		PayloadJSON:   []byte(`{"name":"billing"}`),
	})
	if err != nil {
		t.Fatalf("apply create: %v", err)
	}
	if applied.NewVersion != 1 {
		t.Fatalf("version = %d, want 1", applied.NewVersion)
	}

	for i := 2; i <= 5; i++ {
		applied, err = runtime.Apply(ctx, command.Command{
			AggregateType: aggTypeSpec,
			AggregateID:   "spec-1",
			Type:          cmdRename,
			PayloadJSON:   []byte(`{"name":"billing-v2"}`),
		})
		if err != nil {
			t.Fatalf("apply rename %d: %v", i, err)
		}
		if applied.NewVersion != uint64(i) {
			t.Fatalf("version = %d, want %d", applied.NewVersion, i)
		}
	}
}

func TestReplayDeterminism(t *testing.T) {
	runtime, _ := newTestRuntime(t)
	ctx := context.Background()

	if _, err := runtime.Apply(ctx, command.Command{
		AggregateType: aggTypeSpec,
		AggregateID:   "spec-1",
		Type:          cmdCreate,
		PayloadJSON:   []byte(`{"name":"billing"}`),
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}
	if _, err := runtime.Apply(ctx, command.Command{
		AggregateType: aggTypeSpec,
		AggregateID:   "spec-1",
		Type:          cmdRename,
		PayloadJSON:   []byte(`{"name":"invoicing"}`),
	}); err != nil {
		t.Fatalf("apply rename: %v", err)
	}

	first, err := runtime.Load(ctx, aggTypeSpec, "spec-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	second, err := runtime.Load(ctx, aggTypeSpec, "spec-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	if first.Version != 2 || second.Version != 2 {
		t.Fatalf("versions = %d, %d, want 2", first.Version, second.Version)
	}
	if first.Attributes["name"] != "invoicing" || second.Attributes["name"] != "invoicing" {
		t.Fatalf("attributes diverged: %v vs %v", first.Attributes, second.Attributes)
	}
	if first.Lifecycle != second.Lifecycle {
		t.Fatalf("lifecycle diverged: %q vs %q", first.Lifecycle, second.Lifecycle)
	}
}

func TestApplyExpectedVersionMismatch(t *testing.T) {
	runtime, _ := newTestRuntime(t)
	ctx := context.Background()

	if _, err := runtime.Apply(ctx, command.Command{
		AggregateType: aggTypeSpec,
		AggregateID:   "spec-1",
		Type:          cmdCreate,
		PayloadJSON:   []byte(`{"name":"billing"}`),
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	stale := uint64(0)
	_, err := runtime.Apply(ctx, command.Command{
		AggregateType:   aggTypeSpec,
		AggregateID:     "spec-1",
		ExpectedVersion: &stale,
		Type:            cmdRename,
		PayloadJSON:     []byte(`{"name":"x"}`),
	})
	var conflict *ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if conflict.Expected != 0 || conflict.Actual != 1 {
		t.Fatalf("conflict = expected %d actual %d", conflict.Expected, conflict.Actual)
	}
}

func TestConcurrentApplySameExpectedVersion(t *testing.T) {
	runtime, _ := newTestRuntime(t)
	ctx := context.Background()

	if _, err := runtime.Apply(ctx, command.Command{
		AggregateType: aggTypeSpec,
		AggregateID:   "spec-1",
		Type:          cmdCreate,
		PayloadJSON:   []byte(`{"name":"billing"}`),
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	expected := uint64(1)
	var (
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	var group errgroup.Group
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		group.Go(func() error {
			<-start
			_, err := runtime.Apply(ctx, command.Command{
				AggregateType:   aggTypeSpec,
				AggregateID:     "spec-1",
				ExpectedVersion: &expected,
				Type:            cmdRename,
				PayloadJSON:     []byte(`{"name":"contender"}`),
			})
			mu.Lock()
			defer mu.Unlock()
			var conflict *ConcurrencyConflictError
			switch {
			case err == nil:
				wins++
			case errors.As(err, &conflict):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	close(start)
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent apply: %v", err)
	}

	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins = %d conflicts = %d, want exactly one of each", wins, conflicts)
	}
}

func TestApplyRejectionCausesNoStateChange(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	_, err := runtime.Apply(ctx, command.Command{
		AggregateType: aggTypeSpec,
		AggregateID:   "spec-1",
		Type:          cmdRename,
		PayloadJSON:   []byte(`{"name":"ghost"}`),
	})
	var rejected *CommandRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected CommandRejectedError, got %v", err)
	}
	if rejected.Rejections[0].Code != "NOT_FOUND" {
		t.Fatalf("rejection code = %q", rejected.Rejections[0].Code)
	}

	head, err := store.HeadSeq(ctx, aggTypeSpec, "spec-1")
	if err != nil {
		t.Fatalf("head seq: %v", err)
	}
	if head != 0 {
		t.Fatalf("head = %d, want 0 (no state change)", head)
	}
}

func TestApplyIdempotencyKeyDeduplicates(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	cmd := command.Command{
		AggregateType:  aggTypeSpec,
		AggregateID:    "spec-1",
		Type:           cmdCreate,
		IdempotencyKey: "delivery-7",
		PayloadJSON:    []byte(`{"name":"billing"}`),
	}

	first, err := runtime.Apply(ctx, cmd)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := runtime.Apply(ctx, cmd)
	if err != nil {
		t.Fatalf("redelivered apply: %v", err)
	}

	if first.NewVersion != second.NewVersion {
		t.Fatalf("versions differ: %d vs %d", first.NewVersion, second.NewVersion)
	}
	head, err := store.HeadSeq(ctx, aggTypeSpec, "spec-1")
	if err != nil {
		t.Fatalf("head seq: %v", err)
	}
	if head != 1 {
		t.Fatalf("head = %d, want 1 (no duplicate append)", head)
	}
	if len(second.Events) != 1 || second.Events[0].ID != first.Events[0].ID {
		t.Fatalf("redelivery should return the original events")
	}
}

func TestFoldIsTotalForUnknownEventTypes(t *testing.T) {
	folder := NewFolder()
	state := Empty(aggTypeSpec, "spec-1")

	state = folder.Fold(state, event.Event{Type: event.Type("specification.audit_note"), Seq: 1})

	if state.Version != 1 {
		t.Fatalf("version = %d, want 1", state.Version)
	}
	if state.Lifecycle != "" || state.Attributes != nil {
		t.Fatal("unknown event types must not change domain state")
	}
}

func TestApplyPublishesAfterDurableAppend(t *testing.T) {
	runtime, store := newTestRuntime(t)
	ctx := context.Background()

	published := make([]event.Event, 0, 1)
	runtime.Bus = publisherFunc(func(ctx context.Context, events ...event.Event) {
		// By the time publish fires, the events must already be readable.
		head, err := store.HeadSeq(ctx, aggTypeSpec, "spec-1")
		if err != nil || head == 0 {
			t.Errorf("events not durable before publish: head=%d err=%v", head, err)
		}
		published = append(published, events...)
	})

	if _, err := runtime.Apply(ctx, command.Command{
		AggregateType: aggTypeSpec,
		AggregateID:   "spec-1",
		Type:          cmdCreate,
		PayloadJSON:   []byte(`{"name":"billing"}`),
	}); err != nil {
		t.Fatalf("apply create: %v", err)
	}

	if len(published) != 1 {
		t.Fatalf("published %d events, want 1", len(published))
	}
	if published[0].Type != evtCreated {
		t.Fatalf("published type = %s", published[0].Type)
	}
}

type publisherFunc func(ctx context.Context, events ...event.Event)

func (f publisherFunc) Publish(ctx context.Context, events ...event.Event) { f(ctx, events...) }
