package calls

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/billing"
	"consult-platform/internal/directory"
	"consult-platform/internal/signaling"
	"consult-platform/internal/wallet"
)

type notification struct {
	to  string
	msg any
}

// recordingNotifier records every attempt; only identities in online receive.
type recordingNotifier struct {
	mu       sync.Mutex
	online   map[string]bool
	attempts []notification
}

func (n *recordingNotifier) Notify(identity string, msg any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attempts = append(n.attempts, notification{to: identity, msg: msg})
	return n.online[identity]
}

func (n *recordingNotifier) sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.attempts...)
}

type testEnv struct {
	lc      *Lifecycle
	store   *MemoryStore
	dirRepo *directory.MemoryRepo
	wallet  *wallet.Service
	notes   *recordingNotifier
	slots   *MemorySlots
	audit   *audit.MemoryRepo

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	e := &testEnv{
		store:   NewMemoryStore(),
		dirRepo: directory.NewMemoryRepo(),
		wallet:  wallet.NewService(wallet.NewMemoryRepo()),
		notes:   &recordingNotifier{online: map[string]bool{}},
		slots:   NewMemorySlots(0),
		audit:   audit.NewMemoryRepo(),
		now:     time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	dir := directory.NewService(e.dirRepo, nil, directory.Options{}, nil)
	e.lc = NewLifecycle(e.store, dir, e.wallet, e.notes, e.slots, audit.NewService(e.audit), opts, nil)
	e.lc.clock = func() time.Time {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.now
	}
	t.Cleanup(e.lc.Close)
	return e
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *testEnv) addProfile(t *testing.T, id string, status directory.Status, price float64) {
	t.Helper()
	err := e.dirRepo.Create(context.Background(), directory.Profile{
		ID:             id,
		Name:           id,
		Email:          id + "@example.com",
		Role:           "member",
		Status:         status,
		PricePerMinute: price,
		CreatedAt:      e.now,
	})
	if err != nil {
		t.Fatalf("create profile %s: %v", id, err)
	}
}

func (e *testEnv) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	if _, _, err := e.wallet.Credit(context.Background(), id, wallet.CreditRequest{Amount: amount, IdempotencyKey: "seed:" + id}); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
}

func (e *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	b, err := e.wallet.GetBalance(context.Background(), id)
	if err != nil {
		t.Fatalf("balance %s: %v", id, err)
	}
	return b.Tokens
}

func (e *testEnv) status(t *testing.T, id string) directory.Status {
	t.Helper()
	p, err := e.dirRepo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("profile %s: %v", id, err)
	}
	return p.Status
}

// pair seeds a funded online caller "alice" and an online callee "bob".
func (e *testEnv) pair(t *testing.T, price float64, funds int64) {
	t.Helper()
	e.addProfile(t, "alice", directory.StatusOnline, 1)
	e.addProfile(t, "bob", directory.StatusOnline, price)
	e.fund(t, "alice", funds)
	e.notes.online["alice"] = true
	e.notes.online["bob"] = true
}

func TestInitiate_CreatesPendingCallAndRingsCallee(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)

	call, err := env.lc.Initiate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if call.ID == "" || call.Status != StatusPending || call.CallerID != "alice" || call.CalleeID != "bob" {
		t.Fatalf("unexpected call %+v", call)
	}
	if got := env.status(t, "bob"); got != directory.StatusBusy {
		t.Fatalf("expected callee busy, got %s", got)
	}
	if env.slots.Held("alice") != 1 {
		t.Fatalf("expected caller to hold a slot")
	}

	sent := env.notes.sent()
	if len(sent) != 1 || sent[0].to != "bob" {
		t.Fatalf("expected one call_request to bob, got %+v", sent)
	}
	req, ok := sent[0].msg.(signaling.CallRequest)
	if !ok || req.Type != signaling.TypeCallRequest || req.CallID != call.ID {
		t.Fatalf("unexpected call_request %+v", sent[0].msg)
	}
	if caller, ok := req.Caller.(directory.PublicProfile); !ok || caller.ID != "alice" {
		t.Fatalf("expected caller public profile, got %+v", req.Caller)
	}

	evs := env.audit.Events()
	if len(evs) != 1 || evs[0].Type != audit.EventTypeCallInitiated || evs[0].CallID != call.ID {
		t.Fatalf("unexpected audit events %+v", evs)
	}
}

func TestInitiate_UndeliveredRequestStillCreatesCall(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	env.notes.online["bob"] = false

	call, err := env.lc.Initiate(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.store.Get(context.Background(), call.ID); err != nil {
		t.Fatalf("expected call to exist: %v", err)
	}
}

func TestInitiate_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	env.addProfile(t, "carol", directory.StatusOffline, 5)
	env.addProfile(t, "poor", directory.StatusOnline, 1)
	env.fund(t, "poor", billing.MinimumCallBalance-1)

	cases := []struct {
		name           string
		caller, callee string
		want           error
	}{
		{"self call", "alice", "alice", ErrInvalidArgument},
		{"unknown callee", "alice", "ghost", ErrNotFound},
		{"offline callee", "alice", "carol", ErrUnavailable},
		{"low balance", "poor", "bob", ErrInsufficientFunds},
		{"unknown caller", "ghost", "bob", ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := env.lc.Initiate(ctx, tc.caller, tc.callee); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if got, _ := env.store.ListByParticipant(ctx, "bob", 0); len(got) != 0 {
		t.Fatalf("failed initiates must not create calls, got %+v", got)
	}
	if len(env.notes.sent()) != 0 {
		t.Fatalf("failed initiates must not deliver anything")
	}
	if env.status(t, "bob") != directory.StatusOnline {
		t.Fatalf("callee must stay online after failed initiates")
	}
	if env.slots.Held("alice") != 0 || env.slots.Held("poor") != 0 {
		t.Fatalf("failed initiates must not hold slots")
	}
}

func TestInitiate_UnreachableCalleeCreatesNothing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)

	if _, err := env.lc.Initiate(ctx, "alice", "bob"); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	env.addProfile(t, "dave", directory.StatusOnline, 1)
	env.fund(t, "dave", 100)
	before := len(env.notes.sent())

	if _, err := env.lc.Initiate(ctx, "dave", "bob"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected busy callee to be unavailable, got %v", err)
	}
	if got, _ := env.store.ListByParticipant(ctx, "dave", 0); len(got) != 0 {
		t.Fatalf("expected no call record, got %+v", got)
	}
	if len(env.notes.sent()) != before {
		t.Fatalf("expected no delivery attempt")
	}
}

func TestInitiate_UncappedCallerReachesSecondCallee(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	env.addProfile(t, "carol", directory.StatusOnline, 5)

	if _, err := env.lc.Initiate(ctx, "alice", "bob"); err != nil {
		t.Fatalf("initiate bob: %v", err)
	}
	if _, err := env.lc.Initiate(ctx, "alice", "carol"); err != nil {
		t.Fatalf("initiate carol with a call still pending: %v", err)
	}
	if env.status(t, "carol") != directory.StatusBusy {
		t.Fatalf("expected carol reserved")
	}
}

func TestInitiate_UncappedWithoutLimiter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.lc.slots = nil
	env.pair(t, 5, 100)
	env.addProfile(t, "carol", directory.StatusOnline, 5)

	for _, callee := range []string{"bob", "carol"} {
		call, err := env.lc.Initiate(ctx, "alice", callee)
		if err != nil {
			t.Fatalf("initiate %s: %v", callee, err)
		}
		if _, err := env.lc.End(ctx, "alice", call.ID); err != nil {
			t.Fatalf("end %s: %v", callee, err)
		}
	}
}

func TestInitiate_ConcurrentCallLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.slots = NewMemorySlots(1)
	env.lc.slots = env.slots
	env.pair(t, 5, 100)
	env.addProfile(t, "carol", directory.StatusOnline, 5)

	if _, err := env.lc.Initiate(ctx, "alice", "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.lc.Initiate(ctx, "alice", "carol"); !errors.Is(err, ErrCallLimit) {
		t.Fatalf("expected ErrCallLimit, got %v", err)
	}
	if env.status(t, "carol") != directory.StatusOnline {
		t.Fatalf("rejected initiate must not reserve the callee")
	}
}

func TestInitiate_ConcurrentCallersReserveCalleeOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.addProfile(t, "bob", directory.StatusOnline, 5)
	callers := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, c := range callers {
		env.addProfile(t, c, directory.StatusOnline, 1)
		env.fund(t, c, 100)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, c := range callers {
		wg.Add(1)
		go func(caller string) {
			defer wg.Done()
			_, err := env.lc.Initiate(ctx, caller, "bob")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrUnavailable) {
				t.Errorf("unexpected error %v", err)
			}
		}(c)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one call to reach bob, got %d", wins)
	}
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	env.addProfile(t, "eve", directory.StatusOnline, 1)

	call, err := env.lc.Initiate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	if _, err := env.lc.Accept(ctx, "bob", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.lc.Accept(ctx, "alice", call.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("caller must not accept, got %v", err)
	}
	if _, err := env.lc.Accept(ctx, "eve", call.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("stranger must not accept, got %v", err)
	}

	accepted, err := env.lc.Accept(ctx, "bob", call.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusActive || accepted.StartedAt == nil || !accepted.StartedAt.Equal(env.now) {
		t.Fatalf("unexpected accepted call %+v", accepted)
	}
	if _, err := env.lc.Accept(ctx, "bob", call.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("double accept must conflict, got %v", err)
	}

	sent := env.notes.sent()
	last := sent[len(sent)-1]
	if msg, ok := last.msg.(signaling.CallAccepted); last.to != "alice" || !ok || msg.CallID != call.ID || msg.Type != signaling.TypeCallAccepted {
		t.Fatalf("expected call_accepted to caller, got %+v", last)
	}
}

func startCall(t *testing.T, env *testEnv) Call {
	t.Helper()
	ctx := context.Background()
	call, err := env.lc.Initiate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := env.lc.Accept(ctx, "bob", call.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return call
}

func TestEnd_SettlesActiveCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call := startCall(t, env)

	env.advance(2 * time.Minute)
	res, err := env.lc.End(ctx, "alice", call.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if res.DurationMinutes != 2 || res.CostTokens != 10 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := env.balance(t, "alice"); got != 90 {
		t.Fatalf("expected caller balance 90, got %d", got)
	}
	if got := env.balance(t, "bob"); got != 8 {
		t.Fatalf("expected callee credit 8, got %d", got)
	}
	if env.status(t, "bob") != directory.StatusOnline {
		t.Fatalf("callee must be released")
	}
	if env.slots.Held("alice") != 0 {
		t.Fatalf("caller slot must be released")
	}

	stored, _ := env.store.Get(ctx, call.ID)
	if stored.Status != StatusEnded || stored.EndedAt == nil || *stored.CostTokens != 10 || *stored.DurationMinutes != 2 {
		t.Fatalf("unexpected stored call %+v", stored)
	}

	sent := env.notes.sent()
	last := sent[len(sent)-1]
	msg, ok := last.msg.(signaling.CallEnded)
	if last.to != "bob" || !ok || msg.Duration != 2 || msg.Cost != 10 {
		t.Fatalf("expected call_ended to the other party, got %+v", last)
	}
}

func TestEnd_MinimumCostApplies(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.pair(t, 1, 100)
	call := startCall(t, env)

	env.advance(30 * time.Second)
	res, err := env.lc.End(context.Background(), "bob", call.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if res.DurationMinutes != 0.5 || res.CostTokens != billing.MinimumCallCost {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := env.balance(t, "bob"); got != 8 {
		t.Fatalf("expected callee credit 8, got %d", got)
	}
}

func TestEnd_TwiceConflictsAndSettlesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call := startCall(t, env)
	env.advance(3 * time.Minute)

	if _, err := env.lc.End(ctx, "alice", call.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	notified := len(env.notes.sent())
	if _, err := env.lc.End(ctx, "bob", call.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if got := env.balance(t, "alice"); got != 85 {
		t.Fatalf("expected single debit of 15, got balance %d", got)
	}
	if got := env.balance(t, "bob"); got != 12 {
		t.Fatalf("expected single credit of 12, got %d", got)
	}
	if len(env.notes.sent()) != notified {
		t.Fatalf("losing end must not notify")
	}
}

func TestEnd_ConcurrentEndsOneWinner(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call := startCall(t, env)
	env.advance(2 * time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for i := 0; i < 20; i++ {
		who := "alice"
		if i%2 == 1 {
			who = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.lc.End(ctx, who, call.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != 19 {
		t.Fatalf("expected 1 winner and 19 conflicts, got %d and %d", wins, conflicts)
	}
	if got := env.balance(t, "alice"); got != 90 {
		t.Fatalf("expected one debit, got balance %d", got)
	}
	if env.lc.locks.size() != 0 {
		t.Fatalf("expected call locks to be released")
	}
}

func TestAcceptAndEndRace(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call, err := env.lc.Initiate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var wg sync.WaitGroup
	var acceptErr, endErr error
	var res EndResult
	wg.Add(2)
	go func() { defer wg.Done(); _, acceptErr = env.lc.Accept(ctx, "bob", call.ID) }()
	go func() { defer wg.Done(); res, endErr = env.lc.End(ctx, "alice", call.ID) }()
	wg.Wait()

	if endErr != nil {
		t.Fatalf("end must succeed from either state, got %v", endErr)
	}
	switch {
	case acceptErr == nil:
		// accept won; end settled the active call
		if res.CostTokens != billing.MinimumCallCost {
			t.Fatalf("expected minimum cost after accept, got %+v", res)
		}
	case errors.Is(acceptErr, ErrConflict):
		if res.CostTokens != 0 || res.DurationMinutes != 0 {
			t.Fatalf("expected zero settlement for pending end, got %+v", res)
		}
	default:
		t.Fatalf("unexpected accept error %v", acceptErr)
	}
}

func TestEnd_PendingCallEndsFree(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call, err := env.lc.Initiate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	env.advance(10 * time.Minute)

	res, err := env.lc.End(ctx, "bob", call.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if res.CostTokens != 0 || res.DurationMinutes != 0 {
		t.Fatalf("expected zero settlement, got %+v", res)
	}
	stored, _ := env.store.Get(ctx, call.ID)
	if stored.Status != StatusEnded || stored.StartedAt != nil || *stored.CostTokens != 0 {
		t.Fatalf("unexpected stored call %+v", stored)
	}
	if got := env.balance(t, "alice"); got != 100 {
		t.Fatalf("pending end must not charge, balance %d", got)
	}
	if env.status(t, "bob") != directory.StatusOnline {
		t.Fatalf("callee must be released")
	}
	if _, err := env.lc.Accept(ctx, "bob", call.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("accept after end must conflict, got %v", err)
	}
}

func TestEnd_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call := startCall(t, env)

	if _, err := env.lc.End(ctx, "alice", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.lc.End(ctx, "eve", call.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestEnd_OverdraftPolicies(t *testing.T) {
	ctx := context.Background()

	allow := newTestEnv(t, Options{Overdraft: billing.OverdraftAllow})
	allow.pair(t, 100, 20)
	call := startCall(t, allow)
	allow.advance(2 * time.Minute)
	res, err := allow.lc.End(ctx, "alice", call.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if res.CostTokens != 200 || allow.balance(t, "alice") != -180 || allow.balance(t, "bob") != 170 {
		t.Fatalf("allow: unexpected settlement %+v caller=%d callee=%d", res, allow.balance(t, "alice"), allow.balance(t, "bob"))
	}

	clamp := newTestEnv(t, Options{Overdraft: billing.OverdraftClamp})
	clamp.pair(t, 100, 20)
	call = startCall(t, clamp)
	clamp.advance(2 * time.Minute)
	res, err = clamp.lc.End(ctx, "alice", call.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if res.CostTokens != 20 || clamp.balance(t, "alice") != 0 || clamp.balance(t, "bob") != 17 {
		t.Fatalf("clamp: unexpected settlement %+v caller=%d callee=%d", res, clamp.balance(t, "alice"), clamp.balance(t, "bob"))
	}
}

func TestEnd_CalleeOfflineDuringCallStaysOffline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call := startCall(t, env)

	if err := env.dirRepo.SetStatus(ctx, "bob", directory.StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := env.lc.End(ctx, "alice", call.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if env.status(t, "bob") != directory.StatusOffline {
		t.Fatalf("disconnected callee must not be marked online")
	}
}

func TestInitiate_CalleeInOpenCallStaysUnavailable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	dir := directory.NewService(env.dirRepo, nil, directory.Options{}, nil)
	env.pair(t, 5, 100)
	for _, id := range []string{"carol", "dan"} {
		env.addProfile(t, id, directory.StatusOnline, 1)
		env.fund(t, id, 100)
	}
	first := startCall(t, env)

	// bob's socket drops mid-call, then bob logs back in.
	if err := dir.MarkOffline(ctx, "bob"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if err := env.dirRepo.RecordLogin(ctx, "bob", env.now); err != nil {
		t.Fatalf("record login: %v", err)
	}
	if env.status(t, "bob") != directory.StatusOnline {
		t.Fatalf("expected bob online after login")
	}

	if _, err := env.lc.Initiate(ctx, "carol", "bob"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while bob is still in a call, got %v", err)
	}
	if env.status(t, "bob") != directory.StatusOnline {
		t.Fatalf("rejected initiate must not touch bob's status")
	}

	if _, err := env.lc.End(ctx, "alice", first.ID); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := env.lc.Initiate(ctx, "dan", "bob"); err != nil {
		t.Fatalf("bob should be reachable once the call ended: %v", err)
	}
	if _, err := env.lc.Initiate(ctx, "carol", "bob"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected bob reserved by dan, got %v", err)
	}
}

func TestMemoryStore_RejectsSecondOpenCallForCallee(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.Create(ctx, Call{ID: "c1", CallerID: "alice", CalleeID: "bob", Status: StatusActive, CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if engaged, _ := s.CalleeEngaged(ctx, "bob"); !engaged {
		t.Fatalf("expected bob engaged")
	}
	if err := s.Create(ctx, Call{ID: "c2", CallerID: "carol", CalleeID: "bob", Status: StatusPending, CreatedAt: now}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if engaged, _ := s.CalleeEngaged(ctx, "alice"); engaged {
		t.Fatalf("callers are not engaged as callee")
	}
}

type failingGetStore struct {
	*MemoryStore
}

func (failingGetStore) Get(context.Context, string) (Call, error) {
	return Call{}, errors.New("store down")
}

func TestRingTimeout_LookupFailureLeavesCallPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call, err := env.lc.Initiate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	var logs bytes.Buffer
	env.lc.log = slog.New(slog.NewJSONHandler(&logs, nil))
	env.lc.store = failingGetStore{env.store}
	env.lc.expire(call.ID)

	if !strings.Contains(logs.String(), "ring timeout lookup failed") || !strings.Contains(logs.String(), call.ID) {
		t.Fatalf("expected the lookup failure to be logged, got %s", logs.String())
	}

	c, _ := env.store.Get(ctx, call.ID)
	if c.Status != StatusPending || env.status(t, "bob") != directory.StatusBusy {
		t.Fatalf("expected call untouched, got %s bob=%s", c.Status, env.status(t, "bob"))
	}
}

type failingDebitLedger struct {
	*wallet.Service
}

func (failingDebitLedger) Debit(context.Context, string, wallet.DebitRequest) (wallet.Entry, wallet.Balance, error) {
	return wallet.Entry{}, wallet.Balance{}, errors.New("ledger down")
}

func TestEnd_LedgerFailureIsAudited(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	env.lc.ledger = failingDebitLedger{env.wallet}
	call := startCall(t, env)
	env.advance(2 * time.Minute)

	if _, err := env.lc.End(ctx, "alice", call.ID); err != nil {
		t.Fatalf("end must succeed once the call is ended, got %v", err)
	}
	var failed bool
	for _, ev := range env.audit.Events() {
		if ev.Type == audit.EventTypeSettlementFailed && ev.CallID == call.ID {
			failed = true
		}
	}
	if !failed {
		t.Fatalf("expected settlement_failed audit event")
	}
	if got := env.balance(t, "bob"); got != 0 {
		t.Fatalf("callee must not be credited without a debit, got %d", got)
	}
}

func TestRingTimeoutCancelsPendingCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{RingTimeout: 20 * time.Millisecond})
	env.pair(t, 5, 100)

	call, err := env.lc.Initiate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		c, _ := env.store.Get(ctx, call.ID)
		if c.Status == StatusCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("call was not cancelled, status %s", c.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if env.status(t, "bob") != directory.StatusOnline {
		t.Fatalf("callee must be released after ring timeout")
	}
	if env.slots.Held("alice") != 0 {
		t.Fatalf("caller slot must be released after ring timeout")
	}
	var endedTo []string
	for _, n := range env.notes.sent() {
		if _, ok := n.msg.(signaling.CallEnded); ok {
			endedTo = append(endedTo, n.to)
		}
	}
	if len(endedTo) != 2 {
		t.Fatalf("expected call_ended to both parties, got %v", endedTo)
	}
	if _, err := env.lc.End(ctx, "alice", call.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("end after cancel must conflict, got %v", err)
	}
}

func TestRingTimeoutStoppedByAccept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{RingTimeout: 30 * time.Millisecond})
	env.pair(t, 5, 100)
	call := startCall(t, env)

	time.Sleep(80 * time.Millisecond)
	c, _ := env.store.Get(ctx, call.ID)
	if c.Status != StatusActive {
		t.Fatalf("accepted call must not be cancelled, status %s", c.Status)
	}
}

func TestList_NewestFirstWithDefaultLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		c := Call{
			ID:        string(rune('a'+i)) + "-call",
			CallerID:  "alice",
			CalleeID:  "bob",
			Status:    StatusEnded,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if i%2 == 1 {
			c.CallerID, c.CalleeID = "bob", "alice"
		}
		if err := env.store.Create(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	_ = env.store.Create(ctx, Call{ID: "other", CallerID: "x", CalleeID: "y", CreatedAt: base.Add(time.Hour)})

	got, err := env.lc.List(ctx, "alice", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != DefaultListLimit {
		t.Fatalf("expected %d calls, got %d", DefaultListLimit, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.After(got[i-1].CreatedAt) {
			t.Fatalf("calls not ordered newest first at %d", i)
		}
	}
	if !got[0].CreatedAt.Equal(base.Add(24 * time.Minute)) {
		t.Fatalf("expected newest call first, got %v", got[0].CreatedAt)
	}

	few, _ := env.lc.List(ctx, "alice", 3)
	if len(few) != 3 {
		t.Fatalf("expected explicit limit to apply, got %d", len(few))
	}
	none, _ := env.lc.List(ctx, "nobody", 0)
	if none == nil || len(none) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", none)
	}
}

func TestGet_OnlyParticipants(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, Options{})
	env.pair(t, 5, 100)
	call, _ := env.lc.Initiate(ctx, "alice", "bob")

	if _, err := env.lc.Get(ctx, "bob", call.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.lc.Get(ctx, "eve", call.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
