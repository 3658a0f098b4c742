package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"consult-platform/internal/audit"
	"consult-platform/internal/billing"
	"consult-platform/internal/directory"
	"consult-platform/internal/signaling"
	"consult-platform/internal/wallet"
	"consult-platform/pkg/logger"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("calls: not found")
	ErrForbidden         = errors.New("calls: forbidden")
	ErrUnavailable       = errors.New("calls: callee unavailable")
	ErrInsufficientFunds = errors.New("calls: insufficient funds")
	ErrConflict          = errors.New("calls: conflict")
	ErrInvalidArgument   = errors.New("calls: invalid argument")
	ErrCallLimit         = errors.New("calls: concurrent call limit reached")

	// ErrInvalidState is the same failure as ErrConflict.
	ErrInvalidState = ErrConflict
)

// Directory is the identity collaborator.
type Directory interface {
	Lookup(ctx context.Context, identity string) (directory.Profile, error)
	ReserveForCall(ctx context.Context, identity string) (bool, error)
	ReleaseFromCall(ctx context.Context, identity string) error
}

// Ledger moves tokens. Debit and Credit are idempotent on the request key.
type Ledger interface {
	GetBalance(ctx context.Context, identity string) (wallet.Balance, error)
	Debit(ctx context.Context, identity string, req wallet.DebitRequest) (wallet.Entry, wallet.Balance, error)
	Credit(ctx context.Context, identity string, req wallet.CreditRequest) (wallet.Entry, wallet.Balance, error)
}

// Notifier delivers best-effort push messages over signaling.
type Notifier interface {
	Notify(identity string, msg any) bool
}

type AuditLogger interface {
	LogCall(ctx context.Context, typ audit.EventType, actorID, callID, message, metadata string) error
}

type Options struct {
	Overdraft billing.OverdraftPolicy
	// RingTimeout cancels calls still pending after this long. Zero disables it.
	RingTimeout time.Duration
}

// Lifecycle owns the call state machine: PENDING -> ACTIVE -> ENDED, with
// PENDING -> ENDED on an early end and PENDING -> CANCELLED on ring timeout.
//
// Every transition goes through a per-call lock and a store compare-and-set, so
// of two racing operations exactly one wins and the other observes ErrConflict.
type Lifecycle struct {
	store  Store
	dir    Directory
	ledger Ledger
	notify Notifier
	slots  SlotLimiter
	audit  AuditLogger
	log    *slog.Logger

	overdraft   billing.OverdraftPolicy
	ringTimeout time.Duration

	locks *callLocks

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewLifecycle(store Store, dir Directory, ledger Ledger, notify Notifier, slots SlotLimiter, auditLog AuditLogger, opts Options, log *slog.Logger) *Lifecycle {
	if opts.Overdraft == "" {
		opts.Overdraft = billing.OverdraftAllow
	}
	return &Lifecycle{
		store:       store,
		dir:         dir,
		ledger:      ledger,
		notify:      notify,
		slots:       slots,
		audit:       auditLog,
		log:         logger.OrDiscard(log),
		overdraft:   opts.Overdraft,
		ringTimeout: opts.RingTimeout,
		locks:       newCallLocks(),
		timers:      map[string]*time.Timer{},
		clock:       time.Now,
	}
}

// Initiate creates a PENDING call from caller to callee and rings the callee.
// On any failure no call record exists and nothing is delivered.
func (l *Lifecycle) Initiate(ctx context.Context, callerID, calleeID string) (Call, error) {
	if callerID == "" || calleeID == "" {
		return Call{}, fmt.Errorf("%w: caller and callee are required", ErrInvalidArgument)
	}
	if callerID == calleeID {
		return Call{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidArgument)
	}

	callee, err := l.lookup(ctx, calleeID)
	if err != nil {
		return Call{}, err
	}
	if callee.Status != directory.StatusOnline {
		return Call{}, ErrUnavailable
	}
	// Presence can read online while an earlier call is still open, e.g. after
	// the callee dropped their socket and logged back in.
	engaged, err := l.store.CalleeEngaged(ctx, calleeID)
	if err != nil {
		return Call{}, err
	}
	if engaged {
		return Call{}, ErrUnavailable
	}
	caller, err := l.lookup(ctx, callerID)
	if err != nil {
		return Call{}, err
	}

	bal, err := l.ledger.GetBalance(ctx, callerID)
	if err != nil {
		return Call{}, err
	}
	if bal.Tokens < billing.MinimumCallBalance {
		return Call{}, ErrInsufficientFunds
	}

	if l.slots != nil {
		ok, err := l.slots.Acquire(ctx, callerID)
		if err != nil {
			return Call{}, err
		}
		if !ok {
			return Call{}, ErrCallLimit
		}
	}

	reserved, err := l.dir.ReserveForCall(ctx, calleeID)
	if err != nil || !reserved {
		l.releaseSlot(ctx, callerID)
		if err != nil {
			return Call{}, err
		}
		// Lost the race to another caller, or the callee went offline.
		return Call{}, ErrUnavailable
	}

	call := Call{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Status:    StatusPending,
		CreatedAt: l.clock().UTC(),
	}
	if err := l.store.Create(ctx, call); err != nil {
		l.releaseCallee(ctx, calleeID)
		l.releaseSlot(ctx, callerID)
		if errors.Is(err, ErrConflict) {
			// Another open call for this callee was created concurrently.
			return Call{}, ErrUnavailable
		}
		return Call{}, err
	}

	log := l.log.With("call_id", call.ID, "caller", callerID, "callee", calleeID)
	if !l.notify.Notify(calleeID, signaling.NewCallRequest(call.ID, caller.Public())) {
		log.Info("call_request not delivered; callee not connected")
	}
	l.logAudit(ctx, audit.EventTypeCallInitiated, callerID, call.ID, "call initiated", map[string]any{"callee_id": calleeID})
	log.Info("call initiated")

	l.armRingTimeout(call.ID)
	return call, nil
}

// Accept moves a PENDING call to ACTIVE. Only the callee may accept.
func (l *Lifecycle) Accept(ctx context.Context, identity, callID string) (Call, error) {
	unlock := l.locks.lock(callID)
	defer unlock()

	call, err := l.store.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if identity != call.CalleeID {
		return Call{}, ErrForbidden
	}
	if call.Status != StatusPending {
		return Call{}, ErrConflict
	}

	now := l.clock().UTC()
	next := call
	next.Status = StatusActive
	next.StartedAt = &now
	ok, err := l.store.Transition(ctx, next, StatusPending)
	if err != nil {
		return Call{}, err
	}
	if !ok {
		return Call{}, ErrConflict
	}
	l.stopRingTimeout(callID)

	l.notify.Notify(call.CallerID, signaling.NewCallAccepted(callID))
	l.logAudit(ctx, audit.EventTypeCallAccepted, identity, callID, "call accepted", nil)
	l.log.Info("call accepted", "call_id", callID)
	return next, nil
}

// End finishes a call on behalf of either participant. An ACTIVE call is settled
// through billing; a PENDING call ends with zero duration and cost.
// A second End observes ErrConflict and never settles again.
func (l *Lifecycle) End(ctx context.Context, identity, callID string) (EndResult, error) {
	unlock := l.locks.lock(callID)
	defer unlock()

	call, err := l.store.Get(ctx, callID)
	if err != nil {
		return EndResult{}, err
	}
	if !call.Participant(identity) {
		return EndResult{}, ErrForbidden
	}
	if call.Status.Terminal() {
		return EndResult{}, ErrConflict
	}

	now := l.clock().UTC()
	settlement := billing.Unstarted()
	if call.Status == StatusActive && call.StartedAt != nil {
		settlement, err = l.settle(ctx, call, now)
		if err != nil {
			return EndResult{}, err
		}
	}

	next := call
	next.Status = StatusEnded
	next.EndedAt = &now
	next.DurationMinutes = &settlement.DurationMinutes
	next.CostTokens = &settlement.Cost
	ok, err := l.store.Transition(ctx, next, call.Status)
	if err != nil {
		return EndResult{}, err
	}
	if !ok {
		return EndResult{}, ErrConflict
	}
	l.stopRingTimeout(callID)

	log := l.log.With("call_id", callID, "ended_by", identity)
	if settlement.Cost > 0 {
		l.applySettlement(ctx, call, settlement, log)
	}
	l.releaseCallee(ctx, call.CalleeID)
	l.releaseSlot(ctx, call.CallerID)

	l.notify.Notify(call.Other(identity), signaling.NewCallEnded(callID, settlement.DurationMinutes, settlement.Cost))
	l.logAudit(ctx, audit.EventTypeCallEnded, identity, callID, "call ended", map[string]any{
		"duration_minutes": settlement.DurationMinutes,
		"cost_tokens":      settlement.Cost,
		"callee_credit":    settlement.CalleeCredit,
		"platform_fee":     settlement.PlatformFee,
		"clamped":          settlement.Clamped,
	})
	log.Info("call ended", "duration_minutes", settlement.DurationMinutes, "cost_tokens", settlement.Cost)

	return EndResult{DurationMinutes: settlement.DurationMinutes, CostTokens: settlement.Cost}, nil
}

// List returns identity's calls, most recent first.
func (l *Lifecycle) List(ctx context.Context, identity string, limit int) ([]Call, error) {
	if identity == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	out, err := l.store.ListByParticipant(ctx, identity, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []Call{}
	}
	return out, nil
}

// Get returns a call visible to identity.
func (l *Lifecycle) Get(ctx context.Context, identity, callID string) (Call, error) {
	call, err := l.store.Get(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if !call.Participant(identity) {
		return Call{}, ErrForbidden
	}
	return call, nil
}

// Close stops pending ring timers.
func (l *Lifecycle) Close() {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *Lifecycle) settle(ctx context.Context, call Call, now time.Time) (billing.Settlement, error) {
	callee, err := l.lookup(ctx, call.CalleeID)
	if err != nil {
		return billing.Settlement{}, err
	}
	s := billing.Settle(*call.StartedAt, now, callee.PricePerMinute, billing.MinimumCallCost)
	if l.overdraft == billing.OverdraftClamp {
		bal, err := l.ledger.GetBalance(ctx, call.CallerID)
		if err != nil {
			return billing.Settlement{}, err
		}
		s = billing.ApplyOverdraft(s, l.overdraft, bal.Tokens)
	}
	return s, nil
}

// applySettlement posts the debit and credit. The call is already ENDED; a ledger
// failure is logged and audited for reconciliation, and a retry with the same
// idempotency keys posts at most once.
func (l *Lifecycle) applySettlement(ctx context.Context, call Call, s billing.Settlement, log *slog.Logger) {
	_, _, err := l.ledger.Debit(ctx, call.CallerID, wallet.DebitRequest{
		Amount:         s.Cost,
		ExternalRef:    call.ID,
		IdempotencyKey: "call:" + call.ID + ":debit",
		AllowNegative:  l.overdraft.AllowsNegative(),
	})
	if err != nil {
		log.Error("settlement debit failed", "caller", call.CallerID, "cost_tokens", s.Cost, "error", err)
		l.logAudit(ctx, audit.EventTypeSettlementFailed, "", call.ID, "caller debit failed", map[string]any{"error": err.Error(), "cost_tokens": s.Cost})
		return
	}
	if s.CalleeCredit <= 0 {
		return
	}
	_, _, err = l.ledger.Credit(ctx, call.CalleeID, wallet.CreditRequest{
		Amount:         s.CalleeCredit,
		ExternalRef:    call.ID,
		IdempotencyKey: "call:" + call.ID + ":credit",
	})
	if err != nil {
		log.Error("settlement credit failed", "callee", call.CalleeID, "callee_credit", s.CalleeCredit, "error", err)
		l.logAudit(ctx, audit.EventTypeSettlementFailed, "", call.ID, "callee credit failed", map[string]any{"error": err.Error(), "callee_credit": s.CalleeCredit})
	}
}

func (l *Lifecycle) armRingTimeout(callID string) {
	if l.ringTimeout <= 0 {
		return
	}
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	l.timers[callID] = time.AfterFunc(l.ringTimeout, func() { l.expire(callID) })
}

func (l *Lifecycle) stopRingTimeout(callID string) {
	l.timersMu.Lock()
	defer l.timersMu.Unlock()
	if t, ok := l.timers[callID]; ok {
		t.Stop()
		delete(l.timers, callID)
	}
}

// expire cancels a call nobody answered.
func (l *Lifecycle) expire(callID string) {
	l.timersMu.Lock()
	delete(l.timers, callID)
	l.timersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unlock := l.locks.lock(callID)
	defer unlock()

	call, err := l.store.Get(ctx, callID)
	if err != nil {
		l.log.Warn("ring timeout lookup failed; call left pending", "call_id", callID, "error", err)
		return
	}
	if call.Status != StatusPending {
		return
	}
	now := l.clock().UTC()
	var zeroDuration float64
	var zeroCost int64
	next := call
	next.Status = StatusCancelled
	next.EndedAt = &now
	next.DurationMinutes = &zeroDuration
	next.CostTokens = &zeroCost
	ok, err := l.store.Transition(ctx, next, StatusPending)
	if err != nil {
		l.log.Error("ring timeout transition failed", "call_id", callID, "error", err)
		return
	}
	if !ok {
		return
	}

	l.releaseCallee(ctx, call.CalleeID)
	l.releaseSlot(ctx, call.CallerID)
	ended := signaling.NewCallEnded(callID, 0, 0)
	l.notify.Notify(call.CallerID, ended)
	l.notify.Notify(call.CalleeID, ended)
	l.logAudit(ctx, audit.EventTypeCallCancelled, "", callID, "ring timeout", nil)
	l.log.Info("call cancelled after ring timeout", "call_id", callID)
}

func (l *Lifecycle) lookup(ctx context.Context, identity string) (directory.Profile, error) {
	p, err := l.dir.Lookup(ctx, identity)
	if errors.Is(err, directory.ErrNotFound) {
		return directory.Profile{}, ErrNotFound
	}
	return p, err
}

func (l *Lifecycle) releaseCallee(ctx context.Context, calleeID string) {
	if err := l.dir.ReleaseFromCall(ctx, calleeID); err != nil {
		l.log.Warn("release callee failed", "callee", calleeID, "error", err)
	}
}

func (l *Lifecycle) releaseSlot(ctx context.Context, callerID string) {
	if l.slots == nil {
		return
	}
	if err := l.slots.Release(ctx, callerID); err != nil {
		l.log.Warn("release call slot failed", "caller", callerID, "error", err)
	}
}

// logAudit is best-effort.
func (l *Lifecycle) logAudit(ctx context.Context, typ audit.EventType, actorID, callID, message string, meta map[string]any) {
	if l.audit == nil {
		return
	}
	var metadata string
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			metadata = string(b)
		}
	}
	if err := l.audit.LogCall(ctx, typ, actorID, callID, message, metadata); err != nil {
		l.log.Warn("audit append failed", "call_id", callID, "type", typ, "error", err)
	}
}
