// Package store provides an in-memory settlement.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/szer/settlement/settlement"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every table in maps guarded by one mutex. WithTx holds the write
// lock for the whole callback and restores a snapshot if the callback fails.
type Memory struct {
	mu    sync.RWMutex
	state *memoryState
	Now   func() time.Time
}

type refKey struct {
	Reason      settlement.Reason
	ReferenceID string
}

type grantKey struct {
	UserID    settlement.UserID
	ProgramID settlement.ProgramID
}

type memoryState struct {
	balances   map[settlement.UserID]int64
	movements  map[settlement.UserID][]settlement.PointMovement
	references map[refKey]settlement.PointMovement
	grants     map[grantKey]settlement.PurchaseGrant
	intents    map[settlement.MerchantPaymentID]settlement.PaymentIntent
	programs   map[settlement.ProgramID]settlement.Program
}

func NewMemory() *Memory {
	return &Memory{
		state: &memoryState{
			balances:   make(map[settlement.UserID]int64),
			movements:  make(map[settlement.UserID][]settlement.PointMovement),
			references: make(map[refKey]settlement.PointMovement),
			grants:     make(map[grantKey]settlement.PurchaseGrant),
			intents:    make(map[settlement.MerchantPaymentID]settlement.PaymentIntent),
			programs:   make(map[settlement.ProgramID]settlement.Program),
		},
		Now: time.Now,
	}
}

var _ settlement.TxStore = (*Memory)(nil)

func (m *Memory) view() *memoryView {
	return &memoryView{state: m.state, now: m.Now}
}

func (m *Memory) read(fn func(v *memoryView) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.view())
}

// write runs fn under the write lock. Multi-step writes roll back on error.
func (m *Memory) write(fn func(v *memoryView) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.view()); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(settlement.Store) error) error {
	return m.write(func(v *memoryView) error { return fn(v) })
}

func (m *Memory) Balance(ctx context.Context, userID settlement.UserID) (balance int64, err error) {
	err = m.read(func(v *memoryView) error {
		balance, err = v.Balance(ctx, userID)
		return err
	})
	return balance, err
}

func (m *Memory) ApplyMovement(ctx context.Context, mv settlement.PointMovement) (balance int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Single-step write: a failed apply leaves nothing behind, and a duplicate must
	// still return its balance, so no snapshot is needed.
	return m.view().ApplyMovement(ctx, mv)
}

func (m *Memory) Movements(ctx context.Context, userID settlement.UserID) (out []settlement.PointMovement, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.Movements(ctx, userID)
		return err
	})
	return out, err
}

func (m *Memory) Users(ctx context.Context) (out []settlement.UserID, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.Users(ctx)
		return err
	})
	return out, err
}

func (m *Memory) HasGrant(ctx context.Context, userID settlement.UserID, programID settlement.ProgramID) (ok bool, err error) {
	err = m.read(func(v *memoryView) error {
		ok, err = v.HasGrant(ctx, userID, programID)
		return err
	})
	return ok, err
}

func (m *Memory) Grant(ctx context.Context, g settlement.PurchaseGrant) (created bool, err error) {
	err = m.write(func(v *memoryView) error {
		created, err = v.Grant(ctx, g)
		return err
	})
	return created, err
}

func (m *Memory) Grants(ctx context.Context, userID settlement.UserID) (out []settlement.PurchaseGrant, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.Grants(ctx, userID)
		return err
	})
	return out, err
}

func (m *Memory) CreateIntent(ctx context.Context, pi settlement.PaymentIntent) error {
	return m.write(func(v *memoryView) error { return v.CreateIntent(ctx, pi) })
}

func (m *Memory) GetIntent(ctx context.Context, id settlement.MerchantPaymentID) (pi settlement.PaymentIntent, err error) {
	err = m.read(func(v *memoryView) error {
		pi, err = v.GetIntent(ctx, id)
		return err
	})
	return pi, err
}

func (m *Memory) TransitionIntent(ctx context.Context, id settlement.MerchantPaymentID, expected, next settlement.Status, providerPaymentID string) (pi settlement.PaymentIntent, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view().TransitionIntent(ctx, id, expected, next, providerPaymentID)
}

func (m *Memory) ListIntents(ctx context.Context, f settlement.IntentFilter) (out []settlement.PaymentIntent, err error) {
	err = m.read(func(v *memoryView) error {
		out, err = v.ListIntents(ctx, f)
		return err
	})
	return out, err
}

func (m *Memory) GetProgram(ctx context.Context, id settlement.ProgramID) (p settlement.Program, err error) {
	err = m.read(func(v *memoryView) error {
		p, err = v.GetProgram(ctx, id)
		return err
	})
	return p, err
}

func (m *Memory) SaveProgram(ctx context.Context, p settlement.Program) error {
	return m.write(func(v *memoryView) error { return v.SaveProgram(ctx, p) })
}

// =============================================================================
// UNLOCKED VIEW - callers hold the lock
// =============================================================================

type memoryView struct {
	state *memoryState
	now   func() time.Time
}

func (v *memoryView) Balance(_ context.Context, userID settlement.UserID) (int64, error) {
	return v.state.balances[userID], nil
}

func (v *memoryView) ApplyMovement(_ context.Context, mv settlement.PointMovement) (int64, error) {
	if mv.UserID == "" || mv.ReferenceID == "" || mv.Delta == 0 || !mv.Reason.Valid() {
		return 0, fmt.Errorf("%w: %+v", settlement.ErrInvalidMovement, mv)
	}

	current := v.state.balances[mv.UserID]
	if _, dup := v.state.references[refKey{mv.Reason, mv.ReferenceID}]; dup {
		return current, &settlement.DuplicateReferenceError{Reason: mv.Reason, ReferenceID: mv.ReferenceID, Balance: current}
	}

	next := current + mv.Delta
	if next < 0 {
		return current, &settlement.InsufficientBalanceError{UserID: mv.UserID, Available: current, Requested: -mv.Delta}
	}

	mv.ID = uuid.NewString()
	mv.BalanceAfter = next
	mv.CreatedAt = v.now().UTC()

	v.state.balances[mv.UserID] = next
	v.state.movements[mv.UserID] = append(v.state.movements[mv.UserID], mv)
	v.state.references[refKey{mv.Reason, mv.ReferenceID}] = mv
	return next, nil
}

func (v *memoryView) Movements(_ context.Context, userID settlement.UserID) ([]settlement.PointMovement, error) {
	out := make([]settlement.PointMovement, len(v.state.movements[userID]))
	copy(out, v.state.movements[userID])
	return out, nil
}

func (v *memoryView) Users(_ context.Context) ([]settlement.UserID, error) {
	users := make([]settlement.UserID, 0, len(v.state.balances))
	for u := range v.state.balances {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (v *memoryView) HasGrant(_ context.Context, userID settlement.UserID, programID settlement.ProgramID) (bool, error) {
	_, ok := v.state.grants[grantKey{userID, programID}]
	return ok, nil
}

func (v *memoryView) Grant(_ context.Context, g settlement.PurchaseGrant) (bool, error) {
	k := grantKey{g.UserID, g.ProgramID}
	if _, ok := v.state.grants[k]; ok {
		return false, nil
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = v.now()
	}
	g.GrantedAt = g.GrantedAt.UTC()
	v.state.grants[k] = g
	return true, nil
}

func (v *memoryView) Grants(_ context.Context, userID settlement.UserID) ([]settlement.PurchaseGrant, error) {
	var out []settlement.PurchaseGrant
	for k, g := range v.state.grants {
		if k.UserID == userID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].ProgramID < out[j].ProgramID
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}

func (v *memoryView) CreateIntent(_ context.Context, pi settlement.PaymentIntent) error {
	if err := pi.Validate(); err != nil {
		return err
	}
	if _, exists := v.state.intents[pi.MerchantPaymentID]; exists {
		return fmt.Errorf("%w: merchant payment id %s already exists", settlement.ErrInvalidIntent, pi.MerchantPaymentID)
	}
	now := v.now().UTC()
	if pi.CreatedAt.IsZero() {
		pi.CreatedAt = now
	}
	if pi.UpdatedAt.IsZero() {
		pi.UpdatedAt = pi.CreatedAt
	}
	if pi.Status == "" {
		pi.Status = settlement.StatusCreated
	}
	v.state.intents[pi.MerchantPaymentID] = pi
	return nil
}

func (v *memoryView) GetIntent(_ context.Context, id settlement.MerchantPaymentID) (settlement.PaymentIntent, error) {
	pi, ok := v.state.intents[id]
	if !ok {
		return settlement.PaymentIntent{}, fmt.Errorf("payment intent %s: %w", id, settlement.ErrNotFound)
	}
	return pi, nil
}

func (v *memoryView) TransitionIntent(ctx context.Context, id settlement.MerchantPaymentID, expected, next settlement.Status, providerPaymentID string) (settlement.PaymentIntent, error) {
	if !settlement.CanTransition(expected, next) {
		return settlement.PaymentIntent{}, fmt.Errorf("%w: %s -> %s", settlement.ErrIllegalTransition, expected, next)
	}
	pi, err := v.GetIntent(ctx, id)
	if err != nil {
		return settlement.PaymentIntent{}, err
	}
	if pi.Status != expected {
		return pi, &settlement.StaleTransitionError{MerchantPaymentID: id, Expected: expected, Actual: pi.Status}
	}

	pi.Status = next
	if providerPaymentID != "" {
		pi.ProviderPaymentID = providerPaymentID
	}
	pi.UpdatedAt = v.now().UTC()
	v.state.intents[id] = pi
	return pi, nil
}

func (v *memoryView) ListIntents(_ context.Context, f settlement.IntentFilter) ([]settlement.PaymentIntent, error) {
	var out []settlement.PaymentIntent
	for _, pi := range v.state.intents {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, pi.Status) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !pi.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		out = append(out, pi)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].MerchantPaymentID < out[j].MerchantPaymentID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (v *memoryView) GetProgram(_ context.Context, id settlement.ProgramID) (settlement.Program, error) {
	p, ok := v.state.programs[id]
	if !ok {
		return settlement.Program{}, fmt.Errorf("%w: %d", settlement.ErrProgramNotFound, id)
	}
	return p, nil
}

func (v *memoryView) SaveProgram(_ context.Context, p settlement.Program) error {
	if p.ID <= 0 {
		return fmt.Errorf("program id must be positive, got %d", p.ID)
	}
	v.state.programs[p.ID] = p
	return nil
}

// =============================================================================
// SNAPSHOT
// =============================================================================

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		balances:   make(map[settlement.UserID]int64, len(s.balances)),
		movements:  make(map[settlement.UserID][]settlement.PointMovement, len(s.movements)),
		references: make(map[refKey]settlement.PointMovement, len(s.references)),
		grants:     make(map[grantKey]settlement.PurchaseGrant, len(s.grants)),
		intents:    make(map[settlement.MerchantPaymentID]settlement.PaymentIntent, len(s.intents)),
		programs:   make(map[settlement.ProgramID]settlement.Program, len(s.programs)),
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.movements {
		c.movements[k] = append([]settlement.PointMovement(nil), v...)
	}
	for k, v := range s.references {
		c.references[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	for k, v := range s.intents {
		c.intents[k] = v
	}
	for k, v := range s.programs {
		c.programs[k] = v
	}
	return c
}

func containsStatus(statuses []settlement.Status, s settlement.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
