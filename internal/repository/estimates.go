package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// EstimateTx is the write surface of one estimate unit of work. Nothing is
// visible to readers until the enclosing Session.InTx returns nil.
type EstimateTx interface {
	// LockAggregate claims the estimate number for this transaction or fails
	// with *domain.ConflictError when another unit of work holds it.
	LockAggregate(ctx context.Context, estimateNumber string) error
	InsertEstimate(ctx context.Context, estimate *domain.Estimate) error
	InsertLineItems(ctx context.Context, items []domain.LineItem) error
	InsertAssumptions(ctx context.Context, assumptions []domain.Assumption) error
	InsertExclusions(ctx context.Context, exclusions []domain.Exclusion) error
	InsertRiskFactors(ctx context.Context, factors []domain.RiskFactor) error
}

// Session is owned by exactly one worker between Acquire and Release.
type Session interface {
	InTx(ctx context.Context, fn func(EstimateTx) error) error
	Release()
}

type SessionFactory interface {
	Acquire(ctx context.Context) (Session, error)
}

type EstimatesReader interface {
	GetEstimate(ctx context.Context, id uuid.UUID) (*domain.Estimate, error)
	GetEstimateByNumber(ctx context.Context, estimateNumber string) (*domain.Estimate, error)
	ListLineItems(ctx context.Context, estimateID uuid.UUID) ([]domain.LineItem, error)
}

// MemoryEstimateStore keeps committed estimates in memory. Writes are staged
// per transaction and applied under one lock on commit.
type MemoryEstimateStore struct {
	mu          sync.Mutex
	estimates   map[uuid.UUID]domain.Estimate
	numbers     map[string]uuid.UUID
	lineItems   map[uuid.UUID][]domain.LineItem
	assumptions map[uuid.UUID][]domain.Assumption
	exclusions  map[uuid.UUID][]domain.Exclusion
	riskFactors map[uuid.UUID][]domain.RiskFactor
	locks       map[string]struct{}
	open        int
	now         func() time.Time
}

func NewMemoryEstimateStore() *MemoryEstimateStore {
	return &MemoryEstimateStore{
		estimates:   make(map[uuid.UUID]domain.Estimate),
		numbers:     make(map[string]uuid.UUID),
		lineItems:   make(map[uuid.UUID][]domain.LineItem),
		assumptions: make(map[uuid.UUID][]domain.Assumption),
		exclusions:  make(map[uuid.UUID][]domain.Exclusion),
		riskFactors: make(map[uuid.UUID][]domain.RiskFactor),
		locks:       make(map[string]struct{}),
		now:         time.Now,
	}
}

func (s *MemoryEstimateStore) Acquire(_ context.Context) (Session, error) {
	s.mu.Lock()
	s.open++
	s.mu.Unlock()
	return &memorySession{store: s}, nil
}

// OpenSessions reports sessions acquired and not yet released.
func (s *MemoryEstimateStore) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *MemoryEstimateStore) GetEstimate(_ context.Context, id uuid.UUID) (*domain.Estimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	estimate, ok := s.estimates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &estimate, nil
}

func (s *MemoryEstimateStore) GetEstimateByNumber(_ context.Context, estimateNumber string) (*domain.Estimate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.numbers[estimateNumber]
	if !ok {
		return nil, ErrNotFound
	}
	estimate := s.estimates[id]
	return &estimate, nil
}

func (s *MemoryEstimateStore) ListLineItems(_ context.Context, estimateID uuid.UUID) ([]domain.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.lineItems[estimateID]), nil
}

// CountLineItems returns the number of committed line items across all estimates.
func (s *MemoryEstimateStore) CountLineItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, items := range s.lineItems {
		total += len(items)
	}
	return total
}

type memorySession struct {
	store *MemoryEstimateStore
	once  sync.Once
}

func (m *memorySession) Release() {
	m.once.Do(func() {
		m.store.mu.Lock()
		m.store.open--
		m.store.mu.Unlock()
	})
}

func (m *memorySession) InTx(_ context.Context, fn func(EstimateTx) error) error {
	tx := &memoryEstimateTx{store: m.store}
	defer tx.unlock()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

type memoryEstimateTx struct {
	store       *MemoryEstimateStore
	lockKeys    []string
	estimate    *domain.Estimate
	lineItems   []domain.LineItem
	assumptions []domain.Assumption
	exclusions  []domain.Exclusion
	riskFactors []domain.RiskFactor
}

func (t *memoryEstimateTx) LockAggregate(_ context.Context, estimateNumber string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, held := t.store.locks[estimateNumber]; held {
		return &domain.ConflictError{AggregateKey: estimateNumber}
	}
	t.store.locks[estimateNumber] = struct{}{}
	t.lockKeys = append(t.lockKeys, estimateNumber)
	return nil
}

func (t *memoryEstimateTx) InsertEstimate(_ context.Context, estimate *domain.Estimate) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, exists := t.store.numbers[estimate.EstimateNumber]; exists {
		return &domain.ConflictError{AggregateKey: estimate.EstimateNumber}
	}
	if estimate.ID == uuid.Nil {
		estimate.ID = uuid.New()
	}
	if estimate.CreatedAt.IsZero() {
		estimate.CreatedAt = t.store.now().UTC()
	}
	staged := *estimate
	t.estimate = &staged
	return nil
}

func (t *memoryEstimateTx) InsertLineItems(_ context.Context, items []domain.LineItem) error {
	t.lineItems = append(t.lineItems, items...)
	return nil
}

func (t *memoryEstimateTx) InsertAssumptions(_ context.Context, assumptions []domain.Assumption) error {
	t.assumptions = append(t.assumptions, assumptions...)
	return nil
}

func (t *memoryEstimateTx) InsertExclusions(_ context.Context, exclusions []domain.Exclusion) error {
	t.exclusions = append(t.exclusions, exclusions...)
	return nil
}

func (t *memoryEstimateTx) InsertRiskFactors(_ context.Context, factors []domain.RiskFactor) error {
	t.riskFactors = append(t.riskFactors, factors...)
	return nil
}

func (t *memoryEstimateTx) commit() error {
	if t.estimate == nil {
		return nil
	}

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.numbers[t.estimate.EstimateNumber]; exists {
		return &domain.ConflictError{AggregateKey: t.estimate.EstimateNumber}
	}
	id := t.estimate.ID
	s.estimates[id] = *t.estimate
	s.numbers[t.estimate.EstimateNumber] = id
	s.lineItems[id] = append(s.lineItems[id], t.lineItems...)
	s.assumptions[id] = append(s.assumptions[id], t.assumptions...)
	s.exclusions[id] = append(s.exclusions[id], t.exclusions...)
	s.riskFactors[id] = append(s.riskFactors[id], t.riskFactors...)
	return nil
}

func (t *memoryEstimateTx) unlock() {
	if len(t.lockKeys) == 0 {
		return
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, key := range t.lockKeys {
		delete(t.store.locks, key)
	}
	t.lockKeys = nil
}
