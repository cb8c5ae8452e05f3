package repository

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// CostCodeRepository is the reference cost database. Codes are unique;
// UpsertCostCodes replaces an existing entry with the same code.
type CostCodeRepository interface {
	GetCostCode(ctx context.Context, code string) (*domain.CostCode, error)
	UpsertCostCodes(ctx context.Context, codes []domain.CostCode) (int, error)
}

type MemoryCostCodeRepository struct {
	mu    sync.RWMutex
	codes map[string]domain.CostCode
	now   func() time.Time
}

func NewMemoryCostCodeRepository() *MemoryCostCodeRepository {
	return &MemoryCostCodeRepository{
		codes: make(map[string]domain.CostCode),
		now:   time.Now,
	}
}

func (r *MemoryCostCodeRepository) GetCostCode(_ context.Context, code string) (*domain.CostCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, ok := r.codes[strings.TrimSpace(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return &stored, nil
}

func (r *MemoryCostCodeRepository) UpsertCostCodes(_ context.Context, codes []domain.CostCode) (int, error) {
	for _, code := range codes {
		if err := validateCostCode(code); err != nil {
			return 0, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	for _, code := range codes {
		code.Code = strings.TrimSpace(code.Code)
		if existing, ok := r.codes[code.Code]; ok {
			code.ID = existing.ID
		} else if code.ID == uuid.Nil {
			code.ID = uuid.New()
		}
		code.UpdatedAt = now
		r.codes[code.Code] = code
	}
	return len(codes), nil
}

func validateCostCode(code domain.CostCode) error {
	if strings.TrimSpace(code.Code) == "" {
		return &domain.ValidationError{Field: "code", Reason: "cost code is required"}
	}
	if strings.TrimSpace(code.Description) == "" {
		return &domain.ValidationError{Field: "description", Reason: "cost code " + code.Code + " needs a description"}
	}
	return nil
}
