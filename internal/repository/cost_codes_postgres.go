package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

type PostgresCostCodeRepository struct {
	db DB
}

func NewPostgresCostCodeRepository(db DB) *PostgresCostCodeRepository {
	return &PostgresCostCodeRepository{db: db}
}

func (r *PostgresCostCodeRepository) GetCostCode(ctx context.Context, code string) (*domain.CostCode, error) {
	var stored domain.CostCode
	err := r.db.QueryRow(ctx, `
		SELECT id, code, description, unit_of_measure, source_database,
			unit_cost_material, unit_cost_labor, unit_cost_other, unit_cost_total, updated_at
		FROM cost_codes
		WHERE code = $1
	`, strings.TrimSpace(code)).Scan(
		&stored.ID,
		&stored.Code,
		&stored.Description,
		&stored.UnitOfMeasure,
		&stored.SourceDatabase,
		&stored.UnitCostMaterial,
		&stored.UnitCostLabor,
		&stored.UnitCostOther,
		&stored.UnitCostTotal,
		&stored.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query cost code: %w", err)
	}
	return &stored, nil
}

// UpsertCostCodes writes the whole import in one transaction.
func (r *PostgresCostCodeRepository) UpsertCostCodes(ctx context.Context, codes []domain.CostCode) (int, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	for _, code := range codes {
		if err := validateCostCode(code); err != nil {
			return 0, err
		}
	}

	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, code := range codes {
			id := code.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			batch.Queue(`
				INSERT INTO cost_codes (
					id, code, description, unit_of_measure, source_database,
					unit_cost_material, unit_cost_labor, unit_cost_other, unit_cost_total
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
				ON CONFLICT (code) DO UPDATE SET
					description = EXCLUDED.description,
					unit_of_measure = EXCLUDED.unit_of_measure,
					source_database = EXCLUDED.source_database,
					unit_cost_material = EXCLUDED.unit_cost_material,
					unit_cost_labor = EXCLUDED.unit_cost_labor,
					unit_cost_other = EXCLUDED.unit_cost_other,
					unit_cost_total = EXCLUDED.unit_cost_total,
					updated_at = now()
			`,
				id,
				strings.TrimSpace(code.Code),
				code.Description,
				code.UnitOfMeasure,
				code.SourceDatabase,
				code.UnitCostMaterial,
				code.UnitCostLabor,
				code.UnitCostOther,
				code.UnitCostTotal,
			)
		}

		results := tx.SendBatch(ctx, batch)
		for i := range codes {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("upsert cost code %s: %w", codes[i].Code, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("close cost code batch: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(codes), nil
}
