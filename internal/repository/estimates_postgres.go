package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// PostgresSessionFactory hands each worker a dedicated pooled connection.
type PostgresSessionFactory struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionFactory(pool *pgxpool.Pool) *PostgresSessionFactory {
	return &PostgresSessionFactory{pool: pool}
}

func (f *PostgresSessionFactory) Acquire(ctx context.Context) (Session, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire pg connection: %w", err)
	}
	return &postgresSession{conn: conn, release: conn.Release}, nil
}

type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type postgresSession struct {
	conn    txStarter
	release func()
	once    sync.Once
}

func (s *postgresSession) Release() {
	s.once.Do(s.release)
}

func (s *postgresSession) InTx(ctx context.Context, fn func(EstimateTx) error) error {
	return inTx(ctx, s.conn, func(tx pgx.Tx) error {
		return fn(&postgresEstimateTx{tx: tx})
	})
}

type postgresEstimateTx struct {
	tx pgx.Tx
}

func (t *postgresEstimateTx) LockAggregate(ctx context.Context, estimateNumber string) error {
	var acquired bool
	if err := t.tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock(hashtext($1))", estimateNumber).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire estimate lock: %w", err)
	}
	if !acquired {
		return &domain.ConflictError{AggregateKey: estimateNumber}
	}
	return nil
}

func (t *postgresEstimateTx) InsertEstimate(ctx context.Context, estimate *domain.Estimate) error {
	if estimate.ID == uuid.Nil {
		estimate.ID = uuid.New()
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO estimates (
			id, project_id, estimate_number, aace_class, base_cost, contingency_percentage,
			p50_cost, p80_cost, p95_cost, narrative, created_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at
	`,
		estimate.ID,
		estimate.ProjectID,
		estimate.EstimateNumber,
		string(estimate.AACEClass),
		estimate.BaseCost,
		estimate.ContingencyPercent,
		estimate.P50Cost,
		estimate.P80Cost,
		estimate.P95Cost,
		estimate.Narrative,
		estimate.CreatedBy,
	).Scan(&estimate.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{AggregateKey: estimate.EstimateNumber, Err: err}
		}
		return fmt.Errorf("insert estimate: %w", err)
	}
	return nil
}

// InsertLineItems queues one INSERT per item in the given order so the
// self-referencing parent key is always satisfied.
func (t *postgresEstimateTx) InsertLineItems(ctx context.Context, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO estimate_line_items (
				id, estimate_id, parent_line_item_id, wbs_code, cost_code, description,
				quantity, unit_of_measure, unit_cost_material, unit_cost_labor, unit_cost_other,
				unit_cost_total, total_cost, position
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`,
			item.ID,
			item.EstimateID,
			item.ParentID,
			item.WBSCode,
			item.CostCode,
			item.Description,
			item.Quantity,
			item.UnitOfMeasure,
			item.UnitCostMaterial,
			item.UnitCostLabor,
			item.UnitCostOther,
			item.UnitCostTotal,
			item.TotalCost,
			item.Position,
		)
	}

	results := t.tx.SendBatch(ctx, batch)
	for i := range items {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("insert line item %s: %w", items[i].TempKey, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close line item batch: %w", err)
	}
	return nil
}

func (t *postgresEstimateTx) InsertAssumptions(ctx context.Context, assumptions []domain.Assumption) error {
	rows := make([][]any, 0, len(assumptions))
	for _, assumption := range assumptions {
		rows = append(rows, []any{assumption.ID, assumption.EstimateID, assumption.Text, assumption.Category})
	}
	return t.copyRows(ctx, "estimate_assumptions", []string{"id", "estimate_id", "assumption_text", "category"}, rows)
}

func (t *postgresEstimateTx) InsertExclusions(ctx context.Context, exclusions []domain.Exclusion) error {
	rows := make([][]any, 0, len(exclusions))
	for _, exclusion := range exclusions {
		rows = append(rows, []any{exclusion.ID, exclusion.EstimateID, exclusion.Text, exclusion.Category})
	}
	return t.copyRows(ctx, "estimate_exclusions", []string{"id", "estimate_id", "exclusion_text", "category"}, rows)
}

func (t *postgresEstimateTx) InsertRiskFactors(ctx context.Context, factors []domain.RiskFactor) error {
	rows := make([][]any, 0, len(factors))
	for _, factor := range factors {
		rows = append(rows, []any{
			factor.ID, factor.EstimateID, factor.Name, factor.Distribution,
			factor.Min, factor.Likely, factor.Max, factor.Mean, factor.StdDev,
		})
	}
	return t.copyRows(ctx, "estimate_risk_factors", []string{
		"id", "estimate_id", "factor_name", "distribution",
		"param_min", "param_likely", "param_max", "param_mean", "param_std_dev",
	}, rows)
}

func (t *postgresEstimateTx) copyRows(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy %s: %w", table, err)
	}
	return nil
}

type PostgresEstimatesRepository struct {
	db Querier
}

func NewPostgresEstimatesRepository(db Querier) *PostgresEstimatesRepository {
	return &PostgresEstimatesRepository{db: db}
}

const estimateColumns = `id, project_id, estimate_number, aace_class, base_cost, contingency_percentage,
	p50_cost, p80_cost, p95_cost, narrative, created_by, created_at`

func (r *PostgresEstimatesRepository) GetEstimate(ctx context.Context, id uuid.UUID) (*domain.Estimate, error) {
	return r.getEstimate(ctx, `SELECT `+estimateColumns+` FROM estimates WHERE id = $1`, id)
}

func (r *PostgresEstimatesRepository) GetEstimateByNumber(ctx context.Context, estimateNumber string) (*domain.Estimate, error) {
	return r.getEstimate(ctx, `SELECT `+estimateColumns+` FROM estimates WHERE estimate_number = $1`, estimateNumber)
}

func (r *PostgresEstimatesRepository) getEstimate(ctx context.Context, query string, arg any) (*domain.Estimate, error) {
	var (
		estimate  domain.Estimate
		aaceClass string
	)
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&estimate.ID,
		&estimate.ProjectID,
		&estimate.EstimateNumber,
		&aaceClass,
		&estimate.BaseCost,
		&estimate.ContingencyPercent,
		&estimate.P50Cost,
		&estimate.P80Cost,
		&estimate.P95Cost,
		&estimate.Narrative,
		&estimate.CreatedBy,
		&estimate.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query estimate: %w", err)
	}
	estimate.AACEClass = domain.AACEClass(aaceClass)
	return &estimate, nil
}

func (r *PostgresEstimatesRepository) ListLineItems(ctx context.Context, estimateID uuid.UUID) ([]domain.LineItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, estimate_id, parent_line_item_id, wbs_code, cost_code, description,
			quantity, unit_of_measure, unit_cost_material, unit_cost_labor, unit_cost_other,
			unit_cost_total, total_cost, position
		FROM estimate_line_items
		WHERE estimate_id = $1
		ORDER BY position ASC
	`, estimateID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0)
	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(
			&item.ID,
			&item.EstimateID,
			&item.ParentID,
			&item.WBSCode,
			&item.CostCode,
			&item.Description,
			&item.Quantity,
			&item.UnitOfMeasure,
			&item.UnitCostMaterial,
			&item.UnitCostLabor,
			&item.UnitCostOther,
			&item.UnitCostTotal,
			&item.TotalCost,
			&item.Position,
		); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate line items: %w", rows.Err())
	}
	return items, nil
}
