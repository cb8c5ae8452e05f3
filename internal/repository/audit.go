package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// AuditRepository is append-only: entries are never updated or deleted.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

type MemoryAuditRepository struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	stored := *entry
	stored.Detail = maps.Clone(entry.Detail)
	r.entries = append(r.entries, stored)
	return nil
}

func (r *MemoryAuditRepository) ListAudit(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]domain.AuditEntry, 0)
	for _, entry := range r.entries {
		if !matchesAudit(entry, filter) {
			continue
		}
		copied := entry
		copied.Detail = maps.Clone(entry.Detail)
		items = append(items, copied)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func matchesAudit(entry domain.AuditEntry, filter domain.AuditFilter) bool {
	if filter.SubjectType != "" && entry.SubjectType != filter.SubjectType {
		return false
	}
	if filter.SubjectID != "" && entry.SubjectID != filter.SubjectID {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if filter.From != nil && entry.Timestamp.Before(*filter.From) {
		return false
	}
	if filter.To != nil && entry.Timestamp.After(*filter.To) {
		return false
	}
	return true
}

type PostgresAuditRepository struct {
	db Querier
}

func NewPostgresAuditRepository(db Querier) *PostgresAuditRepository {
	return &PostgresAuditRepository{db: db}
}

func (r *PostgresAuditRepository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO audit_logs (id, subject_type, subject_id, actor, action, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entry.ID, entry.SubjectType, entry.SubjectID, entry.Actor, entry.Action, detail, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *PostgresAuditRepository) ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	where, args := buildAuditFilters(filter)
	query := "SELECT id, subject_type, subject_id, actor, action, details, created_at FROM audit_logs" +
		where + " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	items := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry  domain.AuditEntry
			detail []byte
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.SubjectType,
			&entry.SubjectID,
			&entry.Actor,
			&entry.Action,
			&detail,
			&entry.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &entry.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		items = append(items, entry)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", rows.Err())
	}
	return items, nil
}

func buildAuditFilters(filter domain.AuditFilter) (string, []any) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 6)

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.SubjectType != "" {
		add("subject_type = $%d", filter.SubjectType)
	}
	if filter.SubjectID != "" {
		add("subject_id = $%d", filter.SubjectID)
	}
	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at <= $%d", *filter.To)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
