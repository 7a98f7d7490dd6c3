package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// ContactRepository reads and seeds the contacts table.
type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `id, tenant_id, phone, first_name, last_name, city, language, opted_out,
	tag_ids, group_ids, created_at, last_order_at`

func scanContact(row interface{ Scan(...any) error }) (*model.Contact, error) {
	var c model.Contact
	var tags, groups pq.Int64Array
	if err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.FirstName, &c.LastName, &c.City, &c.Language,
		&c.OptedOut, &tags, &groups, &c.CreatedAt, &c.LastOrderAt); err != nil {
		return nil, err
	}
	c.TagIDs = []int64(tags)
	c.GroupIDs = []int64(groups)
	return &c, nil
}

// GetContact fetches one contact of the tenant.
func (r *ContactRepository) GetContact(ctx context.Context, tenantID string, id int64) (*model.Contact, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	c, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewContactNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

// ListPopulation selects contacts by targeting type. Filters are evaluated by the caller.
func (r *ContactRepository) ListPopulation(ctx context.Context, tenantID string, rule model.TargetingRule) ([]*model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE tenant_id = $1`
	args := []any{tenantID}

	switch rule.Type {
	case model.TargetAll:
	case model.TargetGroup:
		if rule.GroupID == nil {
			return nil, appErrors.NewValidation("targeting.group_id", "is required for GROUP targeting")
		}
		query += ` AND group_ids @> ARRAY[$2]::BIGINT[]`
		args = append(args, *rule.GroupID)
	case model.TargetTag:
		query += ` AND tag_ids && $2::BIGINT[]`
		args = append(args, pq.Array(rule.TagIDs))
	case model.TargetCustom:
		query += ` AND id = ANY($2::BIGINT[])`
		args = append(args, pq.Array(rule.ContactIDs))
	default:
		return nil, appErrors.NewValidation("targeting.type", "unknown targeting type %q", rule.Type)
	}
	query += ` ORDER BY id`

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []*model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BulkInsert loads contacts with COPY and returns how many were written.
func (r *ContactRepository) BulkInsert(ctx context.Context, contacts []*model.Contact) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("contacts",
		"tenant_id", "phone", "first_name", "last_name", "city", "language", "opted_out",
		"tag_ids", "group_ids", "created_at", "last_order_at"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}
	for _, c := range contacts {
		if _, err := stmt.ExecContext(ctx, c.TenantID, c.Phone, c.FirstName, c.LastName, c.City, c.Language,
			c.OptedOut, int64Array(c.TagIDs), int64Array(c.GroupIDs), createdAt(c), c.LastOrderAt); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("copy contact: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(contacts), nil
}

// int64Array never encodes NULL; the array columns are NOT NULL.
func int64Array(ids []int64) pq.Int64Array {
	if ids == nil {
		return pq.Int64Array{}
	}
	return pq.Int64Array(ids)
}

func createdAt(c *model.Contact) time.Time {
	if c.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return c.CreatedAt
}

var _ ContactSource = (*ContactRepository)(nil)
