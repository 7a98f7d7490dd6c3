package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// CampaignRepository is the PostgreSQL CampaignStore.
type CampaignRepository struct {
	DB *sql.DB
}

var _ CampaignStore = (*CampaignRepository)(nil)

const campaignColumns = `id, tenant_id, name, provider, message_kind, content, targeting, pacing,
	status, failure_reason, total_recipients, sent_count, delivered_count, read_count, failed_count,
	scheduled_for, started_at, paused_at, completed_at, cancelled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var content, targeting, pacing []byte
	if err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Provider, &c.Kind, &content, &targeting, &pacing,
		&c.Status, &c.FailureReason, &c.TotalRecipients, &c.SentCount, &c.DeliveredCount, &c.ReadCount, &c.FailedCount,
		&c.ScheduledFor, &c.StartedAt, &c.PausedAt, &c.CompletedAt, &c.CancelledAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &c.Content); err != nil {
		return nil, fmt.Errorf("decode content of campaign %d: %w", c.ID, err)
	}
	if err := json.Unmarshal(targeting, &c.Targeting); err != nil {
		return nil, fmt.Errorf("decode targeting of campaign %d: %w", c.ID, err)
	}
	if err := json.Unmarshal(pacing, &c.Pacing); err != nil {
		return nil, fmt.Errorf("decode pacing of campaign %d: %w", c.ID, err)
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) CreateCampaign(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error {
	content, err := json.Marshal(c.Content)
	if err != nil {
		return err
	}
	targeting, err := json.Marshal(c.Targeting)
	if err != nil {
		return err
	}
	pacing, err := json.Marshal(c.Pacing)
	if err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = model.CampaignStatusDraft
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	c.TotalRecipients = len(recipients)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO campaigns (tenant_id, name, provider, message_kind, content, targeting, pacing,
			status, total_recipients, scheduled_for, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING id`,
		c.TenantID, c.Name, c.Provider, c.Kind, content, targeting, pacing,
		c.Status, c.TotalRecipients, c.ScheduledFor, c.StartedAt, now,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	if err := copyRecipients(ctx, tx, c.ID, recipients); err != nil {
		return err
	}
	return tx.Commit()
}

func copyRecipients(ctx context.Context, tx *sql.Tx, campaignID int64, recipients []model.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("campaign_recipients", "campaign_id", "contact_id", "address", "variables"))
	if err != nil {
		return fmt.Errorf("prepare recipient copy: %w", err)
	}
	for _, rc := range recipients {
		vars, err := json.Marshal(rc.Variables)
		if err != nil {
			_ = stmt.Close()
			return err
		}
		if _, err := stmt.ExecContext(ctx, campaignID, rc.ContactID, rc.Address, string(vars)); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("copy recipient: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return fmt.Errorf("flush recipient copy: %w", err)
	}
	return stmt.Close()
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, f model.CampaignFilter) ([]*model.Campaign, int, error) {
	offset, limit := pageBounds(f.Offset, f.Limit)
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if f.TenantID != "" {
		where += fmt.Sprintf(" AND tenant_id=$%d", argPos)
		args = append(args, f.TenantID)
		argPos++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, f.Status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...any) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *CampaignRepository) ListByStatus(ctx context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	return r.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE status = ANY($1) ORDER BY id`,
		pq.Array(statusStrings(statuses)))
}

func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]*model.Campaign, error) {
	return r.queryCampaigns(ctx,
		`SELECT `+campaignColumns+` FROM campaigns
		 WHERE status = $1 AND scheduled_for IS NOT NULL AND scheduled_for <= $2
		 ORDER BY scheduled_for, id`,
		model.CampaignStatusScheduled, now)
}

// timestampColumn names the lifecycle column stamped when entering status to.
func timestampColumn(to model.CampaignStatus) string {
	switch to {
	case model.CampaignStatusSending:
		return "started_at = COALESCE(started_at, $3)"
	case model.CampaignStatusPaused:
		return "paused_at = $3"
	case model.CampaignStatusCompleted, model.CampaignStatusFailed:
		return "completed_at = $3"
	case model.CampaignStatusCancelled:
		return "cancelled_at = $3"
	}
	return ""
}

func (r *CampaignRepository) TransitionStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, at time.Time, reason string) (*model.Campaign, error) {
	set := "status = $2, updated_at = $3, failure_reason = $5"
	if col := timestampColumn(to); col != "" {
		set += ", " + col
	}
	if to != model.CampaignStatusFailed {
		reason = ""
	}
	c, err := scanCampaign(r.DB.QueryRowContext(ctx,
		`UPDATE campaigns SET `+set+` WHERE id = $1 AND status = ANY($4) RETURNING `+campaignColumns,
		id, to, at, pq.Array(statusStrings(from)), reason))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	current, err := r.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, appErrors.NewInvalidTransition(id, string(current.Status), string(to))
}

// lockCampaign reads the campaign FOR UPDATE and checks its status is allowed.
func lockCampaign(ctx context.Context, tx *sql.Tx, id int64, allowed []model.CampaignStatus, target string) (*model.Campaign, error) {
	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	if !containsStatus(allowed, c.Status) {
		return nil, appErrors.NewInvalidTransition(id, string(c.Status), target)
	}
	return c, nil
}

func (r *CampaignRepository) DeleteCampaign(ctx context.Context, id int64, allowed []model.CampaignStatus) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockCampaign(ctx, tx, id, allowed, "deleted"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// GetProgress reads the counters and the row breakdown from one snapshot so
// the totals always add up.
func (r *CampaignRepository) GetProgress(ctx context.Context, campaignID int64) (*model.Progress, error) {
	tx, err := r.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	c, err := scanCampaign(tx.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, campaignID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(campaignID)
		}
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_recipients
		WHERE campaign_id = $1 AND status IN ('pending', 'sending', 'cancelled')
		GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	p := &model.Progress{
		CampaignID:      c.ID,
		Status:          c.Status,
		FailureReason:   c.FailureReason,
		TotalRecipients: c.TotalRecipients,
		Sent:            c.SentCount,
		Delivered:       c.DeliveredCount,
		Read:            c.ReadCount,
		Failed:          c.FailedCount,
		StartedAt:       c.StartedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	for rows.Next() {
		var status model.RecipientStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch status {
		case model.RecipientStatusPending:
			p.Pending += n
		case model.RecipientStatusSending:
			p.Pending += n
			p.InFlight = n
		case model.RecipientStatusCancelled:
			p.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return p, tx.Commit()
}

func (r *CampaignRepository) Recount(ctx context.Context, campaignID int64) (*model.Campaign, error) {
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, `
		UPDATE campaigns c SET
			total_recipients = agg.total,
			sent_count       = agg.sent,
			delivered_count  = agg.delivered,
			read_count       = agg.read,
			failed_count     = agg.failed,
			updated_at       = NOW()
		FROM (
			SELECT
				COUNT(*)                                                   AS total,
				COUNT(*) FILTER (WHERE status IN ('sent','delivered','read')) AS sent,
				COUNT(*) FILTER (WHERE status IN ('delivered','read'))     AS delivered,
				COUNT(*) FILTER (WHERE status = 'read')                    AS read,
				COUNT(*) FILTER (WHERE status = 'failed')                  AS failed
			FROM campaign_recipients WHERE campaign_id = $1
		) agg
		WHERE c.id = $1
		RETURNING `+campaignColumns, campaignID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(campaignID)
		}
		return nil, err
	}
	return c, nil
}
