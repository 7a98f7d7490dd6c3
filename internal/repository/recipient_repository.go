package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

const recipientColumns = `id, campaign_id, contact_id, address, variables, status, attempts,
	provider_message_id, last_error, claimed_by, claimed_at, sent_at, delivered_at, read_at, failed_at,
	created_at, updated_at`

func scanRecipient(row rowScanner) (*model.RecipientRow, error) {
	var rr model.RecipientRow
	var vars []byte
	if err := row.Scan(&rr.ID, &rr.CampaignID, &rr.ContactID, &rr.Address, &vars, &rr.Status, &rr.Attempts,
		&rr.ProviderMessageID, &rr.LastError, &rr.ClaimedBy, &rr.ClaimedAt, &rr.SentAt, &rr.DeliveredAt,
		&rr.ReadAt, &rr.FailedAt, &rr.CreatedAt, &rr.UpdatedAt); err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &rr.Variables); err != nil {
			return nil, fmt.Errorf("decode variables of recipient %d: %w", rr.ID, err)
		}
	}
	return &rr, nil
}

// ====================== Dispatch ======================

func (r *CampaignRepository) ClaimPendingBatch(ctx context.Context, campaignID int64, limit int, claimant string, at time.Time) ([]*model.RecipientRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `
		UPDATE campaign_recipients r
		SET status = 'sending', attempts = r.attempts + 1, claimed_by = $3, claimed_at = $4, updated_at = $4
		FROM (
			SELECT id FROM campaign_recipients
			WHERE campaign_id = $1 AND status = 'pending'
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) claim
		WHERE r.id = claim.id
		RETURNING `+prefixColumns("r", recipientColumns),
		campaignID, limit, claimant, at)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var batch []*model.RecipientRow
	for rows.Next() {
		rr, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	return batch, nil
}

func (r *CampaignRepository) RecordOutcome(ctx context.Context, rowID int64, o model.Outcome) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var campaignID int64
	var status model.RecipientStatus
	err = tx.QueryRowContext(ctx,
		`SELECT campaign_id, status FROM campaign_recipients WHERE id = $1 FOR UPDATE`, rowID,
	).Scan(&campaignID, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("recipient %d not found", rowID)
		}
		return false, err
	}
	if status.IsTerminal() {
		return false, nil
	}

	at := o.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var counter string
	switch o.Resolution {
	case model.ResolutionSent:
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_recipients
			SET status = 'sent', provider_message_id = $2, last_error = '', sent_at = $3,
				claimed_by = '', claimed_at = NULL, updated_at = $3
			WHERE id = $1`, rowID, o.ProviderMessageID, at)
		counter = "sent_count"
	case model.ResolutionFailed:
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_recipients
			SET status = 'failed', last_error = $2, failed_at = $3,
				claimed_by = '', claimed_at = NULL, updated_at = $3
			WHERE id = $1`, rowID, o.Error, at)
		counter = "failed_count"
	case model.ResolutionRetry:
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_recipients
			SET status = 'pending', last_error = $2, claimed_by = '', claimed_at = NULL, updated_at = $3
			WHERE id = $1`, rowID, o.Error, at)
	case model.ResolutionRequeue:
		_, err = tx.ExecContext(ctx, `
			UPDATE campaign_recipients
			SET status = 'pending', attempts = GREATEST(attempts - 1, 0), last_error = $2,
				claimed_by = '', claimed_at = NULL, updated_at = $3
			WHERE id = $1`, rowID, o.Error, at)
	default:
		return false, fmt.Errorf("unknown resolution %q", o.Resolution)
	}
	if err != nil {
		return false, fmt.Errorf("update recipient %d: %w", rowID, err)
	}

	if counter != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE campaigns SET `+counter+` = `+counter+` + 1, updated_at = $2 WHERE id = $1`,
			campaignID, at); err != nil {
			return false, fmt.Errorf("bump %s: %w", counter, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *CampaignRepository) ReleaseStaleClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	var released int
	err := r.DB.QueryRowContext(ctx, `
		WITH stale AS (
			SELECT r.id, r.campaign_id,
				c.status = 'cancelled' AS cancelled,
				c.status <> 'cancelled'
					AND r.attempts >= GREATEST(COALESCE((c.pacing->>'max_attempts')::INT, 0), 1) AS exhausted
			FROM campaign_recipients r
			JOIN campaigns c ON c.id = r.campaign_id
			WHERE r.status = 'sending' AND r.claimed_at < $1
			FOR UPDATE OF r SKIP LOCKED
		), released AS (
			UPDATE campaign_recipients r
			SET status     = CASE WHEN s.cancelled THEN 'cancelled' WHEN s.exhausted THEN 'failed' ELSE 'pending' END,
				failed_at  = CASE WHEN s.exhausted THEN NOW() ELSE NULL END,
				last_error = CASE WHEN s.exhausted THEN 'claim lease expired after final attempt' ELSE r.last_error END,
				claimed_by = '', claimed_at = NULL, updated_at = NOW()
			FROM stale s
			WHERE r.id = s.id
			RETURNING r.campaign_id, s.exhausted
		), failed AS (
			UPDATE campaigns c
			SET failed_count = c.failed_count + f.n, updated_at = NOW()
			FROM (SELECT campaign_id, COUNT(*) AS n FROM released WHERE exhausted GROUP BY campaign_id) f
			WHERE c.id = f.campaign_id
		)
		SELECT COUNT(*) FROM released`, staleBefore).Scan(&released)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return released, nil
}

func (r *CampaignRepository) CountInFlight(ctx context.Context, campaignID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1 AND status = 'sending'`, campaignID,
	).Scan(&n)
	return n, err
}

func (r *CampaignRepository) CancelPending(ctx context.Context, campaignID int64, at time.Time) (int, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'cancelled', updated_at = $2
		WHERE campaign_id = $1 AND status = 'pending'`, campaignID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *CampaignRepository) ReplacePending(ctx context.Context, campaignID int64, allowed []model.CampaignStatus, recipients []model.Recipient) (*model.Campaign, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockCampaign(ctx, tx, campaignID, allowed, "retargeted"); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM campaign_recipients WHERE campaign_id = $1 AND status = 'pending'`, campaignID); err != nil {
		return nil, fmt.Errorf("drop pending rows: %w", err)
	}

	kept := make(map[int64]bool)
	keptAddr := make(map[string]bool)
	rows, err := tx.QueryContext(ctx,
		`SELECT contact_id, address FROM campaign_recipients WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id int64
		var addr string
		if err := rows.Scan(&id, &addr); err != nil {
			rows.Close()
			return nil, err
		}
		kept[id] = true
		keptAddr[addr] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fresh := make([]model.Recipient, 0, len(recipients))
	for _, rc := range recipients {
		if kept[rc.ContactID] || keptAddr[rc.Address] {
			continue
		}
		fresh = append(fresh, rc)
	}
	if err := copyRecipients(ctx, tx, campaignID, fresh); err != nil {
		return nil, err
	}

	c, err := scanCampaign(tx.QueryRowContext(ctx, `
		UPDATE campaigns SET
			total_recipients = (SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+campaignColumns, campaignID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListRecipients(ctx context.Context, f model.RecipientFilter) ([]*model.RecipientRow, int, error) {
	offset, limit := pageBounds(f.Offset, f.Limit)
	where := ` WHERE campaign_id = $1`
	args := []any{f.CampaignID}
	if f.Status != "" {
		where += ` AND status = $2`
		args = append(args, f.Status)
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaign_recipients`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+recipientColumns+` FROM campaign_recipients`+where+
			fmt.Sprintf(` ORDER BY id LIMIT $%d OFFSET $%d`, n+1, n+2),
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*model.RecipientRow{}
	for rows.Next() {
		rr, err := scanRecipient(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rr)
	}
	return out, total, rows.Err()
}

func (r *CampaignRepository) RecordReceipt(ctx context.Context, providerMessageID string, status model.ReceiptStatus, at time.Time) (bool, error) {
	if providerMessageID == "" {
		return false, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var rowID, campaignID int64
	var current model.RecipientStatus
	err = tx.QueryRowContext(ctx, `
		SELECT id, campaign_id, status FROM campaign_recipients
		WHERE provider_message_id = $1 FOR UPDATE`, providerMessageID,
	).Scan(&rowID, &campaignID, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	next, deliveredInc, readInc, ok := advanceReceipt(current, status)
	if !ok {
		return false, nil
	}

	tsCol := "delivered_at"
	if next == model.RecipientStatusRead {
		tsCol = "read_at"
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE campaign_recipients SET status = $2, `+tsCol+` = $3, updated_at = $3 WHERE id = $1`,
		rowID, next, at); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET delivered_count = delivered_count + $2, read_count = read_count + $3, updated_at = $4
		WHERE id = $1`, campaignID, deliveredInc, readInc, at); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// advanceReceipt computes the forward-only receipt transition and the
// counter increments it implies.
func advanceReceipt(current model.RecipientStatus, receipt model.ReceiptStatus) (next model.RecipientStatus, delivered, read int, ok bool) {
	switch receipt {
	case model.ReceiptDelivered:
		if current == model.RecipientStatusSent {
			return model.RecipientStatusDelivered, 1, 0, true
		}
	case model.ReceiptRead:
		switch current {
		case model.RecipientStatusSent:
			return model.RecipientStatusRead, 1, 1, true
		case model.RecipientStatusDelivered:
			return model.RecipientStatusRead, 0, 1, true
		}
	}
	return current, 0, 0, false
}

func prefixColumns(alias, columns string) string {
	out := make([]byte, 0, len(columns)+64)
	start := true
	for i := 0; i < len(columns); i++ {
		ch := columns[i]
		if start && ch != ' ' && ch != '\t' && ch != '\n' {
			out = append(out, alias...)
			out = append(out, '.')
			start = false
		}
		out = append(out, ch)
		if ch == ',' {
			start = true
		}
	}
	return string(out)
}
