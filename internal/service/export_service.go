package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

const exportPageSize = 1000

// ExportRecipients builds an xlsx delivery report with a summary sheet and
// one row per recipient. It returns the file name and content.
func (s *CampaignService) ExportRecipients(ctx context.Context, tenantID string, id int64) (string, []byte, error) {
	c, err := s.getOwned(ctx, tenantID, id)
	if err != nil {
		return "", nil, err
	}
	progress, err := s.Store.GetProgress(ctx, id)
	if err != nil {
		return "", nil, err
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	const summary, recipients = "Summary", "Recipients"
	xl.SetSheetName(xl.GetSheetName(0), summary)
	if _, err := xl.NewSheet(recipients); err != nil {
		return "", nil, err
	}

	summaryRows := [][]any{
		{"campaign_id", c.ID},
		{"name", c.Name},
		{"status", string(c.Status)},
		{"total_recipients", progress.TotalRecipients},
		{"sent", progress.Sent},
		{"delivered", progress.Delivered},
		{"read", progress.Read},
		{"failed", progress.Failed},
		{"pending", progress.Pending},
		{"cancelled", progress.Cancelled},
	}
	for i, row := range summaryRows {
		cellRef, _ := excelize.CoordinatesToCellName(1, i+1)
		r := row
		if err := xl.SetSheetRow(summary, cellRef, &r); err != nil {
			return "", nil, err
		}
	}

	header := []string{"id", "contact_id", "address", "status", "attempts", "provider_message_id",
		"last_error", "sent_at", "delivered_at", "read_at", "failed_at"}
	if err := xl.SetSheetRow(recipients, "A1", &header); err != nil {
		return "", nil, err
	}

	line := 2
	for offset := 0; ; offset += exportPageSize {
		rows, total, err := s.Store.ListRecipients(ctx, model.RecipientFilter{
			CampaignID: id, Offset: offset, Limit: exportPageSize,
		})
		if err != nil {
			return "", nil, err
		}
		for _, r := range rows {
			record := []string{
				strconv.FormatInt(r.ID, 10),
				strconv.FormatInt(r.ContactID, 10),
				r.Address,
				string(r.Status),
				strconv.Itoa(r.Attempts),
				r.ProviderMessageID,
				r.LastError,
				formatTime(r.SentAt),
				formatTime(r.DeliveredAt),
				formatTime(r.ReadAt),
				formatTime(r.FailedAt),
			}
			cellRef, _ := excelize.CoordinatesToCellName(1, line)
			if err := xl.SetSheetRow(recipients, cellRef, &record); err != nil {
				return "", nil, err
			}
			line++
		}
		if len(rows) == 0 || offset+len(rows) >= total {
			break
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, fmt.Errorf("write xlsx: %w", err)
	}
	return fmt.Sprintf("campaign_%d_recipients.xlsx", c.ID), buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
