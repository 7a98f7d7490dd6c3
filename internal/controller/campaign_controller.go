// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/HealthFlowEgy/wasslchat/internal/errors"
	"github.com/HealthFlowEgy/wasslchat/internal/metrics"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
	"github.com/HealthFlowEgy/wasslchat/internal/service"
)

// TenantHeader carries the caller's tenant. Authentication happens upstream.
const TenantHeader = "X-Tenant-ID"

type tenantKey struct{}

// RequireTenant rejects requests without a tenant header and stores the
// tenant in the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenant == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + TenantHeader + " header"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantFrom(r *http.Request) string {
	if v, ok := r.Context().Value(tenantKey{}).(string); ok {
		return v
	}
	return strings.TrimSpace(r.Header.Get(TenantHeader))
}

type CampaignController struct {
	CampaignService *service.CampaignService
	Log             *zap.Logger
}

func (c *CampaignController) logger() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP statuses.
func (c *CampaignController) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case appErrors.IsValidation(err):
		status = http.StatusBadRequest
	case appErrors.IsNotFound(err):
		status = http.StatusNotFound
	case appErrors.IsInvalidTransition(err):
		status = http.StatusConflict
	}
	body := map[string]any{"error": err.Error()}
	if status == http.StatusInternalServerError {
		c.logger().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		body["error"] = "internal server error"
	}
	var ves appErrors.ValidationErrors
	if status == http.StatusBadRequest && errors.As(err, &ves) {
		fields := make(map[string]string, len(ves))
		for _, ve := range ves {
			fields[ve.Field] = ve.Message
		}
		body["fields"] = fields
	}
	writeJSON(w, status, body)
}

func campaignID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.NewValidation("id", "invalid campaign id")
	}
	return id, nil
}

func queryInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(key))
	return v
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return appErrors.NewValidation("body", "invalid request body: %v", err)
	}
	return nil
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var def model.Definition
	if err := decodeBody(r, &def); err != nil {
		c.writeError(w, r, err)
		return
	}
	campaign, err := c.CampaignService.CreateCampaign(r.Context(), tenantFrom(r), def)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), tenantFrom(r),
		queryInt(r, "page"), queryInt(r, "page_size"), r.URL.Query().Get("status"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination,
	})
}

func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	campaign, err := c.CampaignService.GetCampaign(r.Context(), tenantFrom(r), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	if err := c.CampaignService.Delete(r.Context(), tenantFrom(r), id); err != nil {
		c.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type campaignAction func(ctx context.Context, tenantID string, id int64) (*model.Campaign, error)

// action adapts a state-changing service call (send, pause, resume...) to a handler.
func (c *CampaignController) action(fn campaignAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := campaignID(r)
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		campaign, err := fn(r.Context(), tenantFrom(r), id)
		if err != nil {
			c.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, campaign)
	}
}

func (c *CampaignController) SendCampaign(w http.ResponseWriter, r *http.Request) {
	c.action(c.CampaignService.SendNow)(w, r)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	c.action(c.CampaignService.Pause)(w, r)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	c.action(c.CampaignService.Resume)(w, r)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	c.action(c.CampaignService.Cancel)(w, r)
}

func (c *CampaignController) RetargetCampaign(w http.ResponseWriter, r *http.Request) {
	c.action(c.CampaignService.Retarget)(w, r)
}

func (c *CampaignController) RecountCampaign(w http.ResponseWriter, r *http.Request) {
	c.action(c.CampaignService.Recount)(w, r)
}

func (c *CampaignController) GetProgress(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	progress, err := c.CampaignService.GetProgress(r.Context(), tenantFrom(r), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"progress":     progress,
		"percent_done": progress.PercentDone(),
	})
}

func (c *CampaignController) ListRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	rows, pagination, err := c.CampaignService.ListRecipients(r.Context(), tenantFrom(r), id,
		r.URL.Query().Get("status"), queryInt(r, "page"), queryInt(r, "page_size"))
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":       rows,
		"pagination": pagination,
	})
}

func (c *CampaignController) ExportRecipients(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	name, data, err := c.CampaignService.ExportRecipients(r.Context(), tenantFrom(r), id)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.writeError(w, r, err)
		return
	}

	var body struct {
		ContactID        int64   `json:"contact_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if err := decodeBody(r, &body); err != nil {
		c.writeError(w, r, err)
		return
	}
	if body.ContactID <= 0 {
		c.writeError(w, r, appErrors.NewValidation("contact_id", "is required"))
		return
	}

	preview, err := c.CampaignService.Preview(r.Context(), tenantFrom(r), id, body.ContactID, body.OverrideTemplate)
	if err != nil {
		c.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rendered_message": preview.Content,
		"used_template":    body.OverrideTemplate,
		"contact_id":       preview.ContactID,
		"address":          preview.Address,
		"message_kind":     preview.Kind,
	})
}

// receiptRequest is the provider webhook body. Timestamp is unix seconds.
type receiptRequest struct {
	Statuses []struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	} `json:"statuses"`
}

// Receipts applies delivery and read receipts. Unknown message ids and
// statuses other than delivered/read are acknowledged and ignored, so the
// provider does not redeliver them.
func (c *CampaignController) Receipts(w http.ResponseWriter, r *http.Request) {
	var body receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		c.writeError(w, r, appErrors.NewValidation("body", "invalid request body: %v", err))
		return
	}

	applied, ignored := 0, 0
	for _, st := range body.Statuses {
		status := model.ReceiptStatus(strings.ToLower(st.Status))
		if status != model.ReceiptDelivered && status != model.ReceiptRead {
			ignored++
			continue
		}
		at := time.Now().UTC()
		if secs, err := strconv.ParseInt(st.Timestamp, 10, 64); err == nil && secs > 0 {
			at = time.Unix(secs, 0).UTC()
		}
		ok, err := c.CampaignService.RecordReceipt(r.Context(), st.ID, status, at)
		if err != nil {
			if appErrors.IsValidation(err) {
				ignored++
				continue
			}
			c.writeError(w, r, err)
			return
		}
		metrics.ReceiptsTotal.WithLabelValues(string(status), strconv.FormatBool(ok)).Inc()
		if ok {
			applied++
		} else {
			ignored++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": applied, "ignored": ignored})
}
