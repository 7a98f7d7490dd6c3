package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HealthFlowEgy/wasslchat/internal/config"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

// WhatsApp talks to a Cloud-API style /{phone_number_id}/messages endpoint.
type WhatsApp struct {
	baseURL       string
	token         string
	phoneNumberID string
	client        *http.Client
	limiter       *rate.Limiter
	log           *zap.Logger
}

func NewWhatsApp(cfg config.WhatsAppConfig, logger *zap.Logger) *WhatsApp {
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 1
	}
	return &WhatsApp{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		token:         cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		client:        &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(rate.Limit(rps), rps),
		log:           logger.Named("whatsapp"),
	}
}

type waText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type waMedia struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

type waTemplate struct {
	Name       string        `json:"name"`
	Language   waLanguage    `json:"language"`
	Components []waComponent `json:"components,omitempty"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waComponent struct {
	Type       string        `json:"type"`
	Parameters []waParameter `json:"parameters"`
}

type waParameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type waRequest struct {
	MessagingProduct string      `json:"messaging_product"`
	To               string      `json:"to"`
	Type             string      `json:"type"`
	Text             *waText     `json:"text,omitempty"`
	Image            *waMedia    `json:"image,omitempty"`
	Video            *waMedia    `json:"video,omitempty"`
	Document         *waMedia    `json:"document,omitempty"`
	Template         *waTemplate `json:"template,omitempty"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func buildRequest(msg Message) (*waRequest, error) {
	req := &waRequest{
		MessagingProduct: "whatsapp",
		To:               strings.TrimPrefix(msg.To, "+"),
	}
	switch msg.Kind {
	case model.MessageKindText:
		req.Type = "text"
		req.Text = &waText{Body: msg.Payload.Text}
	case model.MessageKindMedia:
		m := msg.Payload.Media
		if m == nil {
			return nil, errors.New("media payload missing")
		}
		media := &waMedia{Link: m.URL, Caption: m.Caption}
		switch {
		case strings.HasPrefix(m.MimeType, "image/"):
			req.Type, req.Image = "image", media
		case strings.HasPrefix(m.MimeType, "video/"):
			req.Type, req.Video = "video", media
		default:
			req.Type, req.Document = "document", media
		}
	case model.MessageKindTemplate:
		tpl := msg.Payload.Template
		if tpl == nil {
			return nil, errors.New("template payload missing")
		}
		lang := tpl.Language
		if lang == "" {
			lang = "en"
		}
		wt := &waTemplate{Name: tpl.Name, Language: waLanguage{Code: lang}}
		if len(tpl.Params) > 0 {
			params := make([]waParameter, len(tpl.Params))
			for i, p := range tpl.Params {
				params[i] = waParameter{Type: "text", Text: p}
			}
			wt.Components = []waComponent{{Type: "body", Parameters: params}}
		}
		req.Type, req.Template = "template", wt
	default:
		return nil, fmt.Errorf("unsupported message kind %q", msg.Kind)
	}
	return req, nil
}

// Wait takes one slot from the send rate limit.
func (w *WhatsApp) Wait(ctx context.Context) error {
	return w.limiter.Wait(ctx)
}

func (w *WhatsApp) Send(ctx context.Context, msg Message) Outcome {
	body, err := buildRequest(msg)
	if err != nil {
		return Permanent(err.Error())
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Permanent(err.Error())
	}

	if !msg.Paced {
		if err := w.limiter.Wait(ctx); err != nil {
			return Throttled("rate limiter: " + err.Error())
		}
	}

	url := fmt.Sprintf("%s/%s/messages", w.baseURL, w.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return Permanent(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	var parsed waResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(data, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
			// accepted without an id; treat as sent so it is never resent
			w.log.Warn("provider accepted message without id", zap.String("to", msg.To))
			return Sent("")
		}
		return Sent(parsed.Messages[0].ID)
	}

	reason := fmt.Sprintf("http %d", resp.StatusCode)
	if parsed.Error != nil && parsed.Error.Message != "" {
		reason = fmt.Sprintf("%s: %s (code %d)", reason, parsed.Error.Message, parsed.Error.Code)
	}
	return classifyStatus(resp.StatusCode, reason)
}

func classifyStatus(code int, reason string) Outcome {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return Transient(reason)
	case code == http.StatusUnauthorized, code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return Unavailable(reason)
	case code >= 500:
		return Transient(reason)
	default:
		return Permanent(reason)
	}
}

func classifyTransportError(err error) Outcome {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Unavailable(err.Error())
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Unavailable(err.Error())
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Unavailable(err.Error())
	}
	return Transient(err.Error())
}
