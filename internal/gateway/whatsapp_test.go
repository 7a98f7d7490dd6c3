package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HealthFlowEgy/wasslchat/internal/config"
	"github.com/HealthFlowEgy/wasslchat/internal/model"
)

func newTestWhatsApp(url string) *WhatsApp {
	return NewWhatsApp(config.WhatsAppConfig{
		BaseURL:       url,
		AccessToken:   "token",
		PhoneNumberID: "12345",
		RatePerSecond: 1000,
		Timeout:       2 * time.Second,
	}, zap.NewNop())
}

func TestWhatsApp_SendText(t *testing.T) {
	var got waRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/12345/messages", r.URL.Path)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer srv.Close()

	out := newTestWhatsApp(srv.URL).Send(context.Background(), Message{
		To:             "+201001234567",
		Kind:           model.MessageKindText,
		Payload:        model.Payload{Text: "hello Mona"},
		IdempotencyKey: "key-1",
	})

	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, "wamid.ABC", out.ProviderMessageID)
	assert.Equal(t, "201001234567", got.To)
	assert.Equal(t, "text", got.Type)
	require.NotNil(t, got.Text)
	assert.Equal(t, "hello Mona", got.Text.Body)
}

func TestWhatsApp_TemplateParamsKeepOrder(t *testing.T) {
	var got waRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.T"}]}`))
	}))
	defer srv.Close()

	out := newTestWhatsApp(srv.URL).Send(context.Background(), Message{
		To:   "+201001234567",
		Kind: model.MessageKindTemplate,
		Payload: model.Payload{Template: &model.TemplateContent{
			Name: "order_ready", Language: "ar", Params: []string{"Mona", "#42", "Cairo"},
		}},
	})
	require.Equal(t, StatusSent, out.Status)
	require.NotNil(t, got.Template)
	assert.Equal(t, "ar", got.Template.Language.Code)
	require.Len(t, got.Template.Components, 1)
	params := got.Template.Components[0].Parameters
	require.Len(t, params, 3)
	assert.Equal(t, "Mona", params[0].Text)
	assert.Equal(t, "Cairo", params[2].Text)
}

func TestWhatsApp_MediaType(t *testing.T) {
	req, err := buildRequest(Message{
		Kind:    model.MessageKindMedia,
		Payload: model.Payload{Media: &model.MediaContent{URL: "https://x/y.png", MimeType: "image/png", Caption: "c"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "image", req.Type)
	require.NotNil(t, req.Image)

	req, err = buildRequest(Message{
		Kind:    model.MessageKindMedia,
		Payload: model.Payload{Media: &model.MediaContent{URL: "https://x/y.pdf"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "document", req.Type)
}

func TestWhatsApp_StatusClassification(t *testing.T) {
	tests := []struct {
		code        int
		status      Status
		unavailable bool
	}{
		{http.StatusTooManyRequests, StatusTransient, false},
		{http.StatusInternalServerError, StatusTransient, false},
		{http.StatusServiceUnavailable, StatusTransient, true},
		{http.StatusBadGateway, StatusTransient, true},
		{http.StatusUnauthorized, StatusTransient, true},
		{http.StatusBadRequest, StatusPermanent, false},
		{http.StatusNotFound, StatusPermanent, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","code":131026}}`))
			}))
			defer srv.Close()

			out := newTestWhatsApp(srv.URL).Send(context.Background(), Message{
				To: "+201001234567", Kind: model.MessageKindText, Payload: model.Payload{Text: "x"},
			})
			assert.Equal(t, tt.status, out.Status)
			assert.Equal(t, tt.unavailable, out.Unavailable)
			assert.Contains(t, out.Reason, "nope")
		})
	}
}

func TestWhatsApp_ConnectionRefusedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := newTestWhatsApp(url).Send(context.Background(), Message{
		To: "+201001234567", Kind: model.MessageKindText, Payload: model.Payload{Text: "x"},
	})
	assert.Equal(t, StatusTransient, out.Status)
	assert.True(t, out.Unavailable)
}

func TestWhatsApp_LimiterDeadlineIsThrottled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.R"}]}`))
	}))
	defer srv.Close()

	wa := NewWhatsApp(config.WhatsAppConfig{
		BaseURL: srv.URL, AccessToken: "token", PhoneNumberID: "12345", RatePerSecond: 1, Timeout: 2 * time.Second,
	}, zap.NewNop())
	msg := Message{To: "+201001234567", Kind: model.MessageKindText, Payload: model.Payload{Text: "x"}}

	assert.Equal(t, StatusSent, wa.Send(context.Background(), msg).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	out := wa.Send(ctx, msg)
	assert.Equal(t, StatusTransient, out.Status)
	assert.True(t, out.Throttled)
	assert.False(t, out.Unavailable)
	assert.Equal(t, int32(1), hits.Load(), "a throttled message never reaches the provider")

	// the caller already holds a slot
	msg.Paced = true
	assert.Equal(t, StatusSent, wa.Send(context.Background(), msg).Status)
	assert.Equal(t, int32(2), hits.Load())

	var _ Throttler = wa
}
