package messenger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/camino-travel/switchboard/internal/channels"
	"github.com/camino-travel/switchboard/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type graphCall struct {
	Method string
	Path   string
	Token  string
	Body   []byte
}

// graphStub records requests and plays back a canned response.
type graphStub struct {
	mu     sync.Mutex
	calls  []graphCall
	status int
	body   string
}

func (g *graphStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.mu.Lock()
		g.calls = append(g.calls, graphCall{
			Method: r.Method,
			Path:   r.URL.Path,
			Token:  r.URL.Query().Get("access_token"),
			Body:   body,
		})
		status, respBody := g.status, g.body
		g.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
			respBody = `{"recipient_id":"8811996655","message_id":"m_out.1"}`
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}
}

func (g *graphStub) respond(status int, body string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
	g.body = body
}

func (g *graphStub) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *graphStub) call(t *testing.T, i int) graphCall {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if i >= len(g.calls) {
		t.Fatalf("call %d not recorded, have %d", i, len(g.calls))
	}
	return g.calls[i]
}

func decodeRequest(t *testing.T, call graphCall) sendRequest {
	t.Helper()
	var p sendRequest
	if err := json.Unmarshal(call.Body, &p); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return p
}

func newStubConnector(t *testing.T) (*Connector, *graphStub) {
	t.Helper()
	stub := &graphStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{
		PageToken:   "page-token",
		VerifyToken: "verify-me",
		BaseURL:     srv.URL,
		RateLimit:   1000,
		RateBurst:   1000,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, stub
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing page token", Config{VerifyToken: "v"}},
		{"missing verify token", Config{PageToken: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

func TestSendTextChunksLongMessages(t *testing.T) {
	c, stub := newStubConnector(t)

	text := strings.Repeat("itinerario completo del tour ", 100) // ~2900 chars
	receipt, err := c.SendText(context.Background(), "8811996655", text)
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if receipt.TransportMessageID != "m_out.1" {
		t.Errorf("receipt id = %q, want m_out.1", receipt.TransportMessageID)
	}
	if stub.callCount() != 2 {
		t.Fatalf("expected 2 chunked sends, got %d", stub.callCount())
	}

	first := stub.call(t, 0)
	if first.Path != "/me/messages" {
		t.Errorf("path = %q, want /me/messages", first.Path)
	}
	if first.Token != "page-token" {
		t.Errorf("access_token = %q, want page token", first.Token)
	}

	payload := decodeRequest(t, first)
	if payload.Recipient.ID != "8811996655" {
		t.Errorf("recipient = %q", payload.Recipient.ID)
	}
	if payload.MessagingType != "RESPONSE" {
		t.Errorf("messaging_type = %q, want RESPONSE", payload.MessagingType)
	}
	if payload.Message == nil || len(payload.Message.Text) > textLimit {
		t.Errorf("chunk exceeds transport limit")
	}

	snap := c.Metrics()
	if snap.MessagesSent != 2 {
		t.Errorf("sent = %d, want 2", snap.MessagesSent)
	}
}

func TestSendTextValidation(t *testing.T) {
	c, stub := newStubConnector(t)

	if _, err := c.SendText(context.Background(), "", "hola"); channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("empty recipient: code = %v", channels.GetErrorCode(err))
	}
	if _, err := c.SendText(context.Background(), "8811996655", ""); channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("empty text: code = %v", channels.GetErrorCode(err))
	}
	if stub.callCount() != 0 {
		t.Errorf("expected no API calls, got %d", stub.callCount())
	}
}

func TestSendQuickReplies(t *testing.T) {
	t.Run("choices become quick-reply chips", func(t *testing.T) {
		c, stub := newStubConnector(t)

		choices := []models.QuickReply{
			{Title: "Reservar", Payload: "book"},
			{Title: "Cotizar grupo", Payload: "quote"},
			{Title: "Un título larguísimo que excede el límite"},
		}
		if _, err := c.SendQuickReplies(context.Background(), "8811996655", "¿Qué deseas?", choices); err != nil {
			t.Fatalf("SendQuickReplies: %v", err)
		}

		payload := decodeRequest(t, stub.call(t, 0))
		if payload.Message == nil || payload.Message.Text != "¿Qué deseas?" {
			t.Fatalf("message = %+v, want prompt text", payload.Message)
		}
		replies := payload.Message.QuickReplies
		if len(replies) != 3 {
			t.Fatalf("quick replies = %d, want 3", len(replies))
		}
		if replies[0].ContentType != "text" {
			t.Errorf("content type = %q, want text", replies[0].ContentType)
		}
		if replies[0].Title != "Reservar" || replies[0].Payload != "book" {
			t.Errorf("reply 0 = %+v", replies[0])
		}
		if replies[2].Payload != "Un título larguísimo que excede el límite" {
			t.Errorf("payload fallback = %q, want full title", replies[2].Payload)
		}
		if got := len([]rune(replies[2].Title)); got > quickReplyTitleLimit {
			t.Errorf("title length = %d runes, want <= %d", got, quickReplyTitleLimit)
		}
	})

	t.Run("more than thirteen fall back to numbered text", func(t *testing.T) {
		c, stub := newStubConnector(t)

		choices := make([]models.QuickReply, 14)
		for i := range choices {
			choices[i] = models.QuickReply{Title: strings.Repeat("x", i+1)}
		}
		if _, err := c.SendQuickReplies(context.Background(), "8811996655", "Elige destino:", choices); err != nil {
			t.Fatalf("SendQuickReplies: %v", err)
		}

		payload := decodeRequest(t, stub.call(t, 0))
		if len(payload.Message.QuickReplies) != 0 {
			t.Fatalf("expected text fallback, got %d chips", len(payload.Message.QuickReplies))
		}
		body := payload.Message.Text
		for _, want := range []string{"1. x", "14. " + strings.Repeat("x", 14)} {
			if !strings.Contains(body, want) {
				t.Errorf("fallback body missing %q: %q", want, body)
			}
		}
	})

	t.Run("no choices degrades to plain text", func(t *testing.T) {
		c, stub := newStubConnector(t)

		if _, err := c.SendQuickReplies(context.Background(), "8811996655", "hola", nil); err != nil {
			t.Fatalf("SendQuickReplies: %v", err)
		}
		payload := decodeRequest(t, stub.call(t, 0))
		if payload.Message.Text != "hola" || payload.Message.QuickReplies != nil {
			t.Errorf("message = %+v, want plain text", payload.Message)
		}
	})
}

func TestSendMedia(t *testing.T) {
	t.Run("kinds map to send api attachment types", func(t *testing.T) {
		kinds := []struct {
			kind models.MediaKind
			want string
		}{
			{models.MediaImage, "image"},
			{models.MediaVideo, "video"},
			{models.MediaAudio, "audio"},
			{models.MediaDocument, "file"},
		}
		for _, k := range kinds {
			c, stub := newStubConnector(t)

			receipt, err := c.SendMedia(context.Background(), "8811996655",
				k.kind, "https://cdn.example.com/tour.bin", "")
			if err != nil {
				t.Fatalf("SendMedia(%s): %v", k.kind, err)
			}
			if receipt.TransportMessageID != "m_out.1" {
				t.Errorf("%s: receipt id = %q", k.kind, receipt.TransportMessageID)
			}

			payload := decodeRequest(t, stub.call(t, 0))
			att := payload.Message.Attachment
			if att == nil || att.Type != k.want {
				t.Errorf("%s: attachment = %+v, want type %q", k.kind, att, k.want)
			}
			if att != nil && att.Payload.URL != "https://cdn.example.com/tour.bin" {
				t.Errorf("%s: url = %q", k.kind, att.Payload.URL)
			}
		}
	})

	t.Run("caption follows as text", func(t *testing.T) {
		c, stub := newStubConnector(t)

		if _, err := c.SendMedia(context.Background(), "8811996655",
			models.MediaImage, "https://cdn.example.com/tour.jpg", "Tour a Chichén Itzá"); err != nil {
			t.Fatalf("SendMedia: %v", err)
		}
		if stub.callCount() != 2 {
			t.Fatalf("calls = %d, want attachment then caption text", stub.callCount())
		}

		follow := decodeRequest(t, stub.call(t, 1))
		if follow.Message == nil || follow.Message.Text != "Tour a Chichén Itzá" {
			t.Errorf("follow-up = %+v, want caption text", follow.Message)
		}
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		c, stub := newStubConnector(t)

		_, err := c.SendMedia(context.Background(), "8811996655", "hologram", "https://x", "")
		if channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
			t.Errorf("code = %v, want INVALID_INPUT", channels.GetErrorCode(err))
		}
		if stub.callCount() != 0 {
			t.Errorf("expected no API calls, got %d", stub.callCount())
		}
	})
}

func TestSendTyping(t *testing.T) {
	c, stub := newStubConnector(t)

	c.SendTyping(context.Background(), "8811996655")

	payload := decodeRequest(t, stub.call(t, 0))
	if payload.SenderAction != "typing_on" {
		t.Errorf("sender_action = %q, want typing_on", payload.SenderAction)
	}
	if payload.Message != nil {
		t.Error("typing action must not carry a message")
	}
	if snap := c.Metrics(); snap.MessagesSent != 0 {
		t.Errorf("typing counted as sent message: %d", snap.MessagesSent)
	}
}

func TestMarkRead(t *testing.T) {
	t.Run("resolves recipient from inbound id", func(t *testing.T) {
		c, stub := newStubConnector(t)
		postDelivery(t, c, pageDelivery(t, textEvent("m_in.9", "8811996655", "hola")), "")
		receiveMessage(t, c)

		c.MarkRead(context.Background(), "m_in.9")

		payload := decodeRequest(t, stub.call(t, 0))
		if payload.SenderAction != "mark_seen" {
			t.Errorf("sender_action = %q, want mark_seen", payload.SenderAction)
		}
		if payload.Recipient.ID != "8811996655" {
			t.Errorf("recipient = %q, want inbound sender", payload.Recipient.ID)
		}
		if snap := c.Metrics(); snap.MessagesSent != 0 {
			t.Errorf("mark read counted as sent message: %d", snap.MessagesSent)
		}
	})

	t.Run("unknown id no-ops", func(t *testing.T) {
		c, stub := newStubConnector(t)

		c.MarkRead(context.Background(), "m_never_seen")
		if stub.callCount() != 0 {
			t.Errorf("expected no API calls, got %d", stub.callCount())
		}
	})
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  channels.ErrorCode
		retryable bool
	}{
		{
			name:      "server error is retryable transport",
			status:    http.StatusInternalServerError,
			body:      `{}`,
			wantCode:  channels.ErrCodeTransport,
			retryable: true,
		},
		{
			name:      "http 429 is rate limit",
			status:    http.StatusTooManyRequests,
			body:      `{}`,
			wantCode:  channels.ErrCodeRateLimit,
			retryable: true,
		},
		{
			name:      "calls-per-hour code is rate limit",
			status:    http.StatusBadRequest,
			body:      `{"error":{"code":613,"message":"Calls to this api have exceeded the rate limit"}}`,
			wantCode:  channels.ErrCodeRateLimit,
			retryable: true,
		},
		{
			name:      "unavailable person is permanent",
			status:    http.StatusBadRequest,
			body:      `{"error":{"code":551,"message":"This person isn't available right now"}}`,
			wantCode:  channels.ErrCodePermanentRejection,
			retryable: false,
		},
		{
			name:      "messaging window closed is permanent",
			status:    http.StatusBadRequest,
			body:      `{"error":{"code":10,"message":"Message sent outside of allowed window"}}`,
			wantCode:  channels.ErrCodePermanentRejection,
			retryable: false,
		},
		{
			name:      "expired token is permanent",
			status:    http.StatusUnauthorized,
			body:      `{"error":{"code":190,"message":"Access token expired"}}`,
			wantCode:  channels.ErrCodePermanentRejection,
			retryable: false,
		},
		{
			name:      "invalid parameter is invalid input",
			status:    http.StatusBadRequest,
			body:      `{"error":{"code":100,"message":"Invalid parameter"}}`,
			wantCode:  channels.ErrCodeInvalidInput,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, stub := newStubConnector(t)
			stub.respond(tt.status, tt.body)

			_, err := c.SendText(context.Background(), "8811996655", "hola")
			if err == nil {
				t.Fatal("expected send to fail")
			}
			if got := channels.GetErrorCode(err); got != tt.wantCode {
				t.Errorf("code = %v, want %v", got, tt.wantCode)
			}
			if got := channels.IsRetryable(err); got != tt.retryable {
				t.Errorf("retryable = %v, want %v", got, tt.retryable)
			}
			if snap := c.Metrics(); snap.MessagesFailed != 1 {
				t.Errorf("failed counter = %d, want 1", snap.MessagesFailed)
			}
		})
	}
}

func TestStartVerifiesCredentials(t *testing.T) {
	t.Run("healthy start", func(t *testing.T) {
		c, stub := newStubConnector(t)

		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if !c.Status().Connected {
			t.Error("expected connected status")
		}

		first := stub.call(t, 0)
		if first.Method != http.MethodGet || first.Path != "/me" {
			t.Errorf("credential check = %s %s, want GET /me", first.Method, first.Path)
		}

		health := c.HealthCheck(context.Background())
		if !health.Healthy {
			t.Errorf("health = %+v, want healthy", health)
		}
	})

	t.Run("rejected token fails start", func(t *testing.T) {
		c, stub := newStubConnector(t)
		stub.respond(http.StatusUnauthorized, `{"error":{"code":190,"message":"bad token"}}`)

		err := c.Start(context.Background())
		if channels.GetErrorCode(err) != channels.ErrCodeUnauthorized {
			t.Errorf("code = %v, want UNAUTHORIZED", channels.GetErrorCode(err))
		}
		if c.Status().Connected {
			t.Error("expected disconnected status")
		}
	})
}

func TestStopClosesInbound(t *testing.T) {
	c := newWebhookConnector(t, "")

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := <-c.Messages(); ok {
		t.Error("expected closed inbound channel")
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	// Deliveries after stop are acked but not emitted.
	rec := postDelivery(t, c, pageDelivery(t, textEvent("m_late", "8811996655", "hola")), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
