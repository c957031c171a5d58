package sending

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/httpretry"
)

const (
	defaultSendGridURL = "https://api.sendgrid.com/v3"
	defaultBrevoURL    = "https://api.brevo.com/v3"
)

// postJSON sends payload and returns the response body and headers. Non-2xx
// responses become *HTTPError.
func postJSON(ctx context.Context, client httpretry.HTTPDoer, provider, url string, headers map[string]string, payload any) ([]byte, http.Header, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%s marshal: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("%s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s send: %w", provider, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, resp.Header, &HTTPError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, resp.Header, nil
}

// SendGridSender uses the SendGrid v3 mail/send API.
type SendGridSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewSendGridSender requires cfg api_key; base_url is optional.
func NewSendGridSender(cfg map[string]string, client httpretry.HTTPDoer) (*SendGridSender, error) {
	key := first(cfg, "api_key", "sendgrid_api_key")
	if key == "" {
		return nil, missing("sendgrid", "api_key")
	}
	base := first(cfg, "base_url")
	if base == "" {
		base = defaultSendGridURL
	}
	return &SendGridSender{apiKey: key, baseURL: strings.TrimRight(base, "/"), client: client}, nil
}

// Send posts one personalization.
func (s *SendGridSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	personalization := map[string]any{
		"to": []map[string]string{{"email": msg.To}},
	}
	if len(msg.Tags) > 0 {
		personalization["custom_args"] = msg.Tags
	}
	payload := map[string]any{
		"personalizations": []map[string]any{personalization},
		"from":             map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"subject":          msg.Subject,
	}
	var content []map[string]string
	if msg.TextContent != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.TextContent})
	}
	if msg.HTMLContent != "" {
		content = append(content, map[string]string{"type": "text/html", "value": msg.HTMLContent})
	}
	payload["content"] = content
	if msg.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": msg.ReplyTo}
	}
	if len(msg.Headers) > 0 {
		payload["headers"] = msg.Headers
	}

	body, hdr, err := postJSON(ctx, s.client, "sendgrid", s.baseURL+"/mail/send",
		map[string]string{"Authorization": "Bearer " + s.apiKey}, payload)
	if err != nil {
		return nil, err
	}

	id := hdr.Get("X-Message-Id")
	if id == "" {
		id = uuid.New().String()
	}
	raw := string(body)
	if raw == "" {
		raw = fmt.Sprintf(`{"x-message-id":%q}`, id)
	}
	return &domain.SendResult{MessageID: id, Kind: domain.ProviderSendGrid, SentAt: time.Now().UTC(), Raw: raw}, nil
}

// BrevoSender uses the Brevo v3 smtp/email API.
type BrevoSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewBrevoSender requires cfg api_key; base_url is optional.
func NewBrevoSender(cfg map[string]string, client httpretry.HTTPDoer) (*BrevoSender, error) {
	key := first(cfg, "api_key", "brevo_api_key")
	if key == "" {
		return nil, missing("brevo", "api_key")
	}
	base := first(cfg, "base_url")
	if base == "" {
		base = defaultBrevoURL
	}
	return &BrevoSender{apiKey: key, baseURL: strings.TrimRight(base, "/"), client: client}, nil
}

// Send posts a transactional email.
func (s *BrevoSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	payload := map[string]any{
		"sender":  map[string]string{"email": msg.FromEmail, "name": msg.FromName},
		"to":      []map[string]string{{"email": msg.To}},
		"subject": msg.Subject,
	}
	if msg.HTMLContent != "" {
		payload["htmlContent"] = msg.HTMLContent
	}
	if msg.TextContent != "" {
		payload["textContent"] = msg.TextContent
	}
	if msg.ReplyTo != "" {
		payload["replyTo"] = map[string]string{"email": msg.ReplyTo}
	}
	if len(msg.Headers) > 0 {
		payload["headers"] = msg.Headers
	}

	body, _, err := postJSON(ctx, s.client, "brevo", s.baseURL+"/smtp/email",
		map[string]string{"api-key": s.apiKey}, payload)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(body, &parsed)
	id := strings.Trim(parsed.MessageID, "<>")
	if id == "" {
		id = uuid.New().String()
	}
	return &domain.SendResult{MessageID: id, Kind: domain.ProviderBrevo, SentAt: time.Now().UTC(), Raw: string(body)}, nil
}
