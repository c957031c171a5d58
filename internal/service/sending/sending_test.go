package sending

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/dispatch-engine/internal/domain"
)

func testMessage() *domain.EmailMessage {
	return &domain.EmailMessage{
		ID:          "q-1",
		TenantID:    "tenant-1",
		To:          "ada@example.com",
		FromName:    "Acme",
		FromEmail:   "hello@acme.io",
		Subject:     "Hello",
		HTMLContent: "<p>Hi</p>",
		TextContent: "Hi",
		Tags:        map[string]string{"queue_item_id": "q-1"},
	}
}

func TestSendGridSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/mail/send", r.URL.Path)
		assert.Equal(t, "Bearer sg-key", r.Header.Get("Authorization"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Hello", payload["subject"])
		w.Header().Set("X-Message-Id", "sg-123")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewFactory(FactoryOptions{})
	s, err := f.SenderFor(&domain.Provider{Kind: domain.ProviderSendGrid}, map[string]string{
		"api_key":  "sg-key",
		"base_url": srv.URL + "/v3",
	})
	require.NoError(t, err)

	res, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "sg-123", res.MessageID)
	assert.Equal(t, domain.ProviderSendGrid, res.Kind)
}

func TestSendGridSender_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"errors":[{"message":"The from address does not match a verified Sender Identity."}]}`)
	}))
	defer srv.Close()

	s, err := NewSendGridSender(map[string]string{"api_key": "k", "base_url": srv.URL}, http.DefaultClient)
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "verified Sender Identity")
}

func TestBrevoSender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/smtp/email", r.URL.Path)
		assert.Equal(t, "br-key", r.Header.Get("api-key"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "<p>Hi</p>", payload["htmlContent"])
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"messageId":"<202405011200.123@smtp-relay.mailin.fr>"}`)
	}))
	defer srv.Close()

	s, err := NewBrevoSender(map[string]string{"api_key": "br-key", "base_url": srv.URL}, http.DefaultClient)
	require.NoError(t, err)

	res, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "202405011200.123@smtp-relay.mailin.fr", res.MessageID)
	assert.Contains(t, res.Raw, "messageId")
}

func TestFactory_MissingConfig(t *testing.T) {
	f := NewFactory(FactoryOptions{})
	cases := []struct {
		kind domain.ProviderKind
		cfg  map[string]string
		key  string
	}{
		{domain.ProviderSendGrid, nil, "api_key"},
		{domain.ProviderBrevo, map[string]string{}, "api_key"},
		{domain.ProviderSMTP, map[string]string{"port": "25"}, "host"},
		{domain.ProviderSES, map[string]string{"secret_access_key": "s"}, "access_key_id"},
	}
	for _, tc := range cases {
		_, err := f.SenderFor(&domain.Provider{Kind: tc.kind}, tc.cfg)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr, tc.kind)
		assert.Equal(t, tc.key, cfgErr.Key)
	}

	_, err := f.SenderFor(&domain.Provider{Kind: "carrier-pigeon"}, nil)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFactory_InternalMergesPlatformRelay(t *testing.T) {
	f := NewFactory(FactoryOptions{PlatformSMTP: map[string]string{"host": "relay.internal", "port": "2525"}})
	s, err := f.SenderFor(&domain.Provider{Kind: domain.ProviderInternal}, map[string]string{"port": "587"})
	require.NoError(t, err)
	smtpSender := s.(*SMTPSender)
	assert.Equal(t, "relay.internal", smtpSender.host)
	assert.Equal(t, 587, smtpSender.port)
}

func TestSESSender_ViaEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/email/outbound-emails", r.URL.Path)
		assert.Contains(t, r.Header.Get("Authorization"), "AKIATEST")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"MessageId":"ses-0001"}`)
	}))
	defer srv.Close()

	f := NewFactory(FactoryOptions{})
	p := &domain.Provider{Kind: domain.ProviderSES}
	cfg := map[string]string{
		"access_key_id":     "AKIATEST",
		"secret_access_key": "secret",
		"region":            "eu-west-1",
		"endpoint":          srv.URL,
	}
	s, err := f.SenderFor(p, cfg)
	require.NoError(t, err)

	res, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-0001", res.MessageID)

	again, err := f.SenderFor(p, cfg)
	require.NoError(t, err)
	assert.Same(t, s.(*SESSender).client, again.(*SESSender).client)
}

func TestSESSender_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Amzn-ErrorType", "MessageRejected")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"message":"Email address is not verified."}`)
	}))
	defer srv.Close()

	s, err := NewFactory(FactoryOptions{}).SenderFor(&domain.Provider{Kind: domain.ProviderSES}, map[string]string{
		"access_key_id": "AKIATEST", "secret_access_key": "secret", "endpoint": srv.URL,
	})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage())
	var apiErr smithy.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "MessageRejected", apiErr.ErrorCode())
}

type captureSES struct{ in *sesv2.SendEmailInput }

func (c *captureSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	c.in = in
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-0002")}, nil
}

func TestSESSender_TagsUseSESAlphabet(t *testing.T) {
	client := &captureSES{}
	msg := testMessage()
	msg.Tags = map[string]string{"tenant_id": "acme.io/eu west", "queue_item_id": "3f2a-77", "empty": ""}

	_, err := NewSESSender(client, "").Send(context.Background(), msg)
	require.NoError(t, err)

	tags := map[string]string{}
	for _, tg := range client.in.EmailTags {
		tags[aws.ToString(tg.Name)] = aws.ToString(tg.Value)
	}
	assert.Equal(t, map[string]string{"tenant_id": "acme_io_eu_west", "queue_item_id": "3f2a-77"}, tags)
	assert.Len(t, sesTag(strings.Repeat("x", 300)), 256)
}

// fakeSMTP accepts one connection and answers RCPT with rcptReply.
func fakeSMTP(t *testing.T, rcptReply string) (host string, port int, body <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

		reply("220 fake.local ESMTP")
		var data strings.Builder
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if inData {
				if line == "." {
					inData = false
					got <- data.String()
					reply("250 2.0.0 Ok: queued")
					continue
				}
				data.WriteString(line + "\n")
				continue
			}
			cmd := strings.ToUpper(line)
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250-fake.local")
				reply("250 8BITMIME")
			case strings.HasPrefix(cmd, "MAIL FROM"):
				reply("250 2.1.0 Ok")
			case strings.HasPrefix(cmd, "RCPT TO"):
				reply(rcptReply)
			case cmd == "DATA":
				reply("354 End data with <CR><LF>.<CR><LF>")
				inData = true
			case cmd == "QUIT":
				reply("221 2.0.0 Bye")
				return
			default:
				reply("250 Ok")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, got
}

func TestSMTPSender_Delivers(t *testing.T) {
	host, port, body := fakeSMTP(t, "250 2.1.5 Ok")

	s, err := NewSMTPSender(domain.ProviderSMTP, map[string]string{"host": host, "port": strconv.Itoa(port)})
	require.NoError(t, err)

	res, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.MessageID, "@acme.io"))

	data := <-body
	assert.Contains(t, data, "To: ada@example.com")
	assert.Contains(t, data, "Content-Type: text/html; charset=UTF-8")
}

func TestSMTPSender_RecipientRejected(t *testing.T) {
	host, port, _ := fakeSMTP(t, "550 5.1.1 <ada@example.com>: Recipient address rejected: User unknown")

	s, err := NewSMTPSender(domain.ProviderSMTP, map[string]string{"host": host, "port": strconv.Itoa(port)})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage())
	var tpErr *textproto.Error
	require.True(t, errors.As(err, &tpErr))
	assert.Equal(t, 550, tpErr.Code)
}

func TestSMTPSender_RequiredTLSNotOffered(t *testing.T) {
	host, port, _ := fakeSMTP(t, "250 Ok")

	s, err := NewSMTPSender(domain.ProviderSMTP, map[string]string{"host": host, "port": strconv.Itoa(port), "use_tls": "true"})
	require.NoError(t, err)

	_, err = s.Send(context.Background(), testMessage())
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
