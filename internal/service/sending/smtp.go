package sending

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/pkg/logger"
)

// SMTPSender delivers over SMTP. It serves both tenant SMTP providers and the
// platform-operated "internal" relay.
type SMTPSender struct {
	kind     domain.ProviderKind
	host     string
	port     int
	username string
	password string
	startTLS bool // require STARTTLS
	implicit bool // TLS from the first byte (port 465 style)
	timeout  time.Duration
}

// NewSMTPSender builds a sender from cfg keys host, port, username,
// password, use_tls and use_ssl.
func NewSMTPSender(kind domain.ProviderKind, cfg map[string]string) (*SMTPSender, error) {
	host := first(cfg, "host", "smtp_host")
	if host == "" {
		return nil, missing(string(kind), "host")
	}
	port := 587
	if p := first(cfg, "port", "smtp_port"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return nil, &ConfigError{Kind: string(kind), Key: "port", Msg: "must be a valid port"}
		}
		port = n
	}
	useTLS, _ := strconv.ParseBool(first(cfg, "use_tls"))
	useSSL, _ := strconv.ParseBool(first(cfg, "use_ssl"))
	return &SMTPSender{
		kind:     kind,
		host:     host,
		port:     port,
		username: first(cfg, "username", "smtp_username"),
		password: first(cfg, "password", "smtp_password"),
		startTLS: useTLS,
		implicit: useSSL,
		timeout:  30 * time.Second,
	}, nil
}

// Send performs one SMTP transaction.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	domainPart := msg.FromEmail[strings.LastIndex(msg.FromEmail, "@")+1:]
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), domainPart)

	data := buildMIME(msg, messageID)
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	reply, err := s.transact(ctx, addr, msg.FromEmail, msg.To, data)
	if err != nil {
		return nil, err
	}

	logger.Debug("smtp: message accepted", "host", s.host, "recipient", msg.To, "message_id", messageID)
	return &domain.SendResult{
		MessageID: messageID,
		Kind:      s.kind,
		SentAt:    time.Now().UTC(),
		Raw:       reply,
	}, nil
}

func (s *SMTPSender) transact(ctx context.Context, addr, from, to string, data []byte) (string, error) {
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("smtp connect %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(2 * s.timeout))
	}
	if s.implicit {
		conn = tls.Client(conn, &tls.Config{ServerName: s.host})
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return "", fmt.Errorf("smtp EHLO: %w", err)
	}
	if !s.implicit {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
				return "", fmt.Errorf("smtp STARTTLS: %w", err)
			}
		} else if s.startTLS {
			return "", &ConfigError{Kind: string(s.kind), Key: "use_tls", Msg: "set but server does not offer STARTTLS"}
		}
	}
	if s.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(&plainAuth{user: s.username, pass: s.password}); err != nil {
				return "", fmt.Errorf("smtp AUTH: %w", err)
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return "", fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return "", fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp end of data: %w", err)
	}
	_ = c.Quit()
	return "250 queued", nil
}

// plainAuth is AUTH PLAIN without net/smtp's TLS-or-localhost guard;
// private relays commonly accept PLAIN on an unencrypted submission port.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(*smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next([]byte, bool) ([]byte, error) { return nil, nil }

func buildMIME(msg *domain.EmailMessage, messageID string) []byte {
	var b bytes.Buffer
	writeHeader := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }

	from := msg.FromEmail
	if msg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromEmail)
	}
	writeHeader("From", from)
	writeHeader("To", msg.To)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Message-ID", "<"+messageID+">")
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	if msg.ReplyTo != "" {
		writeHeader("Reply-To", msg.ReplyTo)
	}
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeHeader(k, msg.Headers[k])
	}

	boundary := "=_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
	writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
	b.WriteString("\r\n")

	part := func(ctype, body string) {
		fmt.Fprintf(&b, "--%s\r\n", boundary)
		fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", ctype)
		b.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		qp := quotedprintable.NewWriter(&b)
		_, _ = qp.Write([]byte(body))
		_ = qp.Close()
		b.WriteString("\r\n")
	}
	if msg.TextContent != "" {
		part("text/plain", msg.TextContent)
	}
	if msg.HTMLContent != "" {
		part("text/html", msg.HTMLContent)
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.Bytes()
}
