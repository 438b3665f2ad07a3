package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marminbh/hook-svc/internal/config"
)

// Message is a single email
type Message struct {
	To      []string
	Subject string
	HTML    string
}

// Sender delivers one email
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends through net/smtp with PLAIN auth when a user is configured.
// The connection is bounded by the context passed to Send.
type SMTPSender struct {
	cfg config.MailConfig
}

func NewSMTPSender(cfg config.MailConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("smtp starttls failed: %w", err)
		}
	}
	if s.cfg.User != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("smtp auth failed: %w", err)
			}
		}
	}

	from := s.from()
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, to := range msg.To {
		if err := client.Rcpt(to); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(compose(from, msg)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func (s *SMTPSender) from() string {
	if s.cfg.From != "" {
		return s.cfg.From
	}
	return s.cfg.User
}

// compose renders the message headers and body
func compose(from string, msg Message) []byte {
	var body bytes.Buffer
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString(fmt.Sprintf("From: %s\r\n", headerValue(from)))
	body.WriteString(fmt.Sprintf("To: %s\r\n", headerValue(strings.Join(msg.To, ", "))))
	body.WriteString(fmt.Sprintf("Subject: %s\r\n", headerValue(msg.Subject)))
	body.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	body.WriteString("\r\n")
	body.WriteString(msg.HTML)
	return body.Bytes()
}

// headerValue folds line breaks so a value cannot start a new header
func headerValue(v string) string {
	return strings.Join(strings.FieldsFunc(v, func(r rune) bool {
		return r == '\r' || r == '\n'
	}), " ")
}

const failureTpl = `<!DOCTYPE html>
<html>
<body style="font-family:sans-serif;background:#f5f5f5;padding:20px">
<div style="max-width:600px;margin:0 auto;background:#fff;border-radius:8px;padding:24px">
  <h2 style="color:#333">Webhook delivery failed</h2>
  <p>A submission to <strong>{{.FormName}}</strong> could not be delivered to <strong>{{.HookName}}</strong>.</p>
  <table style="font-size:14px;color:#333">
    <tr><td>Endpoint</td><td>{{.Endpoint}}</td></tr>
    <tr><td>Submission</td><td>{{.SubmissionUUID}}</td></tr>
    <tr><td>Attempts</td><td>{{.Tries}}</td></tr>
    {{if .StatusCode}}<tr><td>Last status</td><td>{{.StatusCode}}</td></tr>{{end}}
  </table>
  <p>Last response:</p>
  <pre style="background:#f3f4f6;padding:12px;white-space:pre-wrap">{{.Message}}</pre>
  <p style="color:#999;font-size:12px">This email was sent automatically, please do not reply.</p>
</div>
</body>
</html>`

var failureTemplate = template.Must(template.New("failure").Parse(failureTpl))

type failureView struct {
	FormName       string
	HookName       string
	Endpoint       string
	SubmissionUUID string
	Tries          int
	StatusCode     int
	Message        string
}

// MailNotifier emails the form owner. Sends run in the background; Close waits
// for the ones already started.
type MailNotifier struct {
	sender  Sender
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewMailNotifier(sender Sender, logger *zap.Logger) *MailNotifier {
	return &MailNotifier{sender: sender, timeout: 30 * time.Second, logger: logger}
}

func (n *MailNotifier) NotifyTerminalFailure(ctx context.Context, failure Failure) {
	fields := []zap.Field{
		zap.String("log_id", failure.Log.ID.String()),
		zap.String("hook_id", failure.Hook.ID.String()),
	}

	if failure.Form == nil || strings.TrimSpace(failure.Form.OwnerEmail) == "" {
		n.logger.Warn("No owner email for failed delivery, skipping notification", fields...)
		return
	}

	msg, err := buildFailureMessage(failure)
	if err != nil {
		n.logger.Error("Failed to render failure email", append(fields, zap.Error(err))...)
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.logger.Warn("Notifier closed, dropping failure email", fields...)
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		if err := n.sender.Send(sendCtx, msg); err != nil {
			n.logger.Error("Failed to send failure email", append(fields, zap.Error(err))...)
			return
		}
		n.logger.Info("Failure email sent", append(fields, zap.Strings("to", msg.To))...)
	}()
}

// Close stops accepting notifications and waits for in-flight sends
func (n *MailNotifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

func buildFailureMessage(failure Failure) (Message, error) {
	view := failureView{
		FormName:       failure.Form.Name,
		HookName:       failure.Hook.Name,
		Endpoint:       failure.Hook.Endpoint,
		SubmissionUUID: failure.Log.SubmissionUUID,
		Tries:          failure.Log.Tries,
		Message:        failure.Log.Message,
	}
	if view.FormName == "" {
		view.FormName = failure.Form.ID
	}
	if view.HookName == "" {
		view.HookName = failure.Hook.Endpoint
	}
	if failure.Log.StatusCode != nil {
		view.StatusCode = *failure.Log.StatusCode
	}

	var html bytes.Buffer
	if err := failureTemplate.Execute(&html, view); err != nil {
		return Message{}, err
	}
	return Message{
		To:      []string{failure.Form.OwnerEmail},
		Subject: headerValue(fmt.Sprintf("Webhook delivery failed for %s", view.FormName)),
		HTML:    html.String(),
	}, nil
}

var _ Notifier = (*MailNotifier)(nil)
