// Package email sends change-request notifications via SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crportal/api/internal/logging"
	"crportal/api/internal/record"
)

const appName = "CR Portal"

// sendTimeout bounds the whole SMTP exchange, dial included.
const sendTimeout = 30 * time.Second

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	BaseURL  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   dialAndSend(sendTimeout),
	}
}

// dialAndSend is smtp.SendMail with a deadline on the connection.
func dialAndSend(timeout time.Duration) sendFunc {
	return func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return fmt.Errorf("dial smtp: %w", err)
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return fmt.Errorf("set smtp deadline: %w", err)
		}
		host, _, _ := net.SplitHostPort(addr)
		c, err := smtp.NewClient(conn, host)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp greeting: %w", err)
		}
		defer c.Close()

		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
		if a != nil {
			if ok, _ := c.Extension("AUTH"); ok {
				if err := c.Auth(a); err != nil {
					return fmt.Errorf("smtp auth: %w", err)
				}
			}
		}
		if err := c.Mail(from); err != nil {
			return fmt.Errorf("smtp mail from: %w", err)
		}
		for _, rcpt := range to {
			if err := c.Rcpt(rcpt); err != nil {
				return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
			}
		}
		w, err := c.Data()
		if err != nil {
			return fmt.Errorf("smtp data: %w", err)
		}
		if _, err := w.Write(msg); err != nil {
			return fmt.Errorf("write message: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close message: %w", err)
		}
		return c.Quit()
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendHTMLEmail sends an HTML email with a plain-text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	boundary := "boundary-crportal"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// StatusChangeData feeds the status-change template.
type StatusChangeData struct {
	AppName   string
	Requester string
	CRCode    string
	CRName    string
	Previous  string
	Status    string
	DecidedBy string
	DecidedOn string
	Comments  string
	Link      string
}

// NotifyStatusChange mails the requester when their CR is approved or
// rejected. It does nothing when SMTP is not configured or the CR carries no
// requester address.
func (s *Service) NotifyStatusChange(ctx context.Context, cr record.ChangeRequest, previous record.Status) error {
	if !s.IsConfigured() || strings.TrimSpace(cr.RequesterEmail) == "" {
		return nil
	}

	data := statusChangeData(cr, previous, s.config.BaseURL)
	html, err := renderTemplate(statusChangeTemplate, data)
	if err != nil {
		return fmt.Errorf("render status change template: %w", err)
	}
	subject := fmt.Sprintf("%s %s: %s", appName, strings.ToLower(data.Status), data.CRCode)
	text := fmt.Sprintf("Hi %s,\r\n\r\nChange request %s (%s) is now %s.", data.Requester, data.CRCode, data.CRName, data.Status)
	if data.Link != "" {
		text += "\r\n\r\n" + data.Link
	}

	if err := s.SendHTMLEmail([]string{cr.RequesterEmail}, subject, text, html); err != nil {
		return fmt.Errorf("send status change for %s: %w", cr.ID, err)
	}
	logging.FromContext(ctx).WithFields(logrus.Fields{
		"cr_id":  cr.ID,
		"status": data.Status,
	}).Info("status change notification sent")
	return nil
}

func statusChangeData(cr record.ChangeRequest, previous record.Status, baseURL string) StatusChangeData {
	data := StatusChangeData{
		AppName:   appName,
		Requester: cr.Requester,
		CRCode:    cr.CRCode,
		CRName:    cr.CRName,
		Previous:  string(previous),
		Status:    string(cr.Status),
		Comments:  cr.Comments,
	}
	switch cr.Status {
	case record.StatusApproved:
		data.DecidedBy = record.Deref(cr.ApprovedBy)
		data.DecidedOn = record.Deref(cr.ApprovedDate)
	case record.StatusRejected:
		data.DecidedBy = record.Deref(cr.RejectedBy)
		data.DecidedOn = record.Deref(cr.RejectedDate)
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		data.Link = base + "/crs/" + url.PathEscape(cr.ID)
	}
	return data
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const statusChangeTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}: {{.CRCode}} {{.Status}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        td { padding: 4px 12px 4px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.Requester}},</p>

    <p>Your change request <strong>{{.CRCode}}</strong> ({{.CRName}}) moved from {{.Previous}} to <strong>{{.Status}}</strong>.</p>

    <table>
        {{if .DecidedBy}}<tr><td>Decided by</td><td>{{.DecidedBy}}</td></tr>{{end}}
        {{if .DecidedOn}}<tr><td>Date</td><td>{{.DecidedOn}}</td></tr>{{end}}
        {{if .Comments}}<tr><td>Comments</td><td>{{.Comments}}</td></tr>{{end}}
    </table>

    {{if .Link}}<p><a href="{{.Link}}" class="button">Open change request</a></p>{{end}}

    <div class="footer">
        <p>You are receiving this because you submitted the change request.</p>
    </div>
</body>
</html>`
