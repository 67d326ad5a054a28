// Package email sends project invitations over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// AppURL is the dashboard origin used to build project links.
	AppURL string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	cfg    Config
	addr   string
	auth   smtp.Auth
	send   sendFunc
	logger *zap.Logger
}

func NewService(cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:    cfg,
		addr:   cfg.Host + ":" + cfg.Port,
		send:   smtp.SendMail,
		logger: logger.Named("email"),
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

func (s *Service) Configured() bool {
	return s.cfg.Host != "" && s.cfg.Port != "" && s.cfg.From != ""
}

// ShareInvite tells a user they were given access to a project.
type ShareInvite struct {
	To            string
	RecipientName string
	InviterName   string
	ProjectID     string
	ProjectTitle  string
	Role          string
}

type inviteData struct {
	ShareInvite
	ProjectURL string
}

func (s *Service) SendShareInvite(ctx context.Context, invite ShareInvite) error {
	if !s.Configured() {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data := inviteData{ShareInvite: invite}
	if s.cfg.AppURL != "" {
		data.ProjectURL = strings.TrimRight(s.cfg.AppURL, "/") + "/projects/" + invite.ProjectID
	}

	var html bytes.Buffer
	if err := inviteTemplate.Execute(&html, data); err != nil {
		return fmt.Errorf("render invite: %w", err)
	}
	inviter := invite.InviterName
	if inviter == "" {
		inviter = "A collaborator"
	}
	subject := fmt.Sprintf("%s shared \"%s\" with you", inviter, invite.ProjectTitle)
	text := fmt.Sprintf("%s gave you %s access to %q on Inkwell.", inviter, invite.Role, invite.ProjectTitle)
	if data.ProjectURL != "" {
		text += "\r\nOpen it at " + data.ProjectURL
	}

	msg := s.compose(invite.To, subject, text, html.String())
	if err := s.send(s.addr, s.auth, s.cfg.From, []string{invite.To}, msg); err != nil {
		return fmt.Errorf("send invite to %s: %w", invite.To, err)
	}
	s.logger.Info("share invite sent", zap.String("project", invite.ProjectID), zap.String("role", invite.Role))
	return nil
}

const boundary = "inkwell-alt"

func (s *Service) compose(to, subject, text, html string) []byte {
	from := s.cfg.From
	if s.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n\r\n", text)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n%s\r\n\r\n", html)
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

var inviteTemplate = template.Must(template.New("invite").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.ProjectTitle}}</title></head>
<body style="font-family: Georgia, serif; color: #222; max-width: 560px; margin: 0 auto; padding: 24px;">
  <p>Hi{{if .RecipientName}} {{.RecipientName}}{{end}},</p>
  <p>{{if .InviterName}}{{.InviterName}}{{else}}A collaborator{{end}} gave you <strong>{{.Role}}</strong> access to <em>{{.ProjectTitle}}</em>.</p>
  {{if .ProjectURL}}<p><a href="{{.ProjectURL}}">Open the project</a></p>{{end}}
</body>
</html>`))
