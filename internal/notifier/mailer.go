package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"twofactor-service/internal/config"
	"twofactor-service/internal/model"
	"twofactor-service/internal/util"
)

// ErrTransportFailure wraps SMTP delivery errors. The already-persisted code
// stays valid; only the delivery failed.
type ErrTransportFailure struct {
	Err error
}

func (e *ErrTransportFailure) Error() string {
	return fmt.Sprintf("code delivery failed: %v", e.Err)
}

func (e *ErrTransportFailure) Unwrap() error {
	return e.Err
}

// Mailer delivers authentication codes over SMTP.
type Mailer struct {
	config *config.SMTPConfig
}

func NewMailer(cfg *config.Config) *Mailer {
	return &Mailer{config: &cfg.SMTP}
}

// SendCode emails the code to the user's address.
func (m *Mailer) SendCode(ctx context.Context, user *model.User, code int) error {
	subject := fmt.Sprintf("%s - Authentication requested code", m.config.AppName)
	body := fmt.Sprintf("Your code is: %d", code)

	if err := m.send(user.Email, subject, body); err != nil {
		util.Error("Failed to deliver authentication code",
			zap.String("user_id", user.UserID),
			zap.Error(err))
		return &ErrTransportFailure{Err: err}
	}

	util.Info("Authentication code delivered",
		zap.String("user_id", user.UserID))
	return nil
}

// send performs the SMTP handshake and delivery. Headers are joined with CRLF
// per RFC 822.
func (m *Mailer) send(toEmail, subject, body string) error {
	smtpAddr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)

	headers := []string{
		fmt.Sprintf("From: %s", m.config.From),
		fmt.Sprintf("To: %s", toEmail),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		body,
	}
	message := strings.Join(headers, "\r\n")

	var clientAuth smtp.Auth
	if m.config.User != "" {
		clientAuth = smtp.PlainAuth("", m.config.User, m.config.Pass, m.config.Host)
	}

	return smtp.SendMail(smtpAddr, clientAuth, m.config.From, []string{toEmail}, []byte(message))
}
