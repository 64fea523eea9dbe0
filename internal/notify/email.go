package notify

import (
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Mailer struct {
	apiKey string
	from   string
}

// NewMailer returns nil when the API key is absent; callers treat a nil
// mailer as "email disabled".
func NewMailer(apiKey, from string) *Mailer {
	if apiKey == "" || from == "" {
		return nil
	}
	return &Mailer{apiKey: apiKey, from: from}
}

func (m *Mailer) Send(toEmail, subject, body string) error {
	from := mail.NewEmail("AlumniHub", m.from)
	to := mail.NewEmail("", toEmail)
	msg := mail.NewSingleEmail(from, subject, to, body, body)

	client := sendgrid.NewSendClient(m.apiKey)
	resp, err := client.Send(msg)
	if err != nil {
		return fmt.Errorf("notify: sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: sendgrid status %d", resp.StatusCode)
	}
	return nil
}
