package automation

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/xavierca1/leadsync/internal/entity"
)

//go:embed templates/*.html
var templateFS embed.FS

var newLeadTemplate = template.Must(template.ParseFS(templateFS, "templates/new_lead.html"))

// Dialer is the part of *gomail.Dialer the sender uses.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailSender struct {
	Dialer     Dialer
	From       string
	SalesInbox string
}

func NewEmailSender(host string, port int, user, password, from, salesInbox string) *EmailSender {
	return &EmailSender{
		Dialer:     gomail.NewDialer(host, port, user, password),
		From:       from,
		SalesInbox: salesInbox,
	}
}

// SendNewLead e-mails the sales inbox about a freshly created lead.
func (s *EmailSender) SendNewLead(ev entity.LeadEvent) error {
	data := NewLeadEmailData{
		Name:       ev.Name,
		Company:    ev.Company,
		Email:      ev.Email,
		Phone:      ev.Phone,
		Source:     ev.SourceTag,
		TenantID:   ev.TenantID,
		ExternalID: ev.ExternalID,
		ReceivedAt: ev.OccurredAt.Format(time.RFC1123),
	}

	var body bytes.Buffer
	if err := newLeadTemplate.Execute(&body, data); err != nil {
		return fmt.Errorf("render new lead template: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", s.SalesInbox)
	if ev.Email != "" {
		m.SetHeader("Reply-To", ev.Email)
	}
	m.SetHeader("Subject", fmt.Sprintf("New lead: %s", ev.Name))
	m.SetBody("text/html", body.String())

	if err := s.Dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("send new lead email: %w", err)
	}
	return nil
}
