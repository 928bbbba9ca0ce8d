// Package handlers provides the job handlers registered with the worker: model training
// and the emailed root cause digest.
package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type (
	Attachment struct {
		Filename    string
		ContentType string
		Content     []byte
	}
	Message struct {
		To          []string
		Subject     string
		Text        string
		HTML        string
		Attachments []Attachment
	}
)

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type sendClient interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridMailer struct {
	client sendClient
	from   *mail.Email
}

func NewSendGridMailer(apiKey, fromName, fromAddress string) *SendGridMailer {
	return &SendGridMailer{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddress),
	}
}

func (m *SendGridMailer) build(msg Message) *mail.SGMailV3 {
	email := mail.NewV3Mail()
	email.SetFrom(m.from)
	email.Subject = msg.Subject

	p := mail.NewPersonalization()
	for _, to := range msg.To {
		p.AddTos(mail.NewEmail("", to))
	}
	email.AddPersonalizations(p)

	email.AddContent(mail.NewContent("text/plain", msg.Text))
	if msg.HTML != "" {
		email.AddContent(mail.NewContent("text/html", msg.HTML))
	}

	for _, a := range msg.Attachments {
		att := mail.NewAttachment()
		att.SetFilename(a.Filename)
		att.SetType(a.ContentType)
		att.SetDisposition("attachment")
		att.SetContent(base64.StdEncoding.EncodeToString(a.Content))
		email.AddAttachment(att)
	}

	return email
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("no recipients")
	}

	response, err := m.client.SendWithContext(ctx, m.build(msg))
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d: %s", response.StatusCode, response.Body)
	}

	log.Info().Strs("to", msg.To).Int("status", response.StatusCode).Str("subject", msg.Subject).Msg("email sent")

	return nil
}
