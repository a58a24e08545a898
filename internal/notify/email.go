package notify

import (
	"context"
	"strings"

	"gopkg.in/gomail.v2"
)

// EmailNotifier sends plain-text mail over SMTP.
type EmailNotifier struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailNotifier(host string, port int, username, password, from string) *EmailNotifier {
	return &EmailNotifier{dialer: gomail.NewDialer(host, port, username, password), from: from}
}

func (e *EmailNotifier) Send(ctx context.Context, _ Channel, target, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", target)
	m.SetHeader("Subject", Subject(message))
	m.SetBody("text/plain", message)
	return e.dialer.DialAndSend(m)
}

// Subject derives a mail subject from the first line of message.
func Subject(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	if line == "" {
		return "cityflow notification"
	}
	if r := []rune(line); len(r) > 78 {
		return string(r[:75]) + "..."
	}
	return line
}
