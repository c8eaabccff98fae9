package email

import (
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

var ErrNotConfigured = errors.New("smtp not configured")

type SMTPConfig struct {
	Host string
	Port int
	User string
	Pass string
	From string
}

func (c SMTPConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// Message is one outgoing plain-text mail. It is also the body of a mail job.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" || strings.ContainsAny(m.To, "\r\n") {
		return fmt.Errorf("invalid recipient %q", m.To)
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return errors.New("subject must be a single line")
	}
	return nil
}

// SendText sends a plain text mail.
func SendText(cfg SMTPConfig, to, subject, body string) error {
	return Send(cfg, Message{To: to, Subject: subject, Body: body})
}

func Send(cfg SMTPConfig, m Message) error {
	if !cfg.Enabled() {
		return ErrNotConfigured
	}
	if err := m.Validate(); err != nil {
		return err
	}

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	var a smtp.Auth
	if cfg.User != "" {
		a = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}
	return smtp.SendMail(addr, a, cfg.From, []string{m.To}, compose(cfg.From, m, time.Now()))
}

func compose(from string, m Message, now time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + m.To + "\r\n")
	b.WriteString("Subject: " + m.Subject + "\r\n")
	b.WriteString("Date: " + now.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// PasswordReset builds the forgot-password mail pointing at the frontend
// reset page.
func PasswordReset(to, frontendURL, token string, ttl time.Duration) Message {
	link := strings.TrimRight(frontendURL, "/") + "/reset-password?token=" + token
	body := "Hello,\n\n" +
		"We received a request to reset your password. Use the link below to choose a new one:\n\n" +
		link + "\n\n" +
		"This link expires in " + strconv.Itoa(int(ttl.Minutes())) + " minutes.\n" +
		"If you did not request a reset, you can ignore this email.\n"
	return Message{To: to, Subject: "Password reset request", Body: body}
}
