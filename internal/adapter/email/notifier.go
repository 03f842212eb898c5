// Package email implements a notifier.Notifier that delivers over SMTP.
package email

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"slices"
	"strconv"
	"strings"

	"github.com/Strob0t/TaskForge/internal/port/notifier"
)

const providerName = "email"

func init() {
	notifier.Register(providerName, func(config map[string]string) (notifier.Notifier, error) {
		cfg := SMTPConfig{
			Host:     config["host"],
			From:     config["from"],
			Password: config["password"],
			To:       splitAddrs(config["to"]),
			Port:     587,
		}
		if p := config["port"]; p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("email: invalid port %q: %w", p, err)
			}
			cfg.Port = port
		}
		return NewNotifier(cfg), nil
	})
}

// SMTPConfig holds the configuration for SMTP connections.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Password string
	To       []string
}

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Notifier sends notifications as plain-text email.
type Notifier struct {
	cfg  SMTPConfig
	send sendFunc
}

// NewNotifier creates a new email notifier.
func NewNotifier(cfg SMTPConfig) *Notifier {
	return &Notifier{cfg: cfg, send: smtp.SendMail}
}

func (n *Notifier) Name() string { return providerName }

// Send mails the notification to every configured recipient.
func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.cfg.Host == "" || n.cfg.From == "" || len(n.cfg.To) == 0 {
		return notifier.ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Password != "" {
		auth = smtp.PlainAuth("", n.cfg.From, n.cfg.Password, n.cfg.Host)
	}

	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	if err := n.send(addr, auth, n.cfg.From, n.cfg.To, buildMessage(n.cfg.From, n.cfg.To, notification)); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}

func buildMessage(from string, to []string, notification notifier.Notification) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(notification.Level), headerSafe(notification.Title))
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(notification.Message)
	b.WriteString("\r\n")

	if len(notification.Fields) > 0 {
		b.WriteString("\r\n")
		keys := make([]string, 0, len(notification.Fields))
		for k := range notification.Fields {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\r\n", k, notification.Fields[k])
		}
	}
	if notification.Source != "" {
		fmt.Fprintf(&b, "\r\nSource: %s\r\n", notification.Source)
	}
	return []byte(b.String())
}

// headerSafe strips line breaks so a title cannot inject extra headers.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func splitAddrs(s string) []string {
	var out []string
	for a := range strings.SplitSeq(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
