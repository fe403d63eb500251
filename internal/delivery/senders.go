package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
)

const DefaultLineNotifyURL = "https://notify-api.line.me/api/notify"

// Sender delivers a message over one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type SlackSender struct {
	webhookURL string
	httpClient *http.Client
}

func NewSlackSender(webhookURL string, httpClient *http.Client) *SlackSender {
	return &SlackSender{webhookURL: webhookURL, httpClient: httpClient}
}

func (s *SlackSender) Name() string { return "slack" }

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
}

func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(map[string][]slackBlock{
		"blocks": {
			{Type: "header", Text: slackText{Type: "plain_text", Text: msg.Subject, Emoji: true}},
			{Type: "section", Text: slackText{Type: "mrkdwn", Text: msg.Text}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return send(s.httpClient, req)
}

type LineSender struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewLineSender posts to LINE Notify. An empty endpoint uses the public API.
func NewLineSender(endpoint, token string, httpClient *http.Client) *LineSender {
	if endpoint == "" {
		endpoint = DefaultLineNotifyURL
	}
	return &LineSender{endpoint: endpoint, token: token, httpClient: httpClient}
}

func (s *LineSender) Name() string { return "line" }

func (s *LineSender) Send(ctx context.Context, msg Message) error {
	form := url.Values{}
	form.Set("message", "\n"+msg.Subject+"\n"+msg.Text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.token)
	return send(s.httpClient, req)
}

type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailSender struct {
	addr     string
	host     string
	username string
	password string
	from     string
	to       []string
	sendMail SendMailFunc
}

func NewEmailSender(host, port, username, password, from string, to []string) *EmailSender {
	return &EmailSender{
		addr:     host + ":" + port,
		host:     host,
		username: username,
		password: password,
		from:     from,
		to:       to,
		sendMail: smtp.SendMail,
	}
}

func (s *EmailSender) Name() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text, "\n", "\r\n"))

	// smtp.SendMail has no context; run it aside so a cancelled dispatch returns.
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(s.addr, auth, s.from, s.to, b.Bytes())
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func send(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("channel returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
