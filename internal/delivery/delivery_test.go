package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/tablesync/internal/circuitbreaker"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sampleOrder() models.Order {
	return models.Order{
		ID:          "o1",
		TableNumber: "3",
		Items: []models.OrderItem{
			{ID: "x", Name: "Highball", Price: "500 yen", Quantity: 2, PriceValue: 500},
		},
		TotalAmount: 1000,
		Status:      models.StatusUnserved,
		Timestamp:   time.Date(2024, 5, 1, 19, 30, 0, 0, time.UTC),
	}
}

func TestRenderOrder(t *testing.T) {
	msg := RenderOrder(sampleOrder())

	assert.Equal(t, "New order: table 3", msg.Subject)
	assert.Contains(t, msg.Text, "Order: o1")
	assert.Contains(t, msg.Text, "Time: 2024-05-01 19:30:00")
	assert.Contains(t, msg.Text, "- Highball x2 (1000 yen)")
	assert.True(t, strings.HasSuffix(msg.Text, "Total: 1000 yen"))
}

func TestSlackSender(t *testing.T) {
	var got map[string][]slackBlock
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	sender := NewSlackSender(server.URL, server.Client())
	require.NoError(t, sender.Send(context.Background(), Message{Subject: "s", Text: "t"}))

	require.Len(t, got["blocks"], 2)
	assert.Equal(t, "header", got["blocks"][0].Type)
	assert.Equal(t, "s", got["blocks"][0].Text.Text)
	assert.Equal(t, "mrkdwn", got["blocks"][1].Text.Type)
}

func TestLineSender(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("message"), "New order: table 3")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewLineSender(server.URL, "secret", server.Client())
	assert.NoError(t, sender.Send(context.Background(), RenderOrder(sampleOrder())))
}

func TestSenderReportsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusUnauthorized)
	}))
	defer server.Close()

	err := NewLineSender(server.URL, "bad", server.Client()).Send(context.Background(), TestMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "invalid_token")
}

func TestEmailSender(t *testing.T) {
	sender := NewEmailSender("smtp.example.com", "587", "bar", "pw", "bar@example.com", []string{"kitchen@example.com"})

	var (
		addr string
		body string
	)
	sender.sendMail = func(a string, auth smtp.Auth, from string, to []string, msg []byte) error {
		addr = a
		body = string(msg)
		assert.NotNil(t, auth)
		assert.Equal(t, []string{"kitchen@example.com"}, to)
		return nil
	}

	require.NoError(t, sender.Send(context.Background(), RenderOrder(sampleOrder())))
	assert.Equal(t, "smtp.example.com:587", addr)
	assert.Contains(t, body, "Subject: New order: table 3\r\n")
	assert.Contains(t, body, "Total: 1000 yen")
}

type fakeSender struct {
	name  string
	err   error
	delay time.Duration

	mutex sync.Mutex
	calls int
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Send(ctx context.Context, msg Message) error {
	f.mutex.Lock()
	f.calls++
	f.mutex.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func TestNotifyReportsPerChannel(t *testing.T) {
	slack := &fakeSender{name: "slack"}
	line := &fakeSender{name: "line", err: errors.New("down")}
	email := &fakeSender{name: "email", delay: 20 * time.Millisecond}

	d := NewDispatcher([]Sender{slack, line, email}, nil, nil, testLogger())
	results := d.Notify(context.Background(), sampleOrder())

	assert.Equal(t, map[string]bool{"slack": true, "line": false, "email": true}, results)
	assert.True(t, AnySucceeded(results))
}

func TestSlowChannelDoesNotBlockOthers(t *testing.T) {
	slow := &fakeSender{name: "email", delay: time.Hour}
	fast := &fakeSender{name: "slack"}

	d := NewDispatcher([]Sender{slow, fast}, nil, nil, testLogger())
	d.timeout = 50 * time.Millisecond

	start := time.Now()
	results := d.Send(context.Background(), TestMessage())
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, results["slack"])
	assert.False(t, results["email"])
}

func TestBreakerStopsCallingFailingChannel(t *testing.T) {
	line := &fakeSender{name: "line", err: errors.New("down")}
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{MaxFailures: 2, Cooldown: time.Hour}, testLogger())
	d := NewDispatcher([]Sender{line}, breakers, nil, testLogger())

	for i := 0; i < 4; i++ {
		assert.False(t, d.Send(context.Background(), TestMessage())["line"])
	}
	assert.Equal(t, 2, line.calls)
	assert.Equal(t, circuitbreaker.StateOpen, breakers.Get("delivery-line").State())
}

func TestNoChannels(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, testLogger())
	results := d.Notify(context.Background(), sampleOrder())
	assert.Empty(t, results)
	assert.False(t, AnySucceeded(results))
}

func TestSlackSenderHonoursContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "ok")
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, NewSlackSender(server.URL, server.Client()).Send(ctx, TestMessage()))
}
