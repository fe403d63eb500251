// Package export appends placed orders to the bookkeeping spreadsheet.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/jogardn/tablesync/internal/circuitbreaker"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

// Header is the column layout every appended row follows.
var Header = []string{"Order ID", "Table", "Ordered at", "Item", "Unit price", "Quantity", "Subtotal", "Total", "Status"}

type AppendRequest struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

type Client struct {
	webhookURL string
	sheetRange string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	metrics    *metrics.Registry
	location   *time.Location
	logger     *logrus.Logger
}

type Option func(*Client)

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLocation sets the zone order times are written in.
func WithLocation(loc *time.Location) Option {
	return func(c *Client) { c.location = loc }
}

func NewClient(webhookURL string, logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		webhookURL: webhookURL,
		sheetRange: "Sheet1!A:I",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		location: time.Local,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Rows lays an order out as spreadsheet rows: order-level columns only on
// the first row, one row per item, then an empty separator row.
func (c *Client) Rows(order models.Order) [][]string {
	rows := make([][]string, 0, len(order.Items)+1)
	for i, item := range order.Items {
		row := []string{"", "", "", item.Name, item.Price, strconv.Itoa(item.Quantity),
			formatAmount(item.PriceValue * float64(item.Quantity)), "", ""}
		if i == 0 {
			row[0] = order.ID
			row[1] = order.TableNumber
			row[2] = order.Timestamp.In(c.location).Format(time.DateTime)
			row[7] = formatAmount(order.TotalAmount)
			row[8] = string(order.Status)
		}
		rows = append(rows, row)
	}
	return append(rows, make([]string, len(Header)))
}

// PersistExternally appends the order and reports whether it was accepted.
// Failures are logged and never returned to the caller.
func (c *Client) PersistExternally(ctx context.Context, order models.Order) bool {
	if c.webhookURL == "" {
		return false
	}

	err := c.execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, AppendRequest{Range: c.sheetRange, Values: c.Rows(order)})
	})
	c.metrics.ObserveExport(err == nil)
	if err != nil {
		c.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to export order to spreadsheet")
		return false
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"rows":     len(order.Items) + 1,
	}).Info("Order exported to spreadsheet")
	return true
}

// WriteHeader replaces the first row with the column titles.
func (c *Client) WriteHeader(ctx context.Context) error {
	return c.execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, AppendRequest{Range: "Sheet1!A1:I1", Values: [][]string{Header}})
	})
}

func (c *Client) execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.breaker != nil {
		return c.breaker.Execute(ctx, fn)
	}
	return fn(ctx)
}

func (c *Client) post(ctx context.Context, body AppendRequest) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal rows: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to spreadsheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("spreadsheet returned error status: %d", resp.StatusCode)
	}
	return nil
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
