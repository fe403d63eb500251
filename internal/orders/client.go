package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

// Client talks to the Order Intake API. Its Fetch methods are what a
// replica's reconciliation passes call.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(baseURL string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// APIError is a non-2xx response from the intake API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("intake API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("intake API returned status %d: %s", e.StatusCode, e.Message)
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) FetchOrders(ctx context.Context) ([]models.Order, error) {
	var response models.OrdersResponse
	if err := c.do(ctx, http.MethodGet, "/orders", nil, &response); err != nil {
		return nil, err
	}
	if response.Orders == nil {
		response.Orders = []models.Order{}
	}
	c.logger.WithField("count", len(response.Orders)).Debug("Fetched orders from intake API")
	return response.Orders, nil
}

func (c *Client) FetchNotifications(ctx context.Context) ([]models.Notification, error) {
	var response models.NotificationsResponse
	if err := c.do(ctx, http.MethodGet, "/notifications", nil, &response); err != nil {
		return nil, err
	}
	if response.Notifications == nil {
		response.Notifications = []models.Notification{}
	}
	if actual := models.CountUnread(response.Notifications); actual != response.UnreadCount {
		c.logger.WithFields(logrus.Fields{
			"reported_unread": response.UnreadCount,
			"actual_unread":   actual,
		}).Warn("Intake API unread count disagrees with notification list")
	}
	return response.Notifications, nil
}

// GetOrder returns ErrOrderNotFound for an unknown id.
func (c *Client) GetOrder(ctx context.Context, id string) (models.Order, error) {
	var response models.OrderResponse
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(id), nil, &response)
	if isNotFound(err) {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return models.Order{}, err
	}
	if response.Order == nil {
		return models.Order{}, fmt.Errorf("intake API response for %s carried no order", id)
	}
	return *response.Order, nil
}

// CreateOrder submits an order and returns the id it was stored under. An
// order without an id gets one here, the way table clients mint them.
func (c *Client) CreateOrder(ctx context.Context, order models.Order) (string, error) {
	if order.ID == "" {
		order.ID = models.NewOrderID(time.Now())
	}
	c.logger.WithField("order_id", order.ID).Info("Sending order to intake API")

	var response models.OrderResponse
	if err := c.do(ctx, http.MethodPost, "/orders", models.CreateOrderRequest{Order: &order}, &response); err != nil {
		return "", err
	}
	return response.OrderID, nil
}

func (c *Client) SetStatus(ctx context.Context, id string, status models.OrderStatus) (models.Order, error) {
	var response models.OrderResponse
	req := models.UpdateStatusRequest{OrderID: id, Status: status}
	err := c.do(ctx, http.MethodPut, "/orders", req, &response)
	if isNotFound(err) {
		return models.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	if err != nil {
		return models.Order{}, err
	}
	if response.Order == nil {
		return models.Order{}, fmt.Errorf("intake API response for %s carried no order", id)
	}
	return *response.Order, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to intake API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure models.OrderResponse
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return &APIError{StatusCode: resp.StatusCode, Message: failure.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode intake API response: %w", err)
	}
	return nil
}
