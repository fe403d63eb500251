package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/tablesync/internal/circuitbreaker"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/internal/orders"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

const maxBodyBytes = 1 << 20

// Tester sends a test message on every delivery channel.
type Tester interface {
	SendTest(ctx context.Context) map[string]bool
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Breakers exposes the circuit breakers guarding delivery and export.
type Breakers interface {
	Snapshots() map[string]circuitbreaker.Snapshot
	Reset(name string) bool
}

type HandlerConfig struct {
	// Hub serves /ws when set.
	Hub           http.Handler
	Tester        Tester
	Pinger        Pinger
	Breakers      Breakers
	Metrics       *metrics.Registry
	PublicBaseURL string
}

type Handler struct {
	service *Service
	cfg     HandlerConfig
	logger  *logrus.Logger
}

func NewHandler(service *Service, cfg HandlerConfig, logger *logrus.Logger) *Handler {
	return &Handler{
		service: service,
		cfg:     cfg,
		logger:  logger,
	}
}

// Router wires every route behind CORS and request logging.
func (h *Handler) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	router.Handle("/metrics", h.cfg.Metrics.Handler()).Methods("GET")
	router.HandleFunc("/circuit-breakers", h.ListBreakers).Methods("GET")
	router.HandleFunc("/circuit-breakers/{name}/reset", h.ResetBreaker).Methods("POST")
	if h.cfg.Hub != nil {
		router.Handle("/ws", h.cfg.Hub)
	}

	router.HandleFunc("/orders", h.ListOrders).Methods("GET")
	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders", h.UpdateStatus).Methods("PUT")
	router.HandleFunc("/orders", h.ClearOrders).Methods("DELETE")
	router.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")

	router.HandleFunc("/notifications", h.ListNotifications).Methods("GET")
	router.HandleFunc("/notifications", h.ClearNotifications).Methods("DELETE")
	router.HandleFunc("/notifications/read", h.MarkAllNotificationsRead).Methods("PUT")
	router.HandleFunc("/notifications/test", h.TestNotification).Methods("POST")
	router.HandleFunc("/notifications/{id}/read", h.MarkNotificationRead).Methods("PUT")

	router.HandleFunc("/tables/{table}/qrcode", h.TableQRCode).Methods("GET")

	router.Use(loggingMiddleware(h.logger))

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, models.OrdersResponse{Orders: h.service.Orders()})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	order, ok := h.service.Order(orderID)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, "Order not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Order: &order})
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.WithError(err).Error("Failed to read order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := decodeOrder(body)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to decode order request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if order == nil {
		h.respondWithError(w, http.StatusBadRequest, "Order data is missing")
		return
	}

	stored, err := h.service.CreateOrder(r.Context(), *order)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to save order")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order saved",
		OrderID: stored.ID,
	})
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateStatusRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.WithError(err).Warn("Failed to decode status request")
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" || req.Status == "" {
		h.respondWithError(w, http.StatusBadRequest, "Order id or status is missing")
		return
	}

	order, err := h.service.UpdateStatus(r.Context(), req.OrderID, req.Status)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to update order status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{
		Success: true,
		Message: "Order status updated",
		Order:   &order,
	})
}

func (h *Handler) ClearOrders(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearOrders(r.Context()); err != nil {
		h.respondWithServiceError(w, err, "Failed to clear orders")
		return
	}
	h.respondWithJSON(w, http.StatusOK, models.OrderResponse{Success: true, Message: "All orders cleared"})
}

func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	list, unread := h.service.Notifications()
	h.respondWithJSON(w, http.StatusOK, models.NotificationsResponse{
		Notifications: list,
		UnreadCount:   unread,
	})
}

func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkNotificationRead(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondWithServiceError(w, err, "Failed to mark notification read")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if err := h.service.MarkAllNotificationsRead(r.Context()); err != nil {
		h.respondWithServiceError(w, err, "Failed to mark notifications read")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Handler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearNotifications(r.Context()); err != nil {
		h.respondWithServiceError(w, err, "Failed to clear notifications")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// TestNotification sends a test message on every configured channel and
// reports per-channel results. success is true if any channel delivered.
func (h *Handler) TestNotification(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Tester == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Notification delivery is not configured")
		return
	}

	results := h.cfg.Tester.SendTest(r.Context())
	success := false
	for _, ok := range results {
		success = success || ok
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": success,
		"results": results,
	})
}

// TableQRCode renders the link a table's guests scan to order.
func (h *Handler) TableQRCode(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimSpace(mux.Vars(r)["table"])
	if table == "" {
		h.respondWithError(w, http.StatusBadRequest, "Table number is missing")
		return
	}

	link := fmt.Sprintf("%s/table/%s", h.cfg.PublicBaseURL, url.PathEscape(table))
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		h.logger.WithError(err).WithField("table_number", table).Error("Failed to generate QR code")
		h.respondWithError(w, http.StatusInternalServerError, "Failed to generate QR code")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (h *Handler) ListBreakers(w http.ResponseWriter, r *http.Request) {
	snapshots := map[string]circuitbreaker.Snapshot{}
	if h.cfg.Breakers != nil {
		snapshots = h.cfg.Breakers.Snapshots()
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":         true,
		"circuitBreakers": snapshots,
	})
}

func (h *Handler) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if h.cfg.Breakers == nil || !h.cfg.Breakers.Reset(name) {
		h.respondWithError(w, http.StatusNotFound, "Circuit breaker not found")
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Circuit breaker %s reset", name),
	})
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.cfg.Pinger.Ping(ctx); err != nil {
			h.respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "order-service",
				"error":   "database connection failed",
			})
			return
		}
	}

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "order-service",
	})
}

// decodeOrder accepts {"order": {...}} as well as a bare order. A nil order
// with no error means the body carried none.
func decodeOrder(body []byte) (*models.Order, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	if raw, ok := fields["order"]; ok {
		var envelope models.CreateOrderRequest
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		if envelope.Order == nil || string(raw) == "null" {
			return nil, nil
		}
		return envelope.Order, nil
	}
	if _, ok := fields["id"]; !ok {
		return nil, nil
	}

	var order models.Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case IsValidation(err):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orders.ErrOrderNotFound):
		h.respondWithError(w, http.StatusNotFound, "Order not found")
	case errors.Is(err, ErrNotificationNotFound):
		h.respondWithError(w, http.StatusNotFound, "Notification not found")
	case errors.Is(err, models.ErrTransitionNotAllowed):
		h.respondWithError(w, http.StatusConflict, err.Error())
	default:
		h.logger.WithError(err).Error(fallback)
		h.respondWithError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (h *Handler) respondWithError(w http.ResponseWriter, code int, message string) {
	h.respondWithJSON(w, code, map[string]interface{}{
		"success": false,
		"message": message,
	})
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			logger.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			}).Debug("Request received")

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
