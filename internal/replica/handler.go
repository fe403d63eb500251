package replica

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/internal/reconcile"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

const refreshTimeout = 15 * time.Second

// Router serves the replica's local view:
//
//	GET  /local/orders
//	GET  /local/notifications
//	POST /local/refresh   forced pass, returns feedback per collection
//	POST /local/focus     pass without waiting
func (r *Replica) Router(m *metrics.Registry) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", r.healthCheck).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")
	router.HandleFunc("/local/orders", r.listOrders).Methods("GET")
	router.HandleFunc("/local/notifications", r.listNotifications).Methods("GET")
	router.HandleFunc("/local/refresh", r.refresh).Methods("POST")
	router.HandleFunc("/local/focus", r.focus).Methods("POST")
	router.Use(loggingMiddleware(r.logger))
	return router
}

func (r *Replica) listOrders(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, models.OrdersResponse{Orders: r.Orders()})
}

func (r *Replica) listNotifications(w http.ResponseWriter, req *http.Request) {
	list, unread := r.Notifications()
	respondWithJSON(w, http.StatusOK, models.NotificationsResponse{Notifications: list, UnreadCount: unread})
}

type refreshResponse struct {
	Success  bool                          `json:"success"`
	Feedback map[string]reconcile.Feedback `json:"feedback"`
}

func (r *Replica) refresh(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), refreshTimeout)
	defer cancel()

	feedback := r.Refresh(ctx)
	success := true
	for _, fb := range feedback {
		if fb.Outcome == reconcile.OutcomeFailed.String() {
			success = false
		}
	}
	respondWithJSON(w, http.StatusOK, refreshResponse{Success: success, Feedback: feedback})
}

func (r *Replica) focus(w http.ResponseWriter, req *http.Request) {
	r.Focus()
	respondWithJSON(w, http.StatusAccepted, map[string]bool{"success": true})
}

func (r *Replica) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "replica",
		"source":  r.cfg.Source,
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start).Milliseconds(),
			}).Debug("Request completed")
		})
	}
}
