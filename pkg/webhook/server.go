/*
Copyright 2025 The FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package webhook receives host events, verifies their HMAC signatures
// and hands them to the durable event queue. The receiver answers 202
// quickly; all real work happens in workers.
package webhook

import (
	"encoding/json"
	"net/http"

	"github.com/google/go-github/v53/github"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/queue"
)

// defaultAllowedEvents is the stock event allow-list. Everything else
// is acknowledged and dropped.
var defaultAllowedEvents = []string{
	"workflow_run",
	"workflow_job",
	"check_run",
	"check_suite",
	"pull_request",
	"installation",
	"installation_repositories",
	"push",
}

// Envelope wraps a raw delivery for the event queue.
type Envelope struct {
	Type       string          `json:"type"`
	DeliveryID string          `json:"deliveryId"`
	Payload    json.RawMessage `json:"payload"`
}

// ackResponse is the intake's JSON reply.
type ackResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	DeliveryID string `json:"deliveryId,omitempty"`
}

// Config carries the intake secrets and allow-list.
type Config struct {
	// WebhookSecret verifies the sha256= HMAC header.
	WebhookSecret []byte
	// AllowedEvents overrides the default allow-list when non-empty.
	AllowedEvents []string
}

// Server is the webhook HTTP surface.
type Server struct {
	cfg     Config
	queue   *queue.Queue
	log     *logrus.Entry
	allowed map[string]bool
	metrics *serverMetrics
}

type serverMetrics struct {
	Deliveries *prometheus.CounterVec
}

func newServerMetrics() *serverMetrics {
	m := &serverMetrics{
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_webhook_deliveries_total",
			Help: "Webhook deliveries by event type and disposition",
		}, []string{"event", "disposition"}),
	}
	prometheus.MustRegister(m.Deliveries)
	return m
}

var sharedMetrics *serverMetrics

// NewServer builds the intake over the event queue.
func NewServer(cfg Config, q *queue.Queue, log *logrus.Entry) *Server {
	events := cfg.AllowedEvents
	if len(events) == 0 {
		events = defaultAllowedEvents
	}
	allowed := map[string]bool{}
	for _, e := range events {
		allowed[e] = true
	}
	if sharedMetrics == nil {
		sharedMetrics = newServerMetrics()
	}
	return &Server{cfg: cfg, queue: q, log: log, allowed: allowed, metrics: sharedMetrics}
}

// Routes installs the intake handlers on a router.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}

// handleWebhook verifies, filters and enqueues one delivery. It never
// surfaces internal errors as 5xx unless the queue itself is down.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	deliveryID := github.DeliveryID(r)
	eventType := github.WebHookType(r)
	log := s.log.WithFields(logrus.Fields{"event": eventType, "delivery": deliveryID})

	// Constant-time HMAC check over the raw body.
	payload, err := github.ValidatePayload(r, s.cfg.WebhookSecret)
	if err != nil {
		log.WithError(err).Warn("rejecting delivery with bad signature")
		s.metrics.Deliveries.WithLabelValues(eventType, "bad_signature").Inc()
		respond(w, http.StatusUnauthorized, ackResponse{Success: false, Message: "invalid signature"})
		return
	}
	if deliveryID == "" || eventType == "" {
		s.metrics.Deliveries.WithLabelValues(eventType, "bad_request").Inc()
		respond(w, http.StatusBadRequest, ackResponse{Success: false, Message: "missing event type or delivery id"})
		return
	}
	if !s.allowed[eventType] {
		// Acknowledged and dropped.
		s.metrics.Deliveries.WithLabelValues(eventType, "ignored").Inc()
		respond(w, http.StatusAccepted, ackResponse{Success: true, Message: "event ignored", DeliveryID: deliveryID})
		return
	}

	body, err := json.Marshal(Envelope{Type: eventType, DeliveryID: deliveryID, Payload: payload})
	if err != nil {
		// Marshalling only fails when the signed body is not valid JSON.
		s.metrics.Deliveries.WithLabelValues(eventType, "bad_request").Inc()
		respond(w, http.StatusBadRequest, ackResponse{Success: false, Message: "invalid payload"})
		return
	}
	enqueued, err := s.queue.Enqueue(r.Context(), queue.QueueEvents, deliveryID, body)
	if err != nil {
		// The queue being unreachable is the one case a receiver may
		// answer 5xx; the host will redeliver.
		log.WithError(err).Error("enqueueing delivery")
		s.metrics.Deliveries.WithLabelValues(eventType, "queue_error").Inc()
		respond(w, http.StatusInternalServerError, ackResponse{Success: false, Message: "queue unavailable"})
		return
	}
	msg := "enqueued"
	if !enqueued {
		msg = "duplicate delivery"
	}
	s.metrics.Deliveries.WithLabelValues(eventType, msg).Inc()
	respond(w, http.StatusAccepted, ackResponse{Success: true, Message: msg, DeliveryID: deliveryID})
}

func respond(w http.ResponseWriter, status int, body ackResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
