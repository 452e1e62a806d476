// Package webhook is the HTTP edge: the Twilio inbound SMS endpoint, admin
// operations, and health. Transport parsing and signature checks live here,
// outside the lifecycle core.
package webhook

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/log"

	controllerx "github.com/clearhaul/clearhaul/agent/controller"
	twiliox "github.com/clearhaul/clearhaul/pkg/twilio"
)

type Config struct {
	Addr       string        `envconfig:"ADDR" split_words:"true" default:":8080"`
	WebhookURL string        `envconfig:"WEBHOOK_URL" split_words:"true"` // enables signature validation when set
	RateRPM    int           `envconfig:"RATE_RPM" split_words:"true" default:"120"`
	Timeout    time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
}

type Server struct {
	controller *controllerx.Controller
	sms        *twiliox.Client
	cfg        Config
	router     *chi.Mux
}

func NewServer(controller *controllerx.Controller, sms *twiliox.Client, cfg Config) *Server {
	s := &Server{
		controller: controller,
		sms:        sms,
		cfg:        cfg,
	}

	r := chi.NewRouter()
	r.Use(httprate.Limit(cfg.RateRPM, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", s.handleHealth)
	r.Post("/api/sms/inbound", s.handleInbound)
	r.Post("/api/admin/sessions/{phone}/complete", s.handleComplete)
	r.Post("/api/admin/sessions/{phone}/cancel", s.handleCancel)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", s.cfg.Addr).Msg("webhook server listening")
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleInbound processes one Twilio SMS webhook POST. Twilio retries
// non-200 responses, so everything past parsing answers 200; duplicate
// deliveries are deduplicated inside the controller on MessageSid.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	fromPhone := strings.TrimSpace(r.PostForm.Get("From"))
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	messageSID := strings.TrimSpace(r.PostForm.Get("MessageSid"))
	if fromPhone == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}

	if s.cfg.WebhookURL != "" {
		signature := r.Header.Get("X-Twilio-Signature")
		if !s.sms.ValidateSignature(s.cfg.WebhookURL, r.PostForm, signature) {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeout)
	defer cancel()

	reply, err := s.controller.HandleMessage(ctx, fromPhone, messageSID, body)
	if err != nil {
		log.Error().
			Str("session_id", fromPhone).
			Err(err).
			Msg("inbound processing failed")
		reply = controllerx.FailureReply
	}

	if reply != "" {
		if _, err := s.sms.Send(ctx, fromPhone, reply); err != nil {
			// Still answer 200 so Twilio doesn't redeliver the inbound.
			log.Error().
				Str("session_id", fromPhone).
				Err(err).
				Msg("outbound send failed")
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.applyAdmin(w, r, s.controller.Complete)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.applyAdmin(w, r, s.controller.Cancel)
}

func (s *Server) applyAdmin(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	phone := strings.TrimSpace(chi.URLParam(r, "phone"))
	if phone == "" {
		http.Error(w, "missing phone", http.StatusBadRequest)
		return
	}
	if err := op(r.Context(), phone); err != nil {
		log.Error().
			Str("session_id", phone).
			Err(err).
			Msg("admin operation failed")
		http.Error(w, "operation failed", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
