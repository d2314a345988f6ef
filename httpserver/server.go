// Package httpserver exposes the tower's customer surface: appointment
// submission and read-back, health, and metrics. Per-IP and global rate
// limits guard the accept path.
package httpserver

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/connext/pisa/appointment"
	"github.com/connext/pisa/metrics"
	"github.com/connext/pisa/store"
	"github.com/connext/pisa/tower"
)

// RateLimit is (max requests, window) plus the message returned on 429/503.
type RateLimit struct {
	Max      int
	Window   time.Duration
	Message  string
}

func (rl RateLimit) limiter() *rate.Limiter {
	if rl.Max <= 0 || rl.Window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(rl.Window/time.Duration(rl.Max)), rl.Max)
}

type Config struct {
	UserLimit   RateLimit
	GlobalLimit RateLimit
}

type Server struct {
	log     *zap.Logger
	tower   *tower.Tower
	metrics *metrics.Metrics
	cfg     Config

	global *rate.Limiter

	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

func New(t *tower.Tower, m *metrics.Metrics, cfg Config, log *zap.Logger) *Server {
	return &Server{
		log:     log.Named("http"),
		tower:   t,
		metrics: m,
		cfg:     cfg,
		global:  cfg.GlobalLimit.limiter(),
		clients: make(map[string]*rate.Limiter),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/appointment", s.rateLimited(http.HandlerFunc(s.addAppointment))).Methods(http.MethodPost)
	r.HandleFunc("/appointment/{id}", s.getAppointment).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

func (s *Server) clientLimiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limiter, ok := s.clients[ip]; ok {
		return limiter
	}
	limiter := s.cfg.UserLimit.limiter()
	s.clients[ip] = limiter
	return limiter
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.global.Allow() {
			writeError(w, http.StatusServiceUnavailable, s.cfg.GlobalLimit.Message)
			return
		}
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !s.clientLimiter(ip).Allow() {
			writeError(w, http.StatusTooManyRequests, s.cfg.UserLimit.Message)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) addAppointment(w http.ResponseWriter, r *http.Request) {
	var a appointment.Appointment
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		if s.metrics != nil {
			s.metrics.AppointmentsRejected.Inc()
		}
		writeError(w, http.StatusBadRequest, "malformed appointment: "+err.Error())
		return
	}

	rec, err := s.tower.AddAppointment(r.Context(), &a)
	if err != nil {
		s.writeTowerError(w, &a, err)
		return
	}
	if s.metrics != nil {
		s.metrics.AppointmentsAccepted.Inc()
	}
	writeRecord(w, rec)
}

func (s *Server) getAppointment(w http.ResponseWriter, r *http.Request) {
	rec, err := s.tower.GetAppointment(mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "appointment not found")
		return
	}
	if err != nil {
		s.log.Error("appointment lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeRecord(w, rec)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"tower":  s.tower.TowerAddress(),
	})
}

// writeTowerError maps the typed error kinds onto status codes; nothing
// unclassified ever reaches the body.
func (s *Server) writeTowerError(w http.ResponseWriter, a *appointment.Appointment, err error) {
	if s.metrics != nil {
		s.metrics.AppointmentsRejected.Inc()
	}
	var vErr *tower.ValidationError
	var iErr *tower.InspectionError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, vErr.Error())
	case errors.As(err, &iErr):
		writeError(w, http.StatusBadRequest, iErr.Error())
	default:
		s.log.Error("admission failed",
			zap.String("appointment", a.ID()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeRecord returns the appointment object with the receipt signature
// spliced in as a sibling field.
func writeRecord(w http.ResponseWriter, rec *store.Record) {
	blob, err := json.Marshal(rec.Appointment)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	var flat map[string]interface{}
	if err := json.Unmarshal(blob, &flat); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	flat["signature"] = rec.Signature.String()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(flat)
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
