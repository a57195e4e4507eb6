// Package api exposes the code cache and its collaborators over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pauljones0/shift-code-bot/internal/models"
	"github.com/pauljones0/shift-code-bot/internal/validator"
)

const (
	headerUserID  = "X-User-ID"
	headerGuildID = "X-Guild-ID"

	defaultLatest  = 5
	refreshTimeout = 4 * time.Minute
)

// CodeService is what the handlers need from the processor.
type CodeService interface {
	GetCodes(ctx context.Context, force bool) ([]models.CodeRecord, error)
	Latest(ctx context.Context, n int) ([]models.CodeRecord, error)
	RefreshNow(ctx context.Context) (int, error)
	SearchCodes(ctx context.Context, term string) ([]models.CodeRecord, error)
	CodesBySource(ctx context.Context, source string) ([]models.CodeRecord, error)
	Deactivate(ctx context.Context, code string) (bool, error)
	Stats(ctx context.Context) (models.Stats, error)
	CommandStats(ctx context.Context, days int) (models.CommandStats, error)
	LogCommandUsage(ctx context.Context, command, userID, guildID string) error
	Subscribe(ctx context.Context, channelID, guildID string) (bool, error)
	Unsubscribe(ctx context.Context, channelID string) (bool, error)
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
}

type Server struct {
	svc       CodeService
	validator *validator.Validator
}

func New(svc CodeService) *Server {
	return &Server{svc: svc, validator: validator.New()}
}

// Handler returns the routed mux, including /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /codes", s.handleCodes)
	mux.HandleFunc("GET /codes/latest", s.handleLatest)
	mux.HandleFunc("DELETE /codes/{code}", s.handleDeactivate)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /stats/commands", s.handleCommandStats)
	mux.HandleFunc("GET /subscriptions", s.handleListSubscriptions)
	mux.HandleFunc("POST /subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /subscriptions/{channelID}", s.handleUnsubscribe)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type codesResponse struct {
	Codes []models.CodeRecord `json:"codes"`
	Count int                 `json:"count"`
}

type subscribeRequest struct {
	ChannelID string `json:"channel_id" validate:"required,max=64"`
	GuildID   string `json:"guild_id" validate:"max=64"`
}

func (s *Server) handleCodes(w http.ResponseWriter, r *http.Request) {
	s.logUsage(r, "codes")
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	var codes []models.CodeRecord
	switch {
	case q.Get("q") != "":
		codes, err = s.svc.SearchCodes(r.Context(), q.Get("q"))
	case q.Get("source") != "":
		codes, err = s.svc.CodesBySource(r.Context(), q.Get("source"))
	default:
		codes, err = s.svc.GetCodes(r.Context(), q.Get("force") == "true")
	}
	if err != nil {
		slog.Error("Failed to load codes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load codes")
		return
	}
	if limit > 0 && len(codes) > limit {
		codes = codes[:limit]
	}
	writeCodes(w, codes)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	s.logUsage(r, "latest")
	n, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if n <= 0 {
		n = defaultLatest
	}
	codes, err := s.svc.Latest(r.Context(), n)
	if err != nil {
		slog.Error("Failed to load latest codes", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load codes")
		return
	}
	writeCodes(w, codes)
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	s.logUsage(r, "deactivate")
	code := models.NormalizeCode(r.PathValue("code"))
	if !models.IsShiftCode(code) {
		writeError(w, http.StatusBadRequest, "invalid code")
		return
	}
	ok, err := s.svc.Deactivate(r.Context(), code)
	if err != nil {
		slog.Error("Failed to deactivate code", "code", code, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deactivate code")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "code not found or already inactive")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code, "deactivated": true})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.logUsage(r, "refresh")
	// Detached from the request so a client disconnect does not abort
	// upserts halfway through a cycle.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), refreshTimeout)
	defer cancel()

	n, err := s.svc.RefreshNow(ctx)
	if err != nil {
		slog.Error("Forced refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"active": n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.logUsage(r, "stats")
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		slog.Error("Failed to load stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r.URL.Query().Get("days"))
	if err != nil || days < 0 {
		writeError(w, http.StatusBadRequest, "invalid days")
		return
	}
	stats, err := s.svc.CommandStats(r.Context(), days)
	if err != nil {
		slog.Error("Failed to load command stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load command stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.svc.ListSubscriptions(r.Context())
	if err != nil {
		slog.Error("Failed to list subscriptions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs, "count": len(subs)})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.logUsage(r, "subscribe")
	var req subscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validator.ValidateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := s.svc.Subscribe(r.Context(), req.ChannelID, req.GuildID)
	if err != nil {
		slog.Error("Failed to subscribe channel", "channel_id", req.ChannelID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"channel_id": req.ChannelID, "subscribed": created})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.logUsage(r, "unsubscribe")
	channelID := r.PathValue("channelID")
	removed, err := s.svc.Unsubscribe(r.Context(), channelID)
	if err != nil {
		slog.Error("Failed to unsubscribe channel", "channel_id", channelID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "channel not subscribed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "unsubscribed": true})
}

// logUsage records the command when the caller identifies a user. Failures
// never fail the request.
func (s *Server) logUsage(r *http.Request, command string) {
	userID := r.Header.Get(headerUserID)
	if userID == "" {
		return
	}
	if err := s.svc.LogCommandUsage(r.Context(), command, userID, r.Header.Get(headerGuildID)); err != nil {
		slog.Warn("Failed to log command usage", "command", command, "error", err)
	}
}

var errBadInt = errors.New("not a non-negative integer")

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errBadInt
	}
	return n, nil
}

func writeCodes(w http.ResponseWriter, codes []models.CodeRecord) {
	if codes == nil {
		codes = []models.CodeRecord{}
	}
	writeJSON(w, http.StatusOK, codesResponse{Codes: codes, Count: len(codes)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
