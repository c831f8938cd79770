package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kivzcu/openwebui-credit-system/internal/ledger"
	"github.com/kivzcu/openwebui-credit-system/internal/pricing"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.Store().ListUsers(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if users == nil {
		users = []ledger.User{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.service.Store().GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"user": u})
}

type balanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
	Amount  decimal.Decimal `json:"amount"`
	Actor   string          `json:"actor"`
	Reason  string          `json:"reason"`
}

func (s *Server) handleSetBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("actor is required"))
		return
	}
	tx, err := s.service.SetBalance(r.Context(), chi.URLParam(r, "id"), req.Balance, req.Actor, req.Reason)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("actor is required"))
		return
	}
	tx, err := s.service.AdjustBalance(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Actor, req.Reason)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Store().DeleteUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListUserTransactions(w http.ResponseWriter, r *http.Request) {
	s.listTransactions(w, r, chi.URLParam(r, "id"))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	s.listTransactions(w, r, r.URL.Query().Get("user_id"))
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	limit := queryInt(r, "limit", 100)
	txs, err := s.service.Store().ListTransactions(r.Context(), userID, limit)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.service.Store().ListGroups(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if groups == nil {
		groups = []ledger.Group{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

type groupRequest struct {
	Name           string          `json:"name"`
	DefaultCredits decimal.Decimal `json:"default_credits"`
}

func (s *Server) handleUpsertGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	g := ledger.Group{ID: chi.URLParam(r, "id"), Name: req.Name, DefaultCredits: req.DefaultCredits}
	if g.Name == "" {
		g.Name = g.ID
	}
	if err := s.service.Store().UpsertGroup(r.Context(), g); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"group": g})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.service.Store().ListModels(r.Context())
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if models == nil {
		models = []ledger.Model{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.service.Store().GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"model": m})
}

type modelRequest struct {
	Name            string          `json:"name"`
	ContextPrice    decimal.Decimal `json:"context_price"`
	GenerationPrice decimal.Decimal `json:"generation_price"`
	IsFree          bool            `json:"is_free"`
	IsAvailable     bool            `json:"is_available"`
}

func (s *Server) handleUpsertModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	m := ledger.Model{
		ID:              chi.URLParam(r, "id"),
		Name:            req.Name,
		ContextPrice:    req.ContextPrice,
		GenerationPrice: req.GenerationPrice,
		IsFree:          req.IsFree,
		IsAvailable:     req.IsAvailable,
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if err := s.service.Store().UpsertModel(r.Context(), m); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"model": m})
}

type usageRequest struct {
	UserID           string `json:"user_id"`
	ModelID          string `json:"model_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	Actor            string `json:"actor"`
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" || req.ModelID == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("user_id and model_id are required"))
		return
	}
	if req.Actor == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("actor is required"))
		return
	}
	if req.PromptTokens < 0 || req.CompletionTokens < 0 {
		s.respondError(w, http.StatusBadRequest, errors.New("token counts must be non-negative"))
		return
	}
	tx, err := s.service.RecordDeduction(r.Context(), req.UserID, pricing.Usage{
		ModelID:          req.ModelID,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
	}, req.Actor)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if s.collector != nil {
		s.collector.RecordDeduction(req.ModelID, req.PromptTokens, req.CompletionTokens)
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"transaction": tx})
}

func (s *Server) handleResetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.service.ResetStatus(r.Context(), queryInt(r, "history", 20))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, status)
}

type resetRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleTriggerReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("actor is required"))
		return
	}
	ev, err := s.service.TriggerManualReset(r.Context(), req.Actor)
	if s.collector != nil {
		s.collector.RecordReset(err == nil)
	}
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"reset": ev})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil || s.upstreamDB == "" {
		s.respondError(w, http.StatusNotImplemented, errors.New("upstream sync is not configured"))
		return
	}
	res, err := s.syncer.Sync(r.Context(), s.upstreamDB)
	if err != nil {
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.service.Store().ListLogs(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []ledger.LogEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
