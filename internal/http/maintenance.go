package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/reconcile"
)

type fixRequest struct {
	ProductID string `json:"productId"`
	Store     string `json:"store"`
}

type checkResponse struct {
	Success bool   `json:"success"`
	Store   string `json:"store"`
	reconcile.Check
}

type fixResponse struct {
	Success bool   `json:"success"`
	Store   string `json:"store"`
	reconcile.Fix
}

type checkAllResponse struct {
	Success bool `json:"success"`
	reconcile.CheckReport
}

type fixAllResponse struct {
	Success bool `json:"success"`
	reconcile.FixReport
}

func (s *Server) handleCheckProduct(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	svc, ok := s.reconciler(w, query.Get("store"))
	if !ok {
		return
	}
	productID, err := domain.NormalizeProductID(query.Get("productId"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "productId is required")
		return
	}

	check, err := svc.Check(r.Context(), productID)
	if err != nil {
		s.respondReconcileError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, checkResponse{Success: true, Store: svc.Store(), Check: check})
}

func (s *Server) handleFixProduct(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	var req fixRequest
	if r.ContentLength != 0 {
		if err := decodeJSONBody(w, r, &req); err != nil {
			s.respondDecodeError(w, err)
			return
		}
	}
	query := r.URL.Query()
	if req.ProductID == "" {
		req.ProductID = query.Get("productId")
	}
	if req.Store == "" {
		req.Store = query.Get("store")
	}

	svc, ok := s.reconciler(w, req.Store)
	if !ok {
		return
	}
	productID, err := domain.NormalizeProductID(req.ProductID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "productId is required")
		return
	}

	fix, err := svc.Fix(r.Context(), productID)
	if err != nil {
		s.respondReconcileError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, fixResponse{Success: true, Store: svc.Store(), Fix: fix})
}

func (s *Server) handleCheckAll(w http.ResponseWriter, r *http.Request) {
	svc, ok := s.reconciler(w, r.URL.Query().Get("store"))
	if !ok {
		return
	}
	report, err := svc.CheckAll(r.Context())
	if err != nil {
		s.respondReconcileError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, checkAllResponse{Success: true, CheckReport: report})
}

func (s *Server) handleFixAll(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}
	svc, ok := s.reconciler(w, r.URL.Query().Get("store"))
	if !ok {
		return
	}
	report, err := svc.FixAll(r.Context())
	if err != nil {
		s.respondReconcileError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, fixAllResponse{Success: true, FixReport: report})
}

// reconciler picks the service for name, writing a 400 when it is unknown.
func (s *Server) reconciler(w http.ResponseWriter, name string) (*reconcile.Service, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.deps.DefaultStore
	}
	svc, ok := s.deps.Reconcilers[name]
	if !ok {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown store "+name)
		return nil, false
	}
	return svc, true
}

func (s *Server) respondReconcileError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrUnknownProduct) {
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Product not found")
		return
	}
	s.logger.Error("reconcile request failed", zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reconcile votes")
}
