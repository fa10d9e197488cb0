package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pcdattach/internal/api"
	"pcdattach/internal/models"
	"pcdattach/internal/service"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			s.log().Warn("health check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, api.HealthResponse{Status: "unavailable", Error: "database unreachable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
}

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		s.writeErrorReq(w, r, http.StatusNotImplemented, errors.New("attachment listing is not configured"))
		return
	}

	ownerType, err := models.ParseOwnerType(chi.URLParam(r, "ownerType"))
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return
	}
	ownerID, err := strconv.ParseInt(chi.URLParam(r, "ownerID"), 10, 64)
	if err != nil || ownerID <= 0 {
		s.writeErrorReq(w, r, http.StatusBadRequest, fmt.Errorf("invalid owner id %q", chi.URLParam(r, "ownerID")))
		return
	}

	ref := models.OwnerRef{Type: ownerType, ID: ownerID}
	rows, err := s.attachments.ListForOwner(r.Context(), ref)
	if err != nil {
		s.writeErrorReq(w, r, httpStatusFromError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.AttachmentListResponse{Owner: ref, Attachments: rows})
}

func (s *Server) handleLastSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		s.writeErrorReq(w, r, http.StatusNotImplemented, errors.New("sweeps are not configured"))
		return
	}
	report := s.sweeper.LastReport()
	if report.StartedAt.IsZero() {
		s.writeErrorReq(w, r, http.StatusNotFound, errors.New("no sweep has run yet"))
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		s.writeErrorReq(w, r, http.StatusNotImplemented, errors.New("sweeps are not configured"))
		return
	}
	if !s.acquireLimiter(s.sweepLimiter) {
		s.writeErrorReq(w, r, http.StatusTooManyRequests, errors.New("a sweep is already running"))
		return
	}
	defer s.releaseLimiter(s.sweepLimiter)

	report, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.writeErrorReq(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeErrorReq(w http.ResponseWriter, r *http.Request, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}

	code := errorCode(status, err)
	numericCode := 0
	if isServiceError(err) {
		numericCode = service.ErrorCode(err)
	}
	message := err.Error()

	fields := []any{"status", status, "code", code, "error_code", numericCode, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	}

	switch {
	case status >= 500:
		s.log().Error("request error", fields...)
		message = "internal error"
	case status == http.StatusTooManyRequests:
		s.log().Warn("request rejected", fields...)
	case status >= 400:
		s.log().Debug("request rejected", fields...)
	}

	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: code, ErrorCode: numericCode})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}

func httpStatusFromError(err error) int {
	switch service.ErrorCategory(err) {
	case service.CategoryValidation:
		return http.StatusBadRequest
	case service.CategoryNotFound:
		return http.StatusNotFound
	case service.CategoryConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func isServiceError(err error) bool {
	var svcErr *service.Error
	return errors.As(err, &svcErr)
}

func errorCode(status int, err error) string {
	if isServiceError(err) {
		return string(service.ErrorCategory(err))
	}
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "resource_exhausted"
	case http.StatusNotImplemented:
		return "unimplemented"
	default:
		return "internal"
	}
}
