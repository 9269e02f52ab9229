package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	ferrors "git.home.luguber.info/inful/packd/internal/foundation/errors"
	"git.home.luguber.info/inful/packd/internal/orchestrator"
)

// StaleHeader is set on asset responses served from an earlier build.
const StaleHeader = "X-Packd-Stale"

const defaultHistoryLimit = 50

// envelope wraps successful JSON responses.
type envelope struct {
	Data any `json:"data"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	// chi's Timeout middleware answers 504 itself.
	if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		return
	}
	s.errors.WriteErrorResponse(w, r, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

func (s *Server) handlePlatforms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.compiler.Platforms())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.compiler.State(chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.compiler.GetHmrBody(chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.compiler.Assets(chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if _, err := s.compiler.State(platform); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.history == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, ferrors.ValidationError("limit must be a non-negative integer").
				WithContext("limit", raw).
				Build())
			return
		}
		limit = n
	}
	records, err := s.history.List(r.Context(), platform, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

// handleInvalidate marks one platform (?platform=) or all of them out of date.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if err := s.compiler.Invalidate(platform); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"platform": platform})
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		s.writeError(w, r, ferrors.ValidationError("platform query parameter is required").
			WithContext("path", r.URL.Path).
			Build())
		return
	}

	asset, err := s.compiler.GetAsset(r.Context(), chi.URLParam(r, "*"), platform)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", asset.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(asset.Size))
	w.Header().Set("Cache-Control", "no-cache")
	if asset.Stale {
		w.Header().Set(StaleHeader, "true")
	}
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(asset.Contents)
	}
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	fileURL := r.URL.Query().Get("url")
	data, err := s.compiler.GetSource(r.Context(), fileURL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRaw(w, orchestrator.MimeType(fileURL), data)
}

func (s *Server) handleSourceMap(w http.ResponseWriter, r *http.Request) {
	data, err := s.compiler.GetSourceMap(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeRaw(w, "application/json", data)
}

func (s *Server) writeRaw(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
