package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatesg/api/internal/auth"
	"chatesg/api/internal/search"
	"chatesg/api/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		log:        logger.With().Str("component", "http").Logger(),
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, actor Actor)

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", s.handleHealth)
		api.Head("/health", s.handleHealth)
		api.Get("/ready", s.handleReady)
		api.Head("/ready", s.handleReady)

		api.Route("/blocks/{blockId}", func(block chi.Router) {
			block.Get("/", s.authed(s.handleGetBlock))
			block.Put("/", s.authed(s.handleUpdateBlock))
			block.Get("/lock", s.authed(s.handleLockStatus))
			block.Post("/lock", s.authed(s.handleAcquireLock))
			block.Delete("/lock", s.authed(s.handleReleaseLock))
		})

		api.Route("/assets/{assetId}", func(asset chi.Router) {
			asset.Get("/outline", s.authed(s.handleGetOutline))
			asset.Post("/outline/nodes", s.authed(s.handleAddOutlineNode))
			asset.Post("/outline/rename", s.authed(s.handleRenameOutlineNode))
			asset.Post("/outline/delete", s.authed(s.handleDeleteOutlineNode))
			asset.Get("/events", s.handleEvents)

			asset.Route("/chapters/{chapter}", func(chapter chi.Router) {
				chapter.Get("/stages", s.authed(s.handleGetStages))
				chapter.Put("/stages", s.authed(s.handleDefineStages))
				chapter.Post("/reviews", s.authed(s.handleStartReview))
				chapter.Get("/history", s.authed(s.handleChapterHistory))
				chapter.Get("/published", s.authed(s.handlePublished))
			})
		})

		api.Route("/workflows/{instanceId}", func(wf chi.Router) {
			wf.Get("/", s.authed(s.handleGetProgress))
			wf.Post("/submissions", s.authed(s.handleSubmit))
			wf.Post("/decisions", s.authed(s.handleDecide))
			wf.Get("/log", s.authed(s.handleGetLog))
		})

		api.Get("/versions/{versionId}", s.authed(s.handleGetVersion))
		api.Get("/reviews/pending", s.authed(s.handlePendingReviews))
		api.Get("/permissions/{tag}", s.authed(s.handleGetPermissions))
		api.Put("/permissions/{tag}", s.authed(s.handleSetPermissions))
		api.Get("/search", s.authed(s.handleSearch))
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     statusCode == http.StatusOK,
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := s.requireActor(w, r, bearerToken(r))
		if !ok {
			return
		}
		next(w, r, actor)
	}
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request, token string) (Actor, bool) {
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	actor, err := s.service.ActorFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	return actor, true
}

// fail writes err and logs server errors with the request id.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		s.log.Error().Err(err).Str("request_id", requestID).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handleGetBlock(w http.ResponseWriter, r *http.Request, actor Actor) {
	view, err := s.service.GetBlock(r.Context(), actor, chi.URLParam(r, "blockId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleUpdateBlock(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	result, err := s.service.UpdateBlock(r.Context(), actor, chi.URLParam(r, "blockId"), body.Content)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleLockStatus(w http.ResponseWriter, r *http.Request, actor Actor) {
	status, err := s.service.LockStatus(r.Context(), actor, chi.URLParam(r, "blockId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleAcquireLock(w http.ResponseWriter, r *http.Request, actor Actor) {
	status, err := s.service.AcquireLock(r.Context(), actor, chi.URLParam(r, "blockId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleReleaseLock(w http.ResponseWriter, r *http.Request, actor Actor) {
	if err := s.service.ReleaseLock(r.Context(), actor, chi.URLParam(r, "blockId")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleGetOutline(w http.ResponseWriter, r *http.Request, actor Actor) {
	view, err := s.service.GetOutline(r.Context(), chi.URLParam(r, "assetId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleAddOutlineNode(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body AddNodeInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	view, err := s.service.AddOutlineNode(r.Context(), actor, chi.URLParam(r, "assetId"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleRenameOutlineNode(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body RenameNodeInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	view, err := s.service.RenameOutlineNode(r.Context(), actor, chi.URLParam(r, "assetId"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteOutlineNode(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body DeleteNodeInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	view, err := s.service.DeleteOutlineNode(r.Context(), actor, chi.URLParam(r, "assetId"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleGetStages(w http.ResponseWriter, r *http.Request, actor Actor) {
	stages, err := s.service.GetStages(r.Context(), actor, chi.URLParam(r, "assetId"), pathParam(r, "chapter"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

func (s *HTTPServer) handleDefineStages(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body struct {
		Stages []workflow.Draft `json:"stages"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	stages, err := s.service.DefineStages(r.Context(), actor, chi.URLParam(r, "assetId"), pathParam(r, "chapter"), body.Stages)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

func (s *HTTPServer) handleStartReview(w http.ResponseWriter, r *http.Request, actor Actor) {
	result, err := s.service.StartReview(r.Context(), actor, chi.URLParam(r, "assetId"), pathParam(r, "chapter"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Reactivated {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func (s *HTTPServer) handleChapterHistory(w http.ResponseWriter, r *http.Request, actor Actor) {
	items, err := s.service.ChapterHistory(r.Context(), actor, chi.URLParam(r, "assetId"), pathParam(r, "chapter"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": items})
}

func (s *HTTPServer) handlePublished(w http.ResponseWriter, r *http.Request, actor Actor) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	view, err := s.service.Published(r.Context(), actor, chi.URLParam(r, "assetId"), pathParam(r, "chapter"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleGetProgress(w http.ResponseWriter, r *http.Request, actor Actor) {
	view, err := s.service.GetProgress(r.Context(), actor, chi.URLParam(r, "instanceId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body SubmitInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	result, err := s.service.SubmitForReview(r.Context(), actor, chi.URLParam(r, "instanceId"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleDecide(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body DecisionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	result, err := s.service.Decide(r.Context(), actor, chi.URLParam(r, "instanceId"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetLog(w http.ResponseWriter, r *http.Request, actor Actor) {
	entries, err := s.service.GetLog(r.Context(), actor, chi.URLParam(r, "instanceId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleGetVersion(w http.ResponseWriter, r *http.Request, actor Actor) {
	view, err := s.service.GetVersion(r.Context(), actor, chi.URLParam(r, "versionId"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handlePendingReviews(w http.ResponseWriter, r *http.Request, actor Actor) {
	items, err := s.service.PendingReviews(r.Context(), actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": items})
}

func (s *HTTPServer) handleGetPermissions(w http.ResponseWriter, r *http.Request, actor Actor) {
	grants, err := s.service.GetPermissions(r.Context(), actor, chi.URLParam(r, "tag"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *HTTPServer) handleSetPermissions(w http.ResponseWriter, r *http.Request, actor Actor) {
	var body struct {
		Grants []PermissionGrantInput `json:"grants"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	grants, err := s.service.SetPermissions(r.Context(), actor, r.URL.Query().Get("assetId"), chi.URLParam(r, "tag"), body.Grants)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"grants": grants})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, actor Actor) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	response, err := s.service.Search(r.Context(), actor, search.Query{
		Text:          query.Get("q"),
		FilterAssetID: query.Get("assetId"),
		FilterAction:  query.Get("action"),
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// pathParam returns a route parameter with any percent-encoding removed. Chi
// matches on the raw path when one is present.
func pathParam(r *http.Request, name string) string {
	value := chi.URLParam(r, name)
	if unescaped, err := url.PathUnescape(value); err == nil {
		return unescaped
	}
	return value
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	err = translate(err)
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "INTERNAL", "Server error", nil
}
