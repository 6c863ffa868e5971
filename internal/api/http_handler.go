package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/logger"
	"github.com/rpattn/imgexplorer/internal/manifest"
)

const maxBodyBytes = 4 << 20

type Handler struct {
	service   *Service
	files     *manifest.LocalStore
	validator *validator.Validate
}

// NewHTTPHandler serves the JSON API. files may be nil when manifests are
// stored remotely.
func NewHTTPHandler(service *Service, files *manifest.LocalStore) http.Handler {
	return &Handler{service: service, files: files, validator: validator.New()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/hc":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	case r.Method == http.MethodPost && r.URL.Path == "/counts":
		h.handleCounts(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/records":
		h.handleRecords(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/manifest":
		h.handleManifest(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/manifest/files/"):
		h.handleDownload(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleCounts(w http.ResponseWriter, r *http.Request) {
	var req CountsRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.GetFacetedCounts(r.Context(), req)
	if err != nil {
		h.fail(w, r, "faceted counts", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	var req RecordsRequest
	if !h.decode(w, r, &req) {
		return
	}
	page, err := h.service.GetRecords(r.Context(), req)
	if err != nil {
		h.fail(w, r, "records", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type manifestResponse struct {
	Total    int64            `json:"total"`
	Notice   string           `json:"notice,omitempty"`
	Job      *manifest.Future `json:"job,omitempty"`
	FileName string           `json:"file_name,omitempty"`
	URL      string           `json:"url,omitempty"`
	Size     int64            `json:"size,omitempty"`
}

func (h *Handler) handleManifest(w http.ResponseWriter, r *http.Request) {
	var req ManifestRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	res, err := h.service.BuildManifest(ctx, req)
	if err != nil {
		h.fail(w, r, "manifest", err)
		return
	}
	switch {
	case res.Notice != "":
		writeJSON(w, http.StatusOK, manifestResponse{Notice: res.Notice})
	case res.Future != nil:
		writeJSON(w, http.StatusAccepted, manifestResponse{Total: res.Total, Job: res.Future})
	case req.Download:
		m := res.Manifest
		w.Header().Set("Content-Type", m.ContentType())
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", m.FileName))
		if _, err := m.Write(ctx, w); err != nil {
			// headers are gone; all we can do is log and cut the body short
			zerolog.Ctx(ctx).Error().Err(err).Str("file", m.FileName).Msg("manifest stream aborted")
		}
	default:
		stored, link, err := h.service.SaveManifest(ctx, res.Manifest)
		if err != nil {
			h.fail(w, r, "manifest", err)
			return
		}
		writeJSON(w, http.StatusOK, manifestResponse{
			Total:    res.Total,
			FileName: stored.Name,
			URL:      link,
			Size:     stored.Size,
		})
	}
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	name := path.Base(strings.TrimSuffix(r.URL.Path, "/"))
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	file, err := h.files.Open(name, token)
	switch {
	case errors.Is(err, manifest.ErrMissingToken), errors.Is(err, manifest.ErrInvalidToken), errors.Is(err, manifest.ErrTokenExpired):
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	case errors.Is(err, manifest.ErrFileNotFound):
		http.Error(w, "manifest not found", http.StatusNotFound)
		return
	case err != nil:
		h.fail(w, r, "manifest download", err)
		return
	}
	defer file.Close()

	modTime := time.Time{}
	if info, err := file.Stat(); err == nil {
		modTime = info.ModTime()
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.Header().Set("Content-Type", domain.ManifestFileTypeFromName(name).MimeType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", name))
	http.ServeContent(w, r, name, modTime, file)
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// fail logs err in full and answers with a generic message. Caller mistakes
// get a 400; everything else is the administrator's problem.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	reqID := logger.RequestID(ctx)
	status := statusFor(err)
	event := zerolog.Ctx(ctx).Error()
	if status == http.StatusBadRequest {
		event = zerolog.Ctx(ctx).Warn()
	}
	event.Err(err).Str("op", op).Int("status", status).Msg("request failed")

	msg := fmt.Sprintf("An error occurred while processing this request. Please contact the administrator with request ID %s.", reqID)
	if status == http.StatusBadRequest {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Error: msg, RequestID: reqID})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidFilter),
		errors.Is(err, domain.ErrUnsupportedFileType),
		errors.Is(err, domain.ErrArchivedOnIndex),
		errors.Is(err, domain.ErrUnknownAttribute):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBackendTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
