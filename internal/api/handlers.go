// Package api provides HTTP handlers for the frame search service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/bdougie/framesearch/internal/models"
	"github.com/bdougie/framesearch/internal/pipeline"
	"github.com/bdougie/framesearch/internal/storage"
)

// uploadField is the multipart field carrying the uploaded file.
const uploadField = "file"

type Handler struct {
	proc           *pipeline.Processor
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewHandler(proc *pipeline.Processor, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		proc:           proc,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

type uploadResponse struct {
	FramesExtracted int `json:"frames_extracted"`
	FramesSkipped   int `json:"frames_skipped"`
}

type queryResponse struct {
	Matches []models.Match `json:"matches"`
}

type healthResponse struct {
	Status     string `json:"status"`
	FrameCount int    `json:"frame_count"`
}

type statsResponse struct {
	Collection string        `json:"collection"`
	Dimensions int           `json:"dimensions"`
	Metric     models.Metric `json:"metric"`
	FrameCount int           `json:"frame_count"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// HandleUploadVideo handles POST /upload-video/ requests.
func (h *Handler) HandleUploadVideo(w http.ResponseWriter, r *http.Request) {
	part, ok := h.openUpload(w, r)
	if !ok {
		return
	}
	defer part.Close()

	res, err := h.proc.Ingest(r.Context(), part, part.FileName())
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, uploadResponse{
		FramesExtracted: res.Indexed,
		FramesSkipped:   res.Skipped,
	})
}

// HandleQueryVector handles POST /query-vector/ requests.
func (h *Handler) HandleQueryVector(w http.ResponseWriter, r *http.Request) {
	k := 0
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			sendJSON(w, http.StatusBadRequest, errorResponse{Detail: "k must be an integer"})
			return
		}
		k = n
	}

	part, ok := h.openUpload(w, r)
	if !ok {
		return
	}
	defer part.Close()

	matches, err := h.proc.Query(r.Context(), part, part.FileName(), k)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, queryResponse{Matches: matches})
}

// HandleGetFrame handles GET /get-frame/?path=<ref> requests.
func (h *Handler) HandleGetFrame(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("path")
	if ref == "" {
		sendJSON(w, http.StatusBadRequest, errorResponse{Detail: "path is required"})
		return
	}

	asset, err := h.proc.Store().Open(r.Context(), storage.KindFrame, ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			sendJSON(w, http.StatusNotFound, errorResponse{Detail: "Image not found"})
			return
		}
		h.sendError(w, r, err)
		return
	}
	defer asset.Close()

	w.Header().Set("Content-Type", asset.ContentType)
	if asset.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(asset.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, asset); err != nil {
		h.logger.Warn("frame download interrupted", "path", ref, "error", err)
	}
}

// HandleHealth handles GET /health requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	n, err := h.proc.Index().Count(r.Context(), h.proc.Collection())
	if err != nil {
		h.logger.Warn("health check failed", "error", err)
		sendJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable"})
		return
	}
	sendJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		FrameCount: n,
	})
}

// HandleStats handles GET /stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collection := h.proc.Collection()

	schema, err := h.proc.Index().Schema(ctx, collection)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	n, err := h.proc.Index().Count(ctx, collection)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	sendJSON(w, http.StatusOK, statsResponse{
		Collection: collection,
		Dimensions: schema.Dimensions,
		Metric:     schema.Metric,
		FrameCount: n,
	})
}

// openUpload limits the request body and returns the first file part.
// On failure the response has already been written.
func (h *Handler) openUpload(w http.ResponseWriter, r *http.Request) (*multipart.Part, bool) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		sendJSON(w, http.StatusBadRequest, errorResponse{Detail: "expected a multipart/form-data upload"})
		return nil, false
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			sendJSON(w, http.StatusBadRequest, errorResponse{Detail: "missing file field \"" + uploadField + "\""})
			return nil, false
		}
		if err != nil {
			h.sendError(w, r, err)
			return nil, false
		}
		if part.FormName() == uploadField && part.FileName() != "" {
			return part, true
		}
		part.Close()
	}
}

// statusFor maps an error to an HTTP status using the most specific kind
// found in its chain. A missing collection is a server fault; only
// HandleGetFrame answers 404 for a missing asset.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrUnsupportedFormat),
		errors.Is(err, models.ErrMalformedVideo),
		errors.Is(err, models.ErrDecode):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	detail := models.PublicMessage(err)
	if status == http.StatusRequestEntityTooLarge {
		detail = "upload exceeds " + strconv.FormatInt(h.maxUploadBytes, 10) + " bytes"
	}

	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"error", err)

	sendJSON(w, status, errorResponse{Detail: detail})
}

// sendJSON sends a JSON response with the given status code.
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
