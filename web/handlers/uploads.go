package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/uploads"
)

const (
	// room for the multipart envelope and the small text fields around the chunk
	multipartOverhead = 1 * units.MiB
	// parts above this size are spooled to temp files by net/http
	multipartMemory = 8 * units.MiB
	// a finalize needs the chunks and the assembled file on disk at once
	diskHeadroomFactor = 2
)

const errChunkTooLarge = "chunk exceeds maximum chunk size"

func (h *UploadHandlers) Initialize(w http.ResponseWriter, r *http.Request) {
	var req models.InitializeUploadRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*units.KiB))
	if err := dec.Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params := uploads.InitializeParams{
		Filename:    req.Filename,
		FileSize:    req.FileSize,
		TotalChunks: req.TotalChunks,
		MimeType:    req.MimeType,
	}

	// a request that can never succeed is a 400 whatever the free space
	if err := h.Deps.Uploads.ValidateInitialize(params); err != nil {
		h.fail(w, r, err)
		return
	}

	if req.FileSize > 0 && h.Deps.DataFolder != "" {
		free, _, err := h.Deps.DiskUsage(h.Deps.DataFolder)

		switch {
		case err != nil:
			h.Deps.Logger.Warn("failed to read disk usage", zap.Error(err))
		case free < uint64(req.FileSize)*diskHeadroomFactor:
			h.Deps.Logger.Warn("rejecting upload, not enough disk space",
				zap.String("free", units.HumanSize(float64(free))),
				zap.String("requested", units.HumanSize(float64(req.FileSize))),
			)

			renderError(w, http.StatusInsufficientStorage, "not enough storage space for this upload")

			return
		}
	}

	session, plan, err := h.Deps.Uploads.Initialize(r.Context(), params)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, models.InitializeUploadResponse{
		UploadID:  session.UploadID,
		ChunkSize: plan.ChunkSize,
		ExpiresAt: session.ExpiresAt,
		Session: models.SessionSummary{
			ID:       session.UploadID,
			Status:   session.Status,
			Progress: session.Progress(),
		},
	})
}

func (h *UploadHandlers) UploadChunk(w http.ResponseWriter, r *http.Request) {
	limits := h.Deps.Uploads.Limits()

	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxChunkSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if code, msg := errorResponse(err); code == http.StatusRequestEntityTooLarge {
			renderError(w, code, msg)
			return
		}

		renderError(w, http.StatusBadRequest, "invalid multipart body")

		return
	}

	defer func() { _ = r.MultipartForm.RemoveAll() }()

	uploadID := strings.TrimSpace(r.FormValue("uploadId"))
	if uploadID == "" {
		renderError(w, http.StatusBadRequest, "uploadId is required")
		return
	}

	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		renderError(w, http.StatusBadRequest, "chunkIndex must be an integer")
		return
	}

	var totalChunks int

	if v := r.FormValue("totalChunks"); v != "" {
		totalChunks, err = strconv.Atoi(v)
		if err != nil {
			renderError(w, http.StatusBadRequest, "totalChunks must be an integer")
			return
		}
	}

	chunk, header, err := r.FormFile("chunk")
	if err != nil {
		renderError(w, http.StatusBadRequest, "chunk file is required")
		return
	}

	defer chunk.Close()

	if header.Size > limits.MaxChunkSize {
		renderError(w, http.StatusRequestEntityTooLarge, errChunkTooLarge)
		return
	}

	receipt, err := h.Deps.Uploads.ReceiveChunk(r.Context(), uploads.ReceiveParams{
		UploadID:    uploadID,
		Index:       index,
		TotalChunks: totalChunks,
		Body:        chunk,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, models.ChunkUploadResponse{
		ChunkIndex:     receipt.ChunkIndex,
		UploadedChunks: receipt.UploadedChunks,
		TotalChunks:    receipt.TotalChunks,
		Progress:       receipt.Progress,
		IsComplete:     receipt.IsComplete,
	})
}

func (h *UploadHandlers) Finalize(w http.ResponseWriter, r *http.Request) {
	file, err := h.Deps.Uploads.Finalize(r.Context(), mux.Vars(r)["uploadId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, models.AudioFileResponse{
		ID:               file.ID,
		Filename:         file.Filename,
		OriginalFilename: file.OriginalFilename,
		MimeType:         file.MimeType,
		Status:           file.Status,
		FileSize:         file.FileSize,
		UploadTime:       file.UploadTime,
	})
}

func (h *UploadHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.Deps.Uploads.Cancel(r.Context(), mux.Vars(r)["uploadId"]); err != nil {
		h.fail(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, models.MessageResponse{Message: "upload cancelled"})
}

func (h *UploadHandlers) Status(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Deps.Uploads.Status(r.Context(), mux.Vars(r)["uploadId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}

	s := snap.Session

	renderJSON(w, http.StatusOK, models.UploadStatusResponse{
		UploadID:         s.UploadID,
		Filename:         s.Filename,
		OriginalFilename: s.OriginalFilename,
		FileSize:         s.FileSize,
		MimeType:         s.MimeType,
		Status:           s.Status,
		TotalChunks:      s.TotalChunks,
		UploadedChunks:   s.UploadedChunks,
		MissingChunks:    snap.MissingChunks,
		Progress:         snap.Progress,
		IsExpired:        snap.IsExpired,
		IsComplete:       snap.IsComplete,
		ExpiresAt:        s.ExpiresAt,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	})
}

func (h *HealthHandlers) Check(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:   "healthy",
		Database: "not_configured",
	}

	code := http.StatusOK

	if h.Deps.DB != nil {
		if err := h.Deps.DB.PingContext(r.Context()); err != nil {
			h.Deps.Logger.Error("database ping failed", zap.Error(err))

			resp.Status = "unhealthy"
			resp.Database = "unhealthy"
			code = http.StatusServiceUnavailable
		} else {
			resp.Database = "healthy"
		}
	}

	if h.Deps.DataFolder != "" {
		if free, used, err := h.Deps.DiskUsage(h.Deps.DataFolder); err == nil {
			resp.DiskFreeBytes = free
			resp.DiskUsedPct = used
		}
	}

	renderJSON(w, code, resp)
}
