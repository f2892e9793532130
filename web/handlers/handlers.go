package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v4/disk"
	"go.uber.org/zap"

	"github.com/gosom/meeting-transcriber/models"
	"github.com/gosom/meeting-transcriber/uploads"
)

// UploadService is what the chunked upload routes need from the pipeline
type UploadService interface {
	ValidateInitialize(params uploads.InitializeParams) error
	Initialize(ctx context.Context, params uploads.InitializeParams) (*models.UploadSession, uploads.ChunkPlan, error)
	ReceiveChunk(ctx context.Context, params uploads.ReceiveParams) (uploads.ChunkReceipt, error)
	Finalize(ctx context.Context, uploadID string) (*models.AudioFile, error)
	Cancel(ctx context.Context, uploadID string) error
	Status(ctx context.Context, uploadID string) (uploads.Snapshot, error)
	Limits() uploads.Limits
}

// Pinger reports database reachability
type Pinger interface {
	PingContext(ctx context.Context) error
}

// DiskUsage reports free bytes and used percentage of the volume holding path
type DiskUsage func(path string) (free uint64, usedPercent float64, err error)

func gopsutilDiskUsage(path string) (uint64, float64, error) {
	st, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}

	return st.Free, st.UsedPercent, nil
}

// Dependencies aggregates shared services used by handlers.
type Dependencies struct {
	Logger     *zap.Logger
	DB         Pinger
	Uploads    UploadService
	DataFolder string
	DiskUsage  DiskUsage
}

type UploadHandlers struct{ Deps Dependencies }

type HealthHandlers struct{ Deps Dependencies }

// HandlerGroup groups all handler categories for routing setup.
type HandlerGroup struct {
	Uploads *UploadHandlers
	Health  *HealthHandlers
}

func NewHandlerGroup(deps Dependencies) *HandlerGroup {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	if deps.DiskUsage == nil {
		deps.DiskUsage = gopsutilDiskUsage
	}

	return &HandlerGroup{
		Uploads: &UploadHandlers{Deps: deps},
		Health:  &HealthHandlers{Deps: deps},
	}
}

// Register mounts every route on router
func (g *HandlerGroup) Register(router *mux.Router) {
	router.HandleFunc("/health", g.Health.Check).Methods(http.MethodGet)

	chunked := router.PathPrefix("/chunked").Subrouter()
	chunked.HandleFunc("/initialize", g.Uploads.Initialize).Methods(http.MethodPost)
	chunked.HandleFunc("/upload", g.Uploads.UploadChunk).Methods(http.MethodPost)
	chunked.HandleFunc("/finalize/{uploadId}", g.Uploads.Finalize).Methods(http.MethodPost)
	chunked.HandleFunc("/cancel/{uploadId}", g.Uploads.Cancel).Methods(http.MethodDelete)
	chunked.HandleFunc("/status/{uploadId}", g.Uploads.Status).Methods(http.MethodGet)
}

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func renderError(w http.ResponseWriter, code int, message string) {
	renderJSON(w, code, models.APIError{Code: code, Message: message})
}

// errorResponse maps pipeline errors to a status code and a message that is
// safe to return. Wrapped causes (which may name files) are never exposed.
func errorResponse(err error) (int, string) {
	var (
		verr   *uploads.ValidationError
		ierr   *uploads.IncompleteUploadError
		interr *uploads.IntegrityError
		serr   *uploads.StorageError
		mberr  *http.MaxBytesError
	)

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Error()
	case errors.Is(err, uploads.ErrNotFound):
		return http.StatusNotFound, uploads.ErrNotFound.Error()
	case errors.Is(err, uploads.ErrInvalidChunkIndex):
		return http.StatusBadRequest, uploads.ErrInvalidChunkIndex.Error()
	case errors.Is(err, uploads.ErrSessionTerminal):
		return http.StatusBadRequest, uploads.ErrSessionTerminal.Error()
	case errors.As(err, &ierr):
		return http.StatusBadRequest, ierr.Error()
	case errors.As(err, &mberr):
		return http.StatusRequestEntityTooLarge, errChunkTooLarge
	case errors.As(err, &interr):
		return http.StatusInternalServerError, interr.Error()
	case errors.As(err, &serr):
		return http.StatusInternalServerError, serr.Error()
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request cancelled"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *UploadHandlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := errorResponse(err)

	if code >= http.StatusInternalServerError {
		h.Deps.Logger.Error("upload request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err),
		)
	}

	renderError(w, code, msg)
}
