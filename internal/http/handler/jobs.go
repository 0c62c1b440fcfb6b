package handler

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"jp2web/internal/auth"
	"jp2web/internal/conversion"
	"jp2web/internal/errors"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// JobService is the slice of conversion.Service the HTTP layer needs.
type JobService interface {
	Create(ctx context.Context, in conversion.NewJob) (*conversion.Job, error)
	Get(ctx context.Context, userID uint64, id string) (*conversion.Job, error)
	List(ctx context.Context, q conversion.ListQuery) ([]conversion.Job, int64, error)
	Stats(ctx context.Context, userID uint64) (conversion.Stats, error)
	Retry(ctx context.Context, userID uint64, id string) (*conversion.Job, error)
	Delete(ctx context.Context, userID uint64, id string) error
	Batch(ctx context.Context, userID uint64, ids []string, action string) (*conversion.BatchResult, error)
	Completed(ctx context.Context, userID uint64, ids []string) ([]conversion.Job, error)
	OutputPaths(j *conversion.Job) ([]string, error)
	ReportFile(j *conversion.Job) (string, error)
}

type JobHandler struct {
	Svc            JobService
	MaxUploadBytes int64
	Log            *zap.SugaredLogger
}

func (h *JobHandler) log() *zap.SugaredLogger { return orDefault(h.Log) }

type jobDTO struct {
	ID               string         `json:"id"`
	InputName        string         `json:"original_filename"`
	OutputName       *string        `json:"output_filename"`
	OutputFiles      []string       `json:"output_files"`
	CompressionMode  string         `json:"compression_mode"`
	DocumentType     string         `json:"document_type"`
	BnfCompliant     bool           `json:"bnf_compliant"`
	Quality          int            `json:"quality"`
	ExpertMode       bool           `json:"expert_mode"`
	Status           string         `json:"status"`
	Progress         float64        `json:"progress"`
	TaskID           *string        `json:"task_id"`
	OriginalSize     *int64         `json:"original_size"`
	ConvertedSize    *int64         `json:"converted_size"`
	CompressionRatio *float64       `json:"compression_ratio"`
	Metrics          map[string]any `json:"metrics"`
	ErrorMessage     *string        `json:"error_message"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at"`
}

func toDTO(j *conversion.Job) jobDTO {
	files := make([]string, 0, len(j.OutputFiles))
	for _, f := range j.OutputFiles {
		files = append(files, path.Base(f))
	}
	return jobDTO{
		ID:               j.ID,
		InputName:        j.InputName,
		OutputName:       j.OutputName,
		OutputFiles:      files,
		CompressionMode:  j.CompressionMode,
		DocumentType:     j.DocumentType,
		BnfCompliant:     j.BnfCompliant,
		Quality:          j.Quality,
		ExpertMode:       j.ExpertMode,
		Status:           j.Status,
		Progress:         j.Progress,
		TaskID:           j.TaskReference,
		OriginalSize:     j.OriginalSize,
		ConvertedSize:    j.ConvertedSize,
		CompressionRatio: j.CompressionRatio,
		Metrics:          j.Metrics,
		ErrorMessage:     j.ErrorMessage,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		CompletedAt:      j.CompletedAt,
	}
}

func toDTOs(js []conversion.Job) []jobDTO {
	out := make([]jobDTO, 0, len(js))
	for i := range js {
		out = append(out, toDTO(&js[i]))
	}
	return out
}

// multipart memory budget; larger parts spill to temp files
const formMemory = 32 << 20

// Create accepts one or more files and starts one job per file.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	if h.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		http.Error(w, "files required", http.StatusBadRequest)
		return
	}

	base, err := jobOptions(r)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	base.UserID = uid

	var created []jobDTO
	var lastErr error
	failed := map[string]string{}
	for _, fh := range files {
		j, err := h.createOne(r.Context(), base, fh)
		if err != nil {
			lastErr = err
			failed[fh.Filename] = err.Error()
			// the job row exists but could not be queued
			if j != nil {
				created = append(created, toDTO(j))
			}
			continue
		}
		created = append(created, toDTO(j))
	}

	if len(created) == 0 {
		writeError(w, h.log(), lastErr)
		return
	}
	resp := map[string]any{"jobs": created}
	if len(failed) > 0 {
		resp["errors"] = failed
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *JobHandler) createOne(ctx context.Context, in conversion.NewJob, fh *multipart.FileHeader) (*conversion.Job, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, errors.Wrapf(err, "open upload %s", fh.Filename)
	}
	defer f.Close()

	in.FileName = fh.Filename
	in.Body = f
	return h.Svc.Create(ctx, in)
}

func jobOptions(r *http.Request) (conversion.NewJob, error) {
	in := conversion.NewJob{
		Mode:         strings.TrimSpace(r.FormValue("compression_mode")),
		DocumentType: strings.TrimSpace(r.FormValue("document_type")),
	}
	var err error
	if in.BnfCompliant, err = formBool(r, "bnf_compliant"); err != nil {
		return in, err
	}
	if in.ExpertMode, err = formBool(r, "expert_mode"); err != nil {
		return in, err
	}
	if q := strings.TrimSpace(r.FormValue("quality")); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			return in, errors.InvalidInputf("quality must be an integer")
		}
		in.Quality = &n
	}
	return in, nil
}

func formBool(r *http.Request, key string) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(r.FormValue(key)))
	switch v {
	case "":
		return false, nil
	case "on":
		return true, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.InvalidInputf("%s must be a boolean", key)
	}
	return b, nil
}

func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	qs := r.URL.Query()

	page, _ := strconv.Atoi(qs.Get("page"))
	if page < 1 {
		page = 1
	}
	q := conversion.ListQuery{
		UserID:       uid,
		Status:       strings.TrimSpace(qs.Get("status")),
		Mode:         strings.TrimSpace(qs.Get("compression_mode")),
		DocumentType: strings.TrimSpace(qs.Get("document_type")),
		Search:       qs.Get("search"),
		Sort:         qs.Get("sort"),
		Page:         page,
	}

	items, total, err := h.Svc.List(r.Context(), q)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}

	pages := (total + conversion.PageSize - 1) / conversion.PageSize
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     toDTOs(items),
		"total":     total,
		"page":      page,
		"pages":     pages,
		"page_size": conversion.PageSize,
	})
}

func (h *JobHandler) job(w http.ResponseWriter, r *http.Request) (*conversion.Job, bool) {
	uid, _ := auth.UserIDFromContext(r.Context())
	j, err := h.Svc.Get(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return nil, false
	}
	return j, true
}

func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDTO(j))
}

func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	j, ok := h.job(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conversion.NewStatusView(j))
}

func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	j, err := h.Svc.Retry(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDTO(j))
}

func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	if err := h.Svc.Delete(r.Context(), uid, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchReq struct {
	JobIDs []string `json:"job_ids"`
	Action string   `json:"action"`
}

func (h *JobHandler) Batch(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req batchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req.Action = strings.ToLower(strings.TrimSpace(req.Action))

	if req.Action == conversion.BatchDownload {
		h.batchDownload(w, r, uid, req.JobIDs)
		return
	}

	res, err := h.Svc.Batch(r.Context(), uid, req.JobIDs, req.Action)
	if err != nil {
		writeError(w, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
