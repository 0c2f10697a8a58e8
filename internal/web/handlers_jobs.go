package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/idost/parasto-jobs/internal/codec"
	"github.com/idost/parasto-jobs/internal/core"
	"github.com/idost/parasto-jobs/internal/logging"
)

// multipartOverhead covers form fields and boundaries around the file part.
const multipartOverhead = 1 << 20

type createExportRequest struct {
	EntityType string `json:"entityType" validate:"required"`
	Format     string `json:"format" validate:"required"`
}

// handleCreateExport starts an export job and returns it as pending.
func (s *Server) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var req createExportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondEngineError(w, r, err)
		return
	}

	format, err := codec.ParseFormat(req.Format)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}

	job, err := s.jobs.CreateExportJob(r.Context(), core.EntityType(req.EntityType), format)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// handleCreateImport spools a multipart upload and starts an import job.
// The form carries entityType and the file part named "file".
func (s *Server) handleCreateImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Import.MaxFileSize+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			respondEngineError(w, r, fmt.Errorf("%w: limit is %d bytes", core.ErrFileTooLarge, s.cfg.Import.MaxFileSize))
			return
		}
		respondEngineError(w, r, &badRequestError{msg: "invalid request: multipart form: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	entity := strings.TrimSpace(r.FormValue("entityType"))
	if entity == "" {
		respondEngineError(w, r, &badRequestError{msg: "invalid request: entityType is required"})
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondEngineError(w, r, errNoFile)
		return
	}
	defer file.Close()

	job, err := s.jobs.CreateImportJob(r.Context(), core.EntityType(entity), header.Filename, file)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

// handleListJobs returns jobs newest first, filtered by kind, entityType
// and status.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.JobFilter{
		Kind:       core.JobKind(q.Get("kind")),
		EntityType: core.EntityType(q.Get("entityType")),
		Status:     core.JobStatus(q.Get("status")),
		Limit:      parseIntParam(r, "limit", defaultListLimit, maxListLimit),
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		respondEngineError(w, r, &badRequestError{msg: fmt.Sprintf("invalid request: unknown job kind %q", filter.Kind)})
		return
	}
	if filter.Status != "" && !filter.Status.Valid() {
		respondEngineError(w, r, &badRequestError{msg: fmt.Sprintf("invalid request: unknown job status %q", filter.Status)})
		return
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob asks a running import to stop. The response reports
// whether this request placed the cancellation.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	placed, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": placed})
}

// handleJobErrors pages through a job's row errors with offset and limit.
func (s *Server) handleJobErrors(w http.ResponseWriter, r *http.Request) {
	offset := parseIntParam(r, "offset", 0, 0)
	limit := parseIntParam(r, "limit", defaultErrorPage, maxErrorPage)

	rowErrors, err := s.jobs.Errors(r.Context(), chi.URLParam(r, "jobID"), offset, limit)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if rowErrors == nil {
		rowErrors = []core.RowError{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offset": offset,
		"limit":  limit,
		"errors": rowErrors,
	})
}

// handleJobErrorsCSV downloads every row error of a job as CSV.
func (s *Server) handleJobErrorsCSV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "jobID")

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		respondEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", codec.FormatCSV.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+"-errors.csv"))

	enc, err := codec.NewEncoder(codec.FormatCSV, w, []string{"row", "messages"})
	if err != nil {
		respondEngineError(w, r, err)
		return
	}

	// Headers are sent with the first page; later failures can only be logged.
	log := logging.FromContext(ctx)
	for offset := 0; ; offset += maxErrorPage {
		page, err := s.jobs.Errors(ctx, id, offset, maxErrorPage)
		if err != nil {
			log.Error("error export page failed", "job_id", id, "offset", offset, "error", err)
			return
		}
		for _, e := range page {
			if err := enc.WriteRecord([]any{e.Row, strings.Join(e.Messages, "; ")}); err != nil {
				log.Error("error export write failed", "job_id", id, "error", err)
				return
			}
		}
		if len(page) < maxErrorPage {
			break
		}
	}
	if err := enc.Close(); err != nil {
		log.Error("error export flush failed", "job_id", id, "error", err)
	}
}

// handleDownload redirects to the artifact of a completed export. With
// redirect=false the URL is returned as JSON instead.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	url, ok, err := s.jobs.DownloadURL(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	if !ok {
		respondError(w, r, errDownloadUnavailable, http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("redirect") == "false" {
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
