package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/ffgate/internal/jobs"
	"github.com/mattjoyce/ffgate/internal/stats"
	"github.com/mattjoyce/ffgate/internal/sweep"
)

// statusClientClosedRequest is the de facto status for a request the client
// abandoned before the job finished.
const statusClientClosedRequest = 499

// maxMemoryBytes is the part of a multipart body kept in memory; the rest
// spills to temporary files that ParseMultipartForm owns.
const maxMemoryBytes = 8 << 20

var uploadExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		ActiveWorkspaces: s.workspaces.ActiveCount(),
		Sweeper:          "disabled",
		Subscribers:      s.events.Subscribers(),
	}
	if s.sweeper != nil {
		resp.Sweeper = string(s.sweeper.State())
		if _, at := s.sweeper.Last(); !at.IsZero() {
			resp.LastSweep = &at
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleOperations handles GET /api/operations.
func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: jobs.Operations()})
}

// handleOperation returns the handler for a single-file operation. The file
// is read from field, or "file" as a fallback.
func (s *Server) handleOperation(op jobs.Operation, field string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.parseUpload(w, r) {
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		// Reject bad parameters before the upload touches the temp root.
		if err := jobs.Validate(op, r.Form); err != nil {
			s.writeJobError(w, err)
			return
		}

		fh := formFile(r.MultipartForm, field, "file")
		if fh == nil {
			s.writeError(w, http.StatusBadRequest, jobs.CategoryValidation, fmt.Sprintf("file field %q is required", field))
			return
		}

		input, err := s.saveUpload(r, fh)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		defer input.Release()

		res, err := s.jobs.Run(r.Context(), op, input.Path, r.Form)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: res})
	}
}

// fileSource picks an operation's uploads out of the parsed form, in the
// order the operation reads them.
type fileSource func(form *multipart.Form) ([]*multipart.FileHeader, error)

// fileList takes every file under the first of fields that has any.
func fileList(fields ...string) fileSource {
	return func(form *multipart.Form) ([]*multipart.FileHeader, error) {
		for _, f := range fields {
			if files := form.File[f]; len(files) > 0 {
				return files, nil
			}
		}
		return nil, fmt.Errorf("file field %q is required", fields[0])
	}
}

// filePair takes one file for each of two slots, each slot naming its
// fields in preference order.
func filePair(first, second []string) fileSource {
	return func(form *multipart.Form) ([]*multipart.FileHeader, error) {
		a, b := formFile(form, first...), formFile(form, second...)
		if a == nil || b == nil {
			return nil, fmt.Errorf("file fields %q and %q are required", first[0], second[0])
		}
		return []*multipart.FileHeader{a, b}, nil
	}
}

// handleFiles returns the handler for an operation over several uploads.
// Names, count and params are all checked before any upload is saved.
func (s *Server) handleFiles(op jobs.Operation, source fileSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.parseUpload(w, r) {
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		files, err := source(r.MultipartForm)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, jobs.CategoryValidation, err.Error())
			return
		}
		names := make([]string, 0, len(files))
		for _, fh := range files {
			names = append(names, fh.Filename)
		}
		if err := jobs.ValidateInputs(op, names, r.Form); err != nil {
			s.writeJobError(w, err)
			return
		}

		inputs := make([]jobs.Input, 0, len(files))
		defer func() {
			for _, in := range inputs {
				in.Release()
			}
		}()
		for _, fh := range files {
			in, err := s.saveUpload(r, fh)
			if err != nil {
				s.writeJobError(w, err)
				return
			}
			inputs = append(inputs, in)
		}

		res, err := s.jobs.RunInputs(r.Context(), op, inputs, r.Form)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: res})
	}
}

// batchActions maps the batch "action" field to an operation.
var batchActions = map[string]jobs.Operation{
	"compress": jobs.OpGIFCompress,
	"resize":   jobs.OpGIFResize,
}

// handleBatch handles POST /api/gif/batch-process.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if !s.parseUpload(w, r) {
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	action := strings.TrimSpace(r.Form.Get("action"))
	op, ok := batchActions[action]
	if !ok {
		s.writeError(w, http.StatusBadRequest, jobs.CategoryValidation, "action must be one of compress, resize")
		return
	}

	files := r.MultipartForm.File["gifs"]
	if len(files) == 0 {
		files = r.MultipartForm.File["files"]
	}
	if len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, jobs.CategoryValidation, "at least one file is required")
		return
	}
	if limit := s.jobs.MaxBatch(); len(files) > limit {
		s.writeError(w, http.StatusBadRequest, jobs.CategoryValidation, fmt.Sprintf("at most %d files per batch (got %d)", limit, len(files)))
		return
	}
	if err := jobs.Validate(op, r.Form); err != nil {
		s.writeJobError(w, err)
		return
	}

	inputs := make([]jobs.Input, 0, len(files))
	// The service releases each input after its item; this covers early exits.
	defer func() {
		for _, in := range inputs {
			in.Release()
		}
	}()
	for _, fh := range files {
		in, err := s.saveUpload(r, fh)
		if err != nil {
			s.writeJobError(w, err)
			return
		}
		inputs = append(inputs, in)
	}

	res, err := s.jobs.Batch(r.Context(), op, inputs, r.Form)
	if err != nil {
		s.writeJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: res})
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Roots:  make([]RootStats, 0, len(s.config.Roots)),
		Active: s.workspaces.ActiveCount(),
	}
	for _, root := range s.config.Roots {
		st, err := stats.FileTypeStats(root.Dir)
		if err != nil {
			s.logger.Warn("stats failed", "root", root.Name, "error", err)
			s.writeError(w, http.StatusInternalServerError, jobs.CategoryInternal, "failed to read storage statistics")
			return
		}
		resp.Roots = append(resp.Roots, RootStats{Name: root.Name, Stats: st})
		resp.TotalBytes += st.Bytes
	}
	resp.TotalHuman = stats.FormatBytes(resp.TotalBytes)
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: resp})
}

// handleSweep handles POST /api/sweep.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		s.writeError(w, http.StatusServiceUnavailable, jobs.CategoryInternal, "sweeper is disabled")
		return
	}

	reports, err := s.sweeper.RunOnce(r.Context())
	if errors.Is(err, sweep.ErrBusy) {
		s.writeError(w, http.StatusConflict, jobs.CategoryInternal, "a sweep is already running")
		return
	}
	if err != nil {
		s.writeJobError(w, err)
		return
	}

	resp := SweepResponse{Reports: reports}
	for _, rep := range reports {
		resp.Removed += rep.Removed
		resp.FreedBytes += rep.FreedBytes
	}
	resp.FreedHuman = stats.FormatBytes(resp.FreedBytes)
	respondJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: resp})
}

// handleUploads serves published outputs. Directory listings are not served.
func (s *Server) handleUploads(mount string) http.HandlerFunc {
	fileServer := http.StripPrefix(mount, http.FileServer(http.Dir(s.config.UploadsDir)))
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.UploadsDir == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		fileServer.ServeHTTP(w, r)
	}
}

// parseUpload enforces the upload size limit and parses the multipart body.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, jobs.CategoryValidation,
				fmt.Sprintf("upload exceeds %s", stats.FormatBytes(s.config.MaxUploadBytes)))
			return false
		}
		s.writeError(w, http.StatusBadRequest, jobs.CategoryValidation, "request must be multipart/form-data")
		return false
	}
	return true
}

// saveUpload copies an uploaded part into the temp root. The returned
// input's Release removes it and may be called more than once.
func (s *Server) saveUpload(r *http.Request, fh *multipart.FileHeader) (jobs.Input, error) {
	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !uploadExt.MatchString(ext) {
		ext = ""
	}

	path, err := s.workspaces.CreateFile(r.Context(), "upload", ext)
	if err != nil {
		return jobs.Input{}, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := s.workspaces.Release(path); err != nil {
				s.logger.Warn("upload cleanup failed", "path", path, "error", err)
			}
		})
	}

	if err := copyPart(fh, path); err != nil {
		release()
		return jobs.Input{}, fmt.Errorf("store upload %q: %w", fh.Filename, err)
	}
	return jobs.Input{Name: fh.Filename, Path: path, Release: release}, nil
}

func copyPart(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func formFile(form *multipart.Form, fields ...string) *multipart.FileHeader {
	for _, f := range fields {
		if files := form.File[f]; len(files) > 0 {
			return files[0]
		}
	}
	return nil
}

// statusFor maps a job error category to an HTTP status.
func statusFor(c jobs.Category) int {
	switch c {
	case jobs.CategoryValidation:
		return http.StatusBadRequest
	case jobs.CategoryAllocation:
		return http.StatusInsufficientStorage
	case jobs.CategoryStep:
		return http.StatusBadGateway
	case jobs.CategoryCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeJobError writes err as a categorized JSON error. Internal causes are
// logged, not returned.
func (s *Server) writeJobError(w http.ResponseWriter, err error) {
	jobErr := jobs.AsError(err)
	if jobErr.Category == jobs.CategoryInternal {
		s.logger.Error("request failed", "error", err)
	}
	respondJSON(w, statusFor(jobErr.Category), ErrorResponse{Success: false, Error: jobErr})
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, category jobs.Category, message string) {
	respondJSON(w, statusCode, ErrorResponse{Success: false, Error: &jobs.Error{Category: category, Message: message}})
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
