// Package httpapi exposes the job controller over HTTP/JSON. Responses carry
// _links whose presence tells a client what it may do next.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jobd-dev/jobd/internal/events"
	"github.com/jobd-dev/jobd/internal/lifecycle"
	"github.com/jobd-dev/jobd/internal/model"
	"github.com/jobd-dev/jobd/internal/specs"
)

const apiRoot = "/api/v1"

type Server struct {
	Jobs   *lifecycle.Controller
	Specs  specs.Repository
	Events *events.Broker
	Guest  string
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)

	r.Get("/", s.handleRoot)
	r.Route(apiRoot, func(r chi.Router) {
		r.Get("/", s.handleRoot)
		r.Get("/users/current", s.handleCurrentUser)

		r.Get("/specs", s.handleListSpecs)
		r.Get("/specs/{id}", s.handleGetSpec)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/events", s.handleJobEvents)
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDeleteJob)
			r.Post("/abort", s.handleAbort)
			r.Get("/stdout", s.handleStdout)
			r.Get("/stderr", s.handleStderr)
			r.Get("/stdout/updates", s.handleOutputUpdates(events.KindStdout))
			r.Get("/stderr/updates", s.handleOutputUpdates(events.KindStderr))
			r.Get("/spec", s.handleJobSpec)
			r.Get("/inputs", s.handleJobInputs)
			r.Get("/outputs", s.handleListOutputs)
			r.Get("/outputs/{outputId}", s.handleGetOutput)
		})
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

type link struct {
	Href string `json:"href"`
}

type links map[string]link

func jobHref(id string, parts ...string) string {
	h := apiRoot + "/jobs/" + id
	for _, p := range parts {
		h += "/" + p
	}
	return h
}

func (s Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"_links": links{
			"v1":           {Href: apiRoot},
			"specs":        {Href: apiRoot + "/specs"},
			"jobs":         {Href: apiRoot + "/jobs"},
			"current-user": {Href: apiRoot + "/users/current"},
		},
	})
}

func (s Server) handleCurrentUser(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"id": s.Guest, "name": s.Guest})
}

type specSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Links       links  `json:"_links"`
}

func (s Server) handleListSpecs(w http.ResponseWriter, r *http.Request) {
	list, err := s.Specs.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	entries := make([]specSummary, 0, len(list))
	for _, spec := range list {
		entries = append(entries, specSummary{
			ID:          spec.ID,
			Name:        spec.Name,
			Description: spec.Description,
			Links:       links{"details": {Href: apiRoot + "/specs/" + spec.ID}},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s Server) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	spec, err := s.Specs.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

type jobSummary struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Owner        string            `json:"owner"`
	Spec         string            `json:"spec"`
	LatestStatus model.Status      `json:"latestStatus"`
	Timestamps   []model.Timestamp `json:"timestamps"`
	Links        links             `json:"_links"`
}

func summary(v model.View) jobSummary {
	id := v.Job.ID
	l := links{
		"self":   {Href: jobHref(id)},
		"spec":   {Href: jobHref(id, "spec")},
		"inputs": {Href: jobHref(id, "inputs")},
	}
	if v.HasStdout() {
		l["stdout"] = link{Href: jobHref(id, "stdout")}
	}
	if v.HasStderr() {
		l["stderr"] = link{Href: jobHref(id, "stderr")}
	}
	if v.HasOutputs() {
		l["outputs"] = link{Href: jobHref(id, "outputs")}
	}
	if v.CanAbort() {
		l["abort"] = link{Href: jobHref(id, "abort")}
		l["stdout-updates"] = link{Href: jobHref(id, "stdout", "updates")}
		l["stderr-updates"] = link{Href: jobHref(id, "stderr", "updates")}
	}
	return jobSummary{
		ID:           id,
		Name:         v.Job.Name,
		Owner:        v.Job.Owner,
		Spec:         v.Job.Spec,
		LatestStatus: v.Job.LatestStatus(),
		Timestamps:   v.Job.Timestamps,
		Links:        l,
	}
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page")
	if err != nil {
		writeErr(w, err)
		return
	}
	pageSize, err := intParam(r, "page-size")
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx := r.Context()
	result, err := s.Jobs.List(ctx, page, pageSize)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries := make([]jobSummary, 0, len(result.Items))
	for _, job := range result.Items {
		view, err := s.Jobs.View(ctx, job)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		entries = append(entries, summary(view))
	}

	l := links{}
	pageHref := func(p int) link {
		return link{Href: fmt.Sprintf("%s/jobs?page=%d&page-size=%d", apiRoot, p, result.PageSize)}
	}
	if result.Page > 1 {
		l["previous"] = pageHref(result.Page - 1)
	}
	if result.Page*result.PageSize < result.Total {
		l["next"] = pageHref(result.Page + 1)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":  entries,
		"page":     result.Page,
		"pageSize": result.PageSize,
		"total":    result.Total,
		"_links":   l,
	})
}

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.SubmitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeErrCode(w, http.StatusBadRequest, fmt.Errorf("invalid request: %w", err))
		return
	}
	if req.Spec == "" {
		writeErrCode(w, http.StatusBadRequest, errors.New("spec is required"))
		return
	}
	req.Owner = s.Guest

	ctx := r.Context()
	job, err := s.Jobs.Submit(ctx, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.writeJob(w, r, job)
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.Jobs.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.writeJob(w, r, job)
}

func (s Server) writeJob(w http.ResponseWriter, r *http.Request, job model.Job) {
	view, err := s.Jobs.View(r.Context(), job)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary(view))
}

func (s Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.Jobs.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.Jobs.Abort(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s Server) handleStdout(w http.ResponseWriter, r *http.Request) {
	b, err := s.Jobs.Stdout(r.Context(), chi.URLParam(r, "id"))
	writeText(w, b, err)
}

func (s Server) handleStderr(w http.ResponseWriter, r *http.Request) {
	b, err := s.Jobs.Stderr(r.Context(), chi.URLParam(r, "id"))
	writeText(w, b, err)
}

func (s Server) handleJobSpec(w http.ResponseWriter, r *http.Request) {
	spec, err := s.Jobs.Spec(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s Server) handleJobInputs(w http.ResponseWriter, r *http.Request) {
	inputs, err := s.Jobs.Inputs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inputs)
}

type outputEntry struct {
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Links       links  `json:"_links"`
}

func (s Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	outputs, err := s.Jobs.Outputs(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	spec, err := s.Jobs.Spec(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries := make([]outputEntry, 0, len(outputs))
	for _, out := range outputs {
		e := outputEntry{
			ID:    out.ID,
			Size:  out.Size,
			Links: links{"self": {Href: jobHref(id, "outputs", out.ID)}},
		}
		if exp, ok := expectedOutput(spec, out.ID); ok {
			e.MimeType = exp.MimeType
			e.Name = exp.Name
			e.Description = exp.Description
		}
		entries = append(entries, e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	outputID := chi.URLParam(r, "outputId")
	rc, err := s.Jobs.OpenOutput(ctx, id, outputID)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer func() {
		_ = rc.Close()
	}()

	contentType := "application/octet-stream"
	if spec, err := s.Jobs.Spec(ctx, id); err == nil {
		if exp, ok := expectedOutput(spec, outputID); ok && exp.MimeType != "" {
			contentType = exp.MimeType
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.WarnContext(ctx, "writing output", "job_id", id, "output_id", outputID, "error", err)
	}
}

func expectedOutput(spec model.Spec, id string) (model.ExpectedOutput, bool) {
	for _, out := range spec.ExpectedOutputs {
		if out.ID == id {
			return out, true
		}
	}
	return model.ExpectedOutput{}, false
}

var errBadParam = errors.New("bad parameter")

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q", errBadParam, name, raw)
	}
	return n, nil
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidSpec), errors.Is(err, errBadParam):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeErrCode(w, statusCode(err), err)
}

func writeErrCode(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func writeText(w http.ResponseWriter, b []byte, err error) {
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}
