package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"randomness-lab/internal/bitseq"
	"randomness-lab/internal/source"
	"randomness-lab/internal/task"
	"randomness-lab/internal/validation"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	maxFormBytes       = 64 << 10
	msgTaskNotFound    = "Task not found"
	msgStopRequested   = "Test stop requested"
	analyzeBodyPadding = 4 << 10
)

type errorResponse struct {
	Error string `json:"error"`
}

type startResponse struct {
	TaskID        string `json:"task_id"`
	GeneratorName string `json:"generator_name"`
}

type stopResponse struct {
	Status string `json:"status"`
}

type testEntry struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Spec        validation.Spec `json:"spec,omitzero"`
}

type sourceEntry struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

type sampleResponse struct {
	Generator     string `json:"generator"`
	GeneratorName string `json:"generator_name"`
	UpperBound    int64  `json:"upper_bound"`
	Value         int64  `json:"value"`
}

type analyzeRequest struct {
	Bits    string `json:"bits"`
	Test    string `json:"test"`
	Battery bool   `json:"battery"`
}

type analyzeResponse struct {
	task.Analysis
	Passed bool `json:"passed"`
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	req, err := decodeStartRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := s.tasks.Start(req)
	switch {
	case errors.Is(err, task.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, task.ErrTooManyTasks), errors.Is(err, task.ErrClosed):
		s.setRetryAfter(w, 0)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		zap.S().Errorf("api server: start task: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start task")
		return
	}

	w.Header().Set("Location", baseURLV1+"/tasks/"+status.ID)
	writeJSON(w, http.StatusAccepted, startResponse{TaskID: status.ID, GeneratorName: status.Generator})
}

// decodeStartRequest accepts a JSON body or form fields with the same names.
func decodeStartRequest(w http.ResponseWriter, r *http.Request) (task.Request, error) {
	var req task.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)

	if isJSON(r) {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			return req, fmt.Errorf("invalid JSON body: %w", err)
		}
		return req, nil
	}

	if err := r.ParseForm(); err != nil {
		return req, fmt.Errorf("invalid form: %w", err)
	}
	req.Generator = strings.TrimSpace(r.PostForm.Get("generator"))
	req.TestType = strings.TrimSpace(r.PostForm.Get("test_type"))

	if value := strings.TrimSpace(r.PostForm.Get("upper_bound")); value != "" {
		bound, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid upper_bound %q", value)
		}
		req.UpperBound = bound
	}
	if value := strings.TrimSpace(r.PostForm.Get("samples")); value != "" {
		samples, err := strconv.Atoi(value)
		if err != nil {
			return req, fmt.Errorf("invalid samples %q", value)
		}
		req.Samples = samples
	}
	return req, nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	status, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, msgTaskNotFound)
		return
	}
	setNoStoreHeaders(w)
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Stop(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, msgTaskNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{Status: msgStopRequested})
}

func (s *Server) handleTests(w http.ResponseWriter, _ *http.Request) {
	catalogue := validation.Catalogue()
	out := make([]testEntry, 0, len(catalogue)+1)
	for _, entry := range catalogue {
		out = append(out, testEntry{ID: entry.ID, Description: entry.Description, Spec: entry.Spec})
	}
	out = append(out, testEntry{ID: task.BatteryTestType, Description: "Every test above plus min-entropy estimates"})
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	names := source.Names()
	out := make([]sourceEntry, 0, len(names))
	for _, name := range names {
		display, _ := source.DisplayName(name)
		out = append(out, sourceEntry{Name: name, DisplayName: display})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	display, ok := source.DisplayName(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown generator %q", name))
		return
	}
	if s.sources == nil {
		writeError(w, http.StatusServiceUnavailable, "sources unavailable")
		return
	}

	upperBound, err := strconv.ParseInt(r.URL.Query().Get("upper_bound"), 10, 64)
	if err != nil || upperBound <= 0 {
		writeError(w, http.StatusBadRequest, "upper_bound must be a positive integer")
		return
	}

	src, err := s.sources(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Generator error: %v", err))
		return
	}
	defer func() {
		if err := source.Close(src); err != nil {
			zap.S().Warnf("api server: closing source %s: %v", name, err)
		}
	}()

	value, err := src.Generate(r.Context(), upperBound)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("Generator error: %v", err))
		return
	}

	setNoStoreHeaders(w)
	writeJSON(w, http.StatusOK, sampleResponse{
		Generator:     name,
		GeneratorName: display,
		UpperBound:    upperBound,
		Value:         value,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.maxAnalyzeBits+analyzeBodyPadding))

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("bit string exceeds %d bits", s.maxAnalyzeBits))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	if len(req.Bits) > s.maxAnalyzeBits {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("bit string exceeds %d bits", s.maxAnalyzeBits))
		return
	}
	seq, err := bitseq.Parse(req.Bits)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	testType := req.Test
	if req.Battery {
		testType = task.BatteryTestType
	}
	if !task.ValidTestType(testType) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown test %q", testType))
		return
	}

	analysis, err := task.Analyze(r.Context(), seq, testType)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Analysis: analysis, Passed: analysis.Passed()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	setNoStoreHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "status=ok\nactive_tasks=%d\nready=%t\n", s.tasks.Active(), s.IsReady())
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	setNoStoreHeaders(w)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !s.IsReady() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "ready=false\n")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready=true\n")
}

func handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(openAPISpec); err != nil {
		zap.S().Warnf("api server: failed to write OpenAPI spec: %v", err)
	}
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.S().Warnf("api server: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// setNoStoreHeaders keeps task status and samples out of caches.
func setNoStoreHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
