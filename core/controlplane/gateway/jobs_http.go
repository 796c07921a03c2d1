package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/opal-compute/gateway/core/controlplane/admission"
)

// createJobRequest is the submission envelope. job may be an object or a
// JSON-encoded string; when absent the whole body is the job description.
type createJobRequest struct {
	Token string          `json:"token"`
	Job   json.RawMessage `json:"job"`
}

// tokenRequest is the optional body of state-changing calls that do not
// otherwise take input.
type tokenRequest struct {
	Token string `json:"token"`
}

type cancelResponse struct {
	Status       string         `json:"status"`
	CancelledJob *admission.Job `json:"cancelledJob"`
}

type resultsResponse struct {
	Status string `json:"status"`
	*admission.Result
}

func (s *server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	token, job := splitCreateJob(body)
	sub, err := s.pipeline.CreateJob(r.Context(), callerFrom(r, token), job)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.pipeline.ListJobs(r.Context(), callerFrom(r, ""))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.GetJob(r.Context(), callerFrom(r, ""), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	token, err := readToken(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.pipeline.CancelJob(r.Context(), callerFrom(r, token), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Status: "OK", CancelledJob: job})
}

func (s *server) handleJobResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.GetJobResults(r.Context(), callerFrom(r, ""), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resultsResponse{Status: "OK", Result: res})
}

func (s *server) handleArchiveJob(w http.ResponseWriter, r *http.Request) {
	token, err := readToken(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.pipeline.ArchiveJob(r.Context(), callerFrom(r, token), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleListIllegalAccess(w http.ResponseWriter, r *http.Request) {
	s.listAccess(w, r, s.pipeline.ListIllegalAccess)
}

func (s *server) handleListAccessLog(w http.ResponseWriter, r *http.Request) {
	s.listAccess(w, r, s.pipeline.ListAccessLog)
}

func (s *server) listAccess(w http.ResponseWriter, r *http.Request, list func(context.Context, admission.Caller, int64) ([]admission.AccessEntry, error)) {
	limit := int64(0)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	entries, err := list(r.Context(), callerFrom(r, ""), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, badRequest("request body too large or unreadable")
	}
	return bytes.TrimSpace(body), nil
}

// readToken extracts the optional body token. An empty body is not an error.
func readToken(w http.ResponseWriter, r *http.Request) (string, error) {
	body, err := readBody(w, r)
	if err != nil || len(body) == 0 {
		return "", err
	}
	var req tokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", badRequest("invalid json")
	}
	return req.Token, nil
}

// splitCreateJob separates the caller token from the job description.
// Undecodable bodies are passed through so the validator reports them.
func splitCreateJob(body []byte) (string, []byte) {
	var req createJobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", body
	}
	job := bytes.TrimSpace(req.Job)
	if len(job) == 0 || bytes.Equal(job, []byte("null")) {
		return req.Token, body
	}
	if job[0] == '"' {
		var encoded string
		if err := json.Unmarshal(job, &encoded); err == nil {
			return req.Token, []byte(encoded)
		}
	}
	return req.Token, job
}
