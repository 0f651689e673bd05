package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"dgmonitor/internal/apperr"
)

const maxBody = 1 << 20

// Problem represents an RFC7807 problem details response body, with the engine's
// reason and safeguard details as extension members.
type Problem struct {
	Type              string `json:"type"`
	Title             string `json:"title"`
	Status            int    `json:"status"`
	Detail            string `json:"detail,omitempty"`
	Instance          string `json:"instance,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	Count             *int   `json:"count,omitempty"`
	Limit             *int   `json:"limit,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeProblemBody(w, Problem{Title: title, Status: status, Detail: detail, Instance: instance})
}

func writeProblemBody(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", "application/problem+json")
	if p.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfterSeconds))
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps an engine error to its problem response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := Problem{Instance: r.URL.Path, Detail: err.Error(), Reason: apperr.Reason(err)}
	var pe *apperr.PermissionError
	switch {
	case apperr.IsValidation(err):
		p.Status, p.Title = http.StatusBadRequest, "Invalid request"
	case apperr.IsNotFound(err):
		p.Status, p.Title = http.StatusNotFound, "Not found"
	case errors.As(err, &pe):
		p.Status, p.Title = http.StatusForbidden, "Not permitted"
		p.RetryAfterSeconds = pe.RetryAfterSeconds
		if pe.Limit > 0 {
			p.Count, p.Limit = &pe.Count, &pe.Limit
		}
	case apperr.IsTransient(err):
		p.Status, p.Title = http.StatusServiceUnavailable, "Temporarily unavailable"
	case p.Reason == "DISPATCH_FAILED":
		p.Status, p.Title = http.StatusBadGateway, "Notification delivery failed"
	default:
		p.Status, p.Title = http.StatusInternalServerError, "Internal error"
		p.Detail = ""
		s.Log.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
	}
	writeProblemBody(w, p)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeProblemBody(w, Problem{Status: http.StatusBadRequest, Title: "Invalid JSON", Detail: err.Error(), Instance: r.URL.Path, Reason: "INVALID_JSON"})
	return false
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func queryFloat(r *http.Request, key string) (float64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

// queryClasses reads hazardClass as a comma list or repeated parameter.
func queryClasses(r *http.Request) []string {
	var out []string
	for _, v := range r.URL.Query()["hazardClass"] {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
	}
	return out
}
