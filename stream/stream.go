// Package stream relays a chunked upstream answer to an HTTP client.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/q402/logger"
	"github.com/vitwit/q402/utils"
)

const (
	// TrailerError carries the reason a stream ended early.
	TrailerError = "X-Stream-Error"

	MaxQuestionLength = 10000

	maxRequestBytes = 64 << 10
)

// Request is the body accepted by Handler and forwarded upstream.
type Request struct {
	Question string `json:"question" validate:"required,max=10000"`
	UserID   string `json:"userId,omitempty"`
}

// Source opens an upstream stream for a request.
type Source interface {
	Open(ctx context.Context, req Request) (Reader, error)
}

// Reader yields chunks until it returns io.EOF.
type Reader interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Handler validates the request, opens src and relays it.
func Handler(src Source, log logger.Logger) http.HandlerFunc {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if msg := validateRequest(req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}

		rd, err := src.Open(r.Context(), req)
		if err != nil {
			log.Error("failed to open upstream stream", map[string]any{"error": err.Error()})
			writeError(w, http.StatusInternalServerError, "Failed to process request")
			return
		}
		defer rd.Close()

		if err := Relay(r.Context(), w, rd); err != nil {
			log.Warn("stream relay interrupted", map[string]any{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
		}
	}
}

// Relay writes every chunk of rd to w, flushing after each one. A failure
// after the first byte can no longer change the status, so it is reported
// in the TrailerError trailer and returned.
func Relay(ctx context.Context, w http.ResponseWriter, rd Reader) error {
	h := w.Header()
	h.Set("Trailer", TrailerError)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := rd.Next(ctx)
		if len(chunk) > 0 {
			if _, werr := w.Write(chunk); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			h.Set(TrailerError, headerSafe(err.Error()))
			return err
		}
	}
}

func validateRequest(req Request) string {
	err := utils.Validator().Struct(req)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "max" {
		return "Question exceeds maximum length of 10,000 characters"
	}
	return "Question is required"
}

func headerSafe(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, s)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
