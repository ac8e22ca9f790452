package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"lendpool/services/poold/idempotency"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxBodyBytes         = 1 << 20
)

// IdempotencyStore persists the first response per actor and key.
type IdempotencyStore interface {
	Lookup(ctx context.Context, actor, key, requestHash string) (*idempotency.StoredResponse, error)
	Save(ctx context.Context, actor, key, requestHash string, status int, body []byte) error
}

type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

// idempotent replays the stored response when a request carries an
// Idempotency-Key that was already served for the same actor and body.
// Requests without the header pass through. Only successful responses are
// stored; a rejected operation changed nothing and may be retried.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" || s.idem == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			s.writeError(w, r, fmt.Errorf("%w: Idempotency-Key longer than 128 bytes", errBadRequest))
			return
		}
		p, _ := principalFrom(r.Context())
		actor := p.Actor.Hex()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: read body: %v", errBadRequest, err))
			return
		}
		if len(body) > maxBodyBytes {
			s.writeError(w, r, fmt.Errorf("%w: body too large", errBadRequest))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := idempotency.HashRequest(r.Method, r.URL.Path, body)

		cached, err := s.idem.Lookup(r.Context(), actor, key, hash)
		if err != nil {
			if !errors.Is(err, idempotency.ErrMismatch) {
				err = fmt.Errorf("idempotency lookup: %w", err)
			}
			s.writeError(w, r, err)
			return
		}
		if cached != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(headerReplayed, "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		buf := &bufferedResponse{header: w.Header()}
		next.ServeHTTP(buf, r)
		if buf.status == 0 {
			buf.status = http.StatusOK
		}
		if buf.status < http.StatusMultipleChoices {
			if err := s.idem.Save(r.Context(), actor, key, hash, buf.status, buf.body.Bytes()); err != nil {
				s.logger.Warn("idempotency save failed", "requestId", requestID(r.Context()), "error", err)
			}
		}
		w.WriteHeader(buf.status)
		_, _ = w.Write(buf.body.Bytes())
	})
}
