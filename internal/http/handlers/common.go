package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/http/middleware"
	"github.com/gbassaragh/APEX-sub002/internal/service"
)

var (
	errInvalidPayload      = errors.New("invalid payload")
	errIdempotencyConflict = errors.New("idempotency key reused with a different payload")
)

type Dependencies struct {
	Jobs      *service.JobsService
	Manager   *service.JobManager
	Estimates *service.EstimateCoordinator
	Logger    logrus.FieldLogger
	// StaleThreshold is the operator default; zero means callers must pass one.
	StaleThreshold time.Duration
	// Ready reports downstream health for /healthz. Nil means always ready.
	Ready func(r *http.Request) error
}

type API struct {
	jobs           *service.JobsService
	manager        *service.JobManager
	estimates      *service.EstimateCoordinator
	logger         logrus.FieldLogger
	staleThreshold time.Duration
	ready          func(r *http.Request) error
	idempotency    *idempotencyStore
}

func NewAPI(deps Dependencies) *API {
	return &API{
		jobs:           deps.Jobs,
		manager:        deps.Manager,
		estimates:      deps.Estimates,
		logger:         deps.Logger,
		staleThreshold: deps.StaleThreshold,
		ready:          deps.Ready,
		idempotency:    newIdempotencyStore(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeServiceError maps domain errors onto status codes. Anything unmapped
// is logged and reported as a generic internal error.
func (api *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrInvalidState):
		writeError(w, r, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	default:
		api.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetRequestID(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		}).Error(fallback)
		writeError(w, r, http.StatusInternalServerError, "internal_error", fallback)
	}
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

type idempotencyEntry struct {
	PayloadHash uint64
	JobID       string
	CreatedAt   time.Time
	// done is closed once the owning request either records a job or
	// releases the key.
	done chan struct{}
}

// idempotencyStore remembers submissions by Idempotency-Key for the life of
// the process.
type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*idempotencyEntry
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		entries: make(map[string]*idempotencyEntry),
	}
}

// Reserve claims key for the caller. When it returns owned the caller must
// end the reservation with Complete or Release. Otherwise the returned entry
// is the job an earlier request recorded; a request still in flight with the
// same key is waited for.
func (s *idempotencyStore) Reserve(ctx context.Context, key string, payloadHash uint64) (entry idempotencyEntry, owned bool, err error) {
	for {
		s.mu.Lock()
		current, ok := s.entries[key]
		if !ok {
			s.entries[key] = &idempotencyEntry{PayloadHash: payloadHash, done: make(chan struct{})}
			s.mu.Unlock()
			return idempotencyEntry{}, true, nil
		}
		if current.PayloadHash != payloadHash {
			s.mu.Unlock()
			return idempotencyEntry{}, false, errIdempotencyConflict
		}
		if current.JobID != "" {
			found := *current
			s.mu.Unlock()
			return found, false, nil
		}
		done := current.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return idempotencyEntry{}, false, ctx.Err()
		}
	}
}

func (s *idempotencyStore) Complete(key, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.JobID != "" {
		return
	}
	entry.JobID = jobID
	entry.CreatedAt = time.Now().UTC()
	close(entry.done)
}

// Release forgets a reservation whose submission failed so a retry can
// claim the key.
func (s *idempotencyStore) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok || entry.JobID != "" {
		return
	}
	delete(s.entries, key)
	close(entry.done)
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
