package httpserver

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/identity"
	"github.com/tierd/tierd/internal/ledger"
	"github.com/tierd/tierd/internal/voting"
)

const maxRequestBody = 1 << 20 // 1 MiB

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// errorResponse keeps the vote fields so clients can render zero counts
// without special casing failures.
type errorResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Upvotes    int64  `json:"upvotes"`
	Downvotes  int64  `json:"downvotes"`
	VoteType   *int   `json:"voteType"`
	Score      int64  `json:"score"`
}

// optionalVote tells an explicit null apart from a missing field.
type optionalVote struct {
	Set   bool
	Value *int
}

func (o *optionalVote) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		o.Value = nil
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	o.Value = &v
	return nil
}

type voteRequest struct {
	ProductID string       `json:"productId"`
	VoteType  optionalVote `json:"voteType"`
	ClientID  string       `json:"clientId"`
	UserID    string       `json:"userId"`
}

type voteStatusResponse struct {
	Success   bool  `json:"success"`
	HasVoted  bool  `json:"hasVoted"`
	VoteType  *int  `json:"voteType"`
	Upvotes   int64 `json:"upvotes"`
	Downvotes int64 `json:"downvotes"`
	Score     int64 `json:"score"`
}

type voteResponse struct {
	Success   bool   `json:"success"`
	VoteType  *int   `json:"voteType"`
	Upvotes   int64  `json:"upvotes"`
	Downvotes int64  `json:"downvotes"`
	Score     int64  `json:"score"`
	Message   string `json:"message"`
	Offline   bool   `json:"offline,omitempty"`
}

type voteHistoryResponse struct {
	Success   bool               `json:"success"`
	ProductID string             `json:"productId"`
	Events    []domain.VoteEvent `json:"events"`
}

func (s *Server) handleGetVote(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("productId")

	st, err := s.deps.Votes.Status(r.Context(), productID, identity.FromRequest(r, "", ""))
	if err != nil {
		s.respondVoteError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, voteStatusResponse{
		Success:   true,
		HasVoted:  st.HasVoted(),
		VoteType:  voteTypeOf(st.Vote),
		Upvotes:   st.Aggregate.Upvotes,
		Downvotes: st.Aggregate.Downvotes,
		Score:     st.Aggregate.Score(),
	})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	if !req.VoteType.Set {
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "voteType is required (1, -1 or null)")
		return
	}

	var vote *domain.VoteValue
	if req.VoteType.Value != nil {
		v, err := domain.ParseVoteValue(*req.VoteType.Value)
		if err != nil {
			s.respondVoteError(w, err)
			return
		}
		vote = &v
	}

	out, err := s.deps.Votes.Cast(r.Context(), voting.CastRequest{
		ProductID: req.ProductID,
		Vote:      vote,
		Sources:   identity.FromRequest(r, req.UserID, req.ClientID),
	})
	if err != nil {
		s.respondVoteError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, voteResponse{
		Success:   true,
		VoteType:  voteTypeOf(out.Vote),
		Upvotes:   out.Aggregate.Upvotes,
		Downvotes: out.Aggregate.Downvotes,
		Score:     out.Aggregate.Score(),
		Message:   out.Message,
		Offline:   out.Offline,
	})
}

func (s *Server) handleVoteHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, err := parseHistoryLimit(query)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	events, err := s.deps.Votes.History(r.Context(), query.Get("productId"), limit)
	if err != nil {
		s.respondVoteError(w, err)
		return
	}
	if events == nil {
		events = []domain.VoteEvent{}
	}
	s.respondJSON(w, http.StatusOK, voteHistoryResponse{
		Success:   true,
		ProductID: strings.TrimSpace(query.Get("productId")),
		Events:    events,
	})
}

func parseHistoryLimit(query url.Values) (int, error) {
	val := strings.TrimSpace(query.Get("limit"))
	if val == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(val)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit value")
	}
	return min(limit, maxHistoryLimit), nil
}

// respondVoteError maps use case errors onto the stable error body.
func (s *Server) respondVoteError(w http.ResponseWriter, err error) {
	var limited *voting.LimitedError
	switch {
	case errors.As(err, &limited):
		s.respondRateLimited(w, limited.RetryAfter)
	case errors.Is(err, domain.ErrInvalidVote):
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "voteType must be 1, -1 or null")
	case errors.Is(err, domain.ErrMissingProduct):
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "productId is required")
	case errors.Is(err, voting.ErrIdentityRequired), errors.Is(err, domain.ErrMissingIdentity):
		s.respondError(w, http.StatusBadRequest, "IDENTITY_REQUIRED", "clientId is required")
	case ledger.IsValidation(err):
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid vote request")
	default:
		s.logger.Error("vote request failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process vote")
	}
}

func (s *Server) respondRateLimited(w http.ResponseWriter, retry time.Duration) {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	s.respondJSON(w, http.StatusTooManyRequests, errorResponse{
		Error:      "Too many requests",
		Code:       "RATE_LIMITED",
		RetryAfter: secs,
	})
}

func voteTypeOf(v *domain.VoteValue) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	return &n
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{
		Error: message,
		Code:  code,
	})
}

func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(err, &syntaxError):
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Malformed JSON payload")
	case errors.As(err, &typeError):
		field := typeError.Field
		if field == "" {
			field = "voteType"
		}
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("Invalid value for field %s", field))
	case errors.As(err, &maxBytesError):
		s.respondError(w, http.StatusRequestEntityTooLarge, "VALIDATION_ERROR", "Request body too large")
	case errors.Is(err, io.EOF):
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Request body cannot be empty")
	default:
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unable to parse request body")
	}
}

func (s *Server) verifyBearer(header string) bool {
	if s.cfg.MaintenanceToken == "" {
		return true
	}
	if header == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.MaintenanceToken)) == 1
}
