// Package filestore is the local JSON vote ledger used while the primary
// database is unreachable.
//
// The document shape is read by maintenance tooling, so its four top-level
// keys are fixed: votes, voteCounts, lastUpdated and userVotes.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/ledger"
	"github.com/tierd/tierd/internal/logging"
)

// Name identifies the file ledger in logs and maintenance responses.
const Name = "fallback"

var requiredKeys = []string{"votes", "voteCounts", "lastUpdated", "userVotes"}

// ErrInvalidDocument is returned when a written file fails validation.
var ErrInvalidDocument = errors.New("filestore: invalid document")

// Document is the on-disk layout.
type Document struct {
	Votes       map[string]domain.VoteValue `json:"votes"`
	VoteCounts  map[string]domain.Aggregate `json:"voteCounts"`
	LastUpdated time.Time                   `json:"lastUpdated"`
	UserVotes   []domain.VoteEvent          `json:"userVotes"`
}

func emptyDocument(now time.Time) Document {
	return Document{
		Votes:       map[string]domain.VoteValue{},
		VoteCounts:  map[string]domain.Aggregate{},
		LastUpdated: now.UTC(),
		UserVotes:   []domain.VoteEvent{},
	}
}

// normalize replaces nil collections so they encode as {} and [] rather
// than null.
func (d *Document) normalize() {
	if d.Votes == nil {
		d.Votes = map[string]domain.VoteValue{}
	}
	if d.VoteCounts == nil {
		d.VoteCounts = map[string]domain.Aggregate{}
	}
	if d.UserVotes == nil {
		d.UserVotes = []domain.VoteEvent{}
	}
}

// Options configures a Store.
type Options struct {
	Logger *zap.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Store is a ledger.Store backed by a single JSON file. One mutex serialises
// read-modify-write within the process; separate processes writing the same
// file can still lose updates.
type Store struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	ready bool
}

// New returns a store for path. The file is created lazily on first use.
func New(path string, opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		path:   path,
		logger: logging.OrNop(opts.Logger).Named("filestore"),
		now:    now,
	}
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Name implements ledger.Store.
func (s *Store) Name() string { return Name }

// Read returns the current document, creating it when absent.
func (s *Store) Read() (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// ReadOnly decodes the document at path without creating, repairing or
// locking it. A corrupt file yields ErrInvalidDocument and is left as is.
func ReadOnly(path string) (Document, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return decode(payload)
}

// Write replaces the document.
func (s *Store) Write(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensure(); err != nil {
		return err
	}
	return s.save(doc)
}

// CastVote implements ledger.Store. Counters are adjusted incrementally; the
// votes map stays the ground truth for reconciliation.
func (s *Store) CastVote(_ context.Context, productID string, voter domain.Identity, requested *domain.VoteValue) (domain.CastResult, error) {
	if err := ledger.Validate(productID, voter, requested); err != nil {
		return domain.CastResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return domain.CastResult{}, err
	}

	key := domain.VoteKey(productID, voter.Key())
	var existing *domain.VoteValue
	if v, ok := doc.Votes[key]; ok {
		existing = v.Ptr()
	}

	next, action := domain.Transition(existing, requested)
	agg := doc.VoteCounts[productID]
	if action == domain.ActionUnchanged {
		return domain.CastResult{ProductID: productID, Aggregate: agg, Vote: next, Action: action, Store: Name}, nil
	}

	if next == nil {
		delete(doc.Votes, key)
	} else {
		doc.Votes[key] = *next
	}
	agg = agg.Apply(existing, next)
	doc.VoteCounts[productID] = agg

	now := s.now().UTC()
	doc.UserVotes = append(doc.UserVotes, domain.VoteEvent{
		ProductID: productID,
		Voter:     voter.Key(),
		ClientID:  voter.ClientID,
		Value:     next,
		Timestamp: now,
	})
	doc.LastUpdated = now

	if err := s.save(doc); err != nil {
		return domain.CastResult{}, err
	}
	return domain.CastResult{ProductID: productID, Aggregate: agg, Vote: next, Action: action, Store: Name}, nil
}

// CurrentVote implements ledger.Store.
func (s *Store) CurrentVote(_ context.Context, productID string, voter domain.Identity) (*domain.VoteValue, error) {
	if voter.IsZero() {
		return nil, nil
	}
	doc, err := s.Read()
	if err != nil {
		return nil, err
	}
	if v, ok := doc.Votes[domain.VoteKey(productID, voter.Key())]; ok {
		return v.Ptr(), nil
	}
	if voter.UserID != "" {
		return nil, nil
	}
	return voteByClient(doc, productID, voter.ClientID), nil
}

// voteByClient finds a live vote whose latest event came from clientID. Only
// the newest event per voter counts, so a user who moved to another client
// no longer matches the old one.
func voteByClient(doc Document, productID, clientID string) *domain.VoteValue {
	seen := make(map[string]struct{})
	for i := len(doc.UserVotes) - 1; i >= 0; i-- {
		event := doc.UserVotes[i]
		if event.ProductID != productID {
			continue
		}
		if _, ok := seen[event.Voter]; ok {
			continue
		}
		seen[event.Voter] = struct{}{}
		if event.ClientID != clientID {
			continue
		}
		if v, ok := doc.Votes[domain.VoteKey(productID, event.Voter)]; ok {
			return v.Ptr()
		}
	}
	return nil
}

// Counts implements ledger.Store.
func (s *Store) Counts(_ context.Context, productID string) (domain.Aggregate, error) {
	doc, err := s.Read()
	if err != nil {
		return domain.Aggregate{}, err
	}
	return doc.VoteCounts[productID], nil
}

// Snapshot implements ledger.Store.
func (s *Store) Snapshot(_ context.Context) (map[string]domain.Aggregate, error) {
	doc, err := s.Read()
	if err != nil {
		return nil, err
	}
	return doc.VoteCounts, nil
}

// RecentEvents implements ledger.Store.
func (s *Store) RecentEvents(_ context.Context, productID string, limit int) ([]domain.VoteEvent, error) {
	doc, err := s.Read()
	if err != nil {
		return nil, err
	}
	var events []domain.VoteEvent
	for i := len(doc.UserVotes) - 1; i >= 0 && len(events) < limit; i-- {
		if doc.UserVotes[i].ProductID == productID {
			events = append(events, doc.UserVotes[i])
		}
	}
	return events, nil
}

// ListProducts implements reconcile.Target. A product is known when it has a
// counter entry or at least one vote.
func (s *Store) ListProducts(_ context.Context) ([]string, error) {
	doc, err := s.Read()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(doc.VoteCounts))
	for id := range doc.VoteCounts {
		seen[id] = struct{}{}
	}
	for key := range doc.Votes {
		if id, _, ok := domain.SplitVoteKey(key); ok {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// StoredAggregate implements reconcile.Target.
func (s *Store) StoredAggregate(_ context.Context, productID string) (domain.Aggregate, error) {
	doc, err := s.Read()
	if err != nil {
		return domain.Aggregate{}, err
	}
	if !known(doc, productID) {
		return domain.Aggregate{}, fmt.Errorf("filestore: %w", domain.ErrUnknownProduct)
	}
	return doc.VoteCounts[productID], nil
}

// RecountAggregate implements reconcile.Target by counting the votes map.
func (s *Store) RecountAggregate(_ context.Context, productID string) (domain.Aggregate, error) {
	doc, err := s.Read()
	if err != nil {
		return domain.Aggregate{}, err
	}
	return recount(doc, productID), nil
}

// RepairAggregate implements reconcile.Target. The recount and the write
// happen under the same lock.
func (s *Store) RepairAggregate(_ context.Context, productID string) (domain.Aggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return domain.Aggregate{}, err
	}
	if !known(doc, productID) {
		return domain.Aggregate{}, fmt.Errorf("filestore: %w", domain.ErrUnknownProduct)
	}
	agg := recount(doc, productID)
	doc.VoteCounts[productID] = agg
	doc.LastUpdated = s.now().UTC()
	if err := s.save(doc); err != nil {
		return domain.Aggregate{}, err
	}
	return agg, nil
}

// SetStoredAggregate overwrites counters without recounting.
func (s *Store) SetStoredAggregate(_ context.Context, productID string, agg domain.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.VoteCounts[productID] = agg
	doc.LastUpdated = s.now().UTC()
	return s.save(doc)
}

func known(doc Document, productID string) bool {
	if _, ok := doc.VoteCounts[productID]; ok {
		return true
	}
	prefix := productID + ":"
	for key := range doc.Votes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func recount(doc Document, productID string) domain.Aggregate {
	var agg domain.Aggregate
	for key, v := range doc.Votes {
		id, _, ok := domain.SplitVoteKey(key)
		if !ok || id != productID {
			continue
		}
		switch v {
		case domain.Up:
			agg.Upvotes++
		case domain.Down:
			agg.Downvotes++
		}
	}
	return agg
}

// ensure creates the parent directory and an empty document if the file is
// missing. Callers hold s.mu.
func (s *Store) ensure() error {
	if s.ready {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if _, err := os.Stat(s.path); errors.Is(err, fs.ErrNotExist) {
		if err := s.save(emptyDocument(s.now())); err != nil {
			return fmt.Errorf("initialise %s: %w", s.path, err)
		}
		s.logger.Info("initialised vote file", zap.String("path", s.path))
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	s.ready = true
	return nil
}

// load reads the document. A corrupt file is replaced by an empty one.
// Callers hold s.mu.
func (s *Store) load() (Document, error) {
	if err := s.ensure(); err != nil {
		return Document{}, err
	}
	payload, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Removed behind our back; recreate it.
		s.ready = false
		if err := s.ensure(); err != nil {
			return Document{}, err
		}
		payload, err = os.ReadFile(s.path)
	}
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", s.path, err)
	}

	doc, err := decode(payload)
	if err != nil {
		s.logger.Error("vote file is corrupt, reinitialising",
			zap.String("path", s.path),
			zap.Error(err))
		doc = emptyDocument(s.now())
		if err := s.save(doc); err != nil {
			return Document{}, fmt.Errorf("reinitialise %s: %w", s.path, err)
		}
	}
	return doc, nil
}

// save writes to a temp file in the same directory, validates it and renames
// it over the document. The temp file never outlives a failed save.
func (s *Store) save(doc Document) (err error) {
	doc.normalize()
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := temp.Name()
	defer func() {
		if err != nil {
			os.Remove(tempPath)
		}
	}()

	if _, err := temp.Write(payload); err != nil {
		temp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tempPath)
	if err != nil {
		return fmt.Errorf("verify temp file: %w", err)
	}
	if _, err := decode(written); err != nil {
		return err
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// decode parses payload and checks that every required key is present.
func decode(payload []byte) (Document, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(payload, &keys); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	for _, k := range requiredKeys {
		raw, ok := keys[k]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return Document{}, fmt.Errorf("%w: missing %q", ErrInvalidDocument, k)
		}
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	doc.normalize()
	return doc, nil
}
