package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// defaultCandidateStream is where the external signal generator appends
	// scored candidates.
	defaultCandidateStream = "perpbot:candidates"

	// candidateStreamMaxLen bounds the stream via XADD MAXLEN ~.
	candidateStreamMaxLen int64 = 10000

	// defaultCandidateMaxAge drops candidates the engine was too slow to
	// consume. A stale signal is worse than no signal.
	defaultCandidateMaxAge = 5 * time.Minute
)

// wireCandidate is the stream payload format for one candidate.
type wireCandidate struct {
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Score     float64   `json:"score"`
	Regime    string    `json:"regime,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SignalSource implements domain.SignalSource over a Redis stream. An
// external generator appends candidates with Publish (or raw XADD with a
// "payload" field); each Candidates call drains entries appended since the
// previous call. Entries older than maxAge are discarded unread.
type SignalSource struct {
	rdb    *redis.Client
	stream string
	maxAge time.Duration

	mu     sync.Mutex
	lastID string
}

// NewSignalSource creates a SignalSource reading from the given stream.
// Empty stream and non-positive maxAge fall back to defaults.
func NewSignalSource(c *Client, stream string, maxAge time.Duration) *SignalSource {
	if stream == "" {
		stream = defaultCandidateStream
	}
	if maxAge <= 0 {
		maxAge = defaultCandidateMaxAge
	}
	return &SignalSource{
		rdb:    c.Underlying(),
		stream: stream,
		maxAge: maxAge,
		lastID: "0-0",
	}
}

// Publish appends one candidate to the stream. Used by the generator side
// and by tests; the engine itself only reads.
func (s *SignalSource) Publish(ctx context.Context, c domain.Candidate) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	payload, err := json.Marshal(wireCandidate{
		Symbol:    c.Symbol,
		Side:      string(c.Side),
		Score:     c.Score,
		Regime:    c.Regime,
		CreatedAt: created,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal candidate: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: candidateStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: candidate append %s: %w", s.stream, err)
	}
	return nil
}

// Candidates drains candidates appended since the previous call. It returns
// an empty slice (not an error) when the stream has nothing new.
func (s *SignalSource) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   512,
		Block:   -1, // never block; an empty read means no candidates this cycle
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: candidate read %s: %w", s.stream, err)
	}

	cutoff := time.Now().Add(-s.maxAge)
	var out []domain.Candidate
	for _, stream := range results {
		for _, msg := range stream.Messages {
			s.lastID = msg.ID
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}
			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}
			var wc wireCandidate
			if err := json.Unmarshal(data, &wc); err != nil {
				continue
			}
			if wc.Symbol == "" || wc.CreatedAt.Before(cutoff) {
				continue
			}
			side := domain.PositionSide(strings.ToLower(wc.Side))
			if side != domain.PositionSideLong && side != domain.PositionSideShort {
				continue
			}
			out = append(out, domain.Candidate{
				Symbol:    wc.Symbol,
				Side:      side,
				Score:     wc.Score,
				Regime:    wc.Regime,
				CreatedAt: wc.CreatedAt,
			})
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.SignalSource = (*SignalSource)(nil)
