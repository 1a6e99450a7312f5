// Package redis persists service status records so that other supervisors
// and operators can read them without reaching this process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/tend/internal/status"
)

// DefaultStatusTTL bounds how long a record survives a silent supervisor.
const DefaultStatusTTL = 5 * time.Minute

// ErrNotFound is returned by Get for a missing or expired record.
var ErrNotFound = errors.New("status record not found")

// Store handles the status records in Redis
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a status store. A ttl <= 0 uses DefaultStatusTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &Store{client: client, ttl: ttl}
}

func recordID(svc status.Service) string {
	return RecordID(svc.ServiceGroup, svc.MemberID)
}

// Save stores one record.
func (s *Store) Save(ctx context.Context, svc status.Service) error {
	return s.SaveMany(ctx, []status.Service{svc})
}

// SaveMany stores several records in one pipeline.
func (s *Store) SaveMany(ctx context.Context, services []status.Service) error {
	if len(services) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, svc := range services {
		data, err := json.Marshal(svc)
		if err != nil {
			return fmt.Errorf("failed to marshal status of %s: %w", svc.Service, err)
		}
		id := recordID(svc)
		pipe.Set(ctx, StatusKey(id), data, s.ttl)
		pipe.SAdd(ctx, KeyAllStatuses, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save statuses: %w", err)
	}
	return nil
}

// Get retrieves one record by id.
func (s *Store) Get(ctx context.Context, id string) (status.Service, error) {
	data, err := s.client.Get(ctx, StatusKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return status.Service{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return status.Service{}, fmt.Errorf("failed to get status: %w", err)
	}
	var svc status.Service
	if err := json.Unmarshal(data, &svc); err != nil {
		return status.Service{}, fmt.Errorf("failed to unmarshal status %s: %w", id, err)
	}
	return svc, nil
}

// GetAll retrieves every live record, ordered by id. Ids whose record
// expired are dropped from the index set.
func (s *Store) GetAll(ctx context.Context) ([]status.Service, error) {
	ids, err := s.client.SMembers(ctx, KeyAllStatuses).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get status ids: %w", err)
	}
	sort.Strings(ids)

	out := make([]status.Service, 0, len(ids))
	var expired []any
	for _, id := range ids {
		svc, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			// Skip records that couldn't be decoded
			continue
		}
		out = append(out, svc)
	}
	if len(expired) > 0 {
		if err := s.client.SRem(ctx, KeyAllStatuses, expired...).Err(); err != nil {
			return out, fmt.Errorf("failed to prune expired status ids: %w", err)
		}
	}
	return out, nil
}

// Delete removes one record.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, StatusKey(id))
	pipe.SRem(ctx, KeyAllStatuses, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete status %s: %w", id, err)
	}
	return nil
}

// Purge removes every record published by memberID and returns how many
// were deleted.
func (s *Store) Purge(ctx context.Context, memberID string) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, StatusKey("*:"+memberID), 0).Iterator()
	for iter.Next(ctx) {
		id, err := ExtractRecordID(iter.Val())
		if err != nil {
			continue
		}
		if err := s.Delete(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("failed to scan statuses: %w", err)
	}
	return n, nil
}
