package rbac

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/labdesk/labdesk/internal/observability"
)

// MeUpdatedChannel carries "me updated" signals; the payload is a user id or "*".
const MeUpdatedChannel = "rbac.me.updated"

const allUsers = "*"

// SnapshotStore caches per-user snapshots in-process and keeps every
// instance fresh through Redis pub/sub.
type SnapshotStore struct {
	cache   *expirable.LRU[int64, Me]
	client  *redis.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	backoff time.Duration

	// gen counts evictions; mu orders them against conditional puts.
	mu  sync.Mutex
	gen uint64
}

// NewSnapshotStore builds the store. client may be nil for single-instance setups.
func NewSnapshotStore(client *redis.Client, size int, ttl time.Duration, logger *slog.Logger) *SnapshotStore {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{
		cache:   expirable.NewLRU[int64, Me](size, nil, ttl),
		client:  client,
		logger:  logger,
		backoff: time.Second,
	}
}

// Instrument reports cache hits and misses to m.
func (s *SnapshotStore) Instrument(m *observability.Metrics) {
	if s != nil {
		s.metrics = m
	}
}

// Get returns a cached snapshot.
func (s *SnapshotStore) Get(userID int64) (Me, bool) {
	if s == nil {
		return Me{}, false
	}
	me, ok := s.cache.Get(userID)
	s.metrics.RecordSnapshotLookup(ok)
	return me, ok
}

// Put caches a snapshot.
func (s *SnapshotStore) Put(userID int64, me Me) {
	if s == nil {
		return
	}
	s.cache.Add(userID, me)
}

// Generation returns the eviction counter. Capture it before reading the
// rows a snapshot is built from and hand it to PutIfCurrent.
func (s *SnapshotStore) Generation() uint64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// PutIfCurrent caches me only when no eviction happened since gen was read.
func (s *SnapshotStore) PutIfCurrent(userID int64, me Me, gen uint64) bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return false
	}
	s.cache.Add(userID, me)
	return true
}

// Publish evicts locally and signals other instances. userID 0 means everyone.
func (s *SnapshotStore) Publish(ctx context.Context, userID int64) error {
	if s == nil {
		return nil
	}
	payload := allUsers
	if userID > 0 {
		payload = strconv.FormatInt(userID, 10)
	}
	s.evict(payload)
	if s.client == nil {
		return nil
	}
	return s.client.Publish(ctx, MeUpdatedChannel, payload).Err()
}

// Listen subscribes to update signals until ctx ends, re-subscribing
// whenever the channel closes.
func (s *SnapshotStore) Listen(ctx context.Context) {
	if s == nil || s.client == nil {
		return
	}
	for {
		s.consume(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
			s.logger.Warn("rbac snapshot subscription lost, resubscribing")
		}
	}
}

func (s *SnapshotStore) consume(ctx context.Context) {
	pubsub := s.client.Subscribe(ctx, MeUpdatedChannel)
	defer func() { _ = pubsub.Close() }()
	// a fresh subscription may have missed signals
	s.evict(allUsers)
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.evict(msg.Payload)
		}
	}
}

func (s *SnapshotStore) evict(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if payload == allUsers || payload == "" {
		s.cache.Purge()
		return
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		s.cache.Purge()
		return
	}
	s.cache.Remove(id)
}
