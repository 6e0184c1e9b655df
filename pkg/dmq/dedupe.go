package dmq

import (
	"context"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DedupStore remembers the ids of successfully handled messages for a
// retention window, so redelivered messages are acknowledged without invoking
// the domain handler again. Transport delivery is at-least-once; this gives
// the business logic at-most-once effective delivery inside the window.
type DedupStore interface {
	// Processed reports whether id has a live processed record.
	Processed(ctx context.Context, id string) (bool, error)

	// MarkProcessed records id with the store's retention TTL. Called only
	// after the domain handler succeeded.
	MarkProcessed(ctx context.Context, id string) error

	Close() error
}

// memoryDedupStore keeps records in-process. State is private to a consumer
// instance and lost on restart - replicas of the same consumer should use the
// Redis store instead.
type memoryDedupStore struct {
	records   cmap.ConcurrentMap
	retention time.Duration
	done      chan struct{}
}

// NewMemoryDedupStore creates an in-process store with a janitor goroutine
// evicting expired records. Retention defaults to 24 hours when zero.
func NewMemoryDedupStore(retention time.Duration) DedupStore {

	if retention <= 0 {
		retention = 24 * time.Hour
	}

	store := &memoryDedupStore{
		records:   cmap.New(),
		retention: retention,
		done:      make(chan struct{}),
	}

	go store.janitor()

	return store
}

func (s *memoryDedupStore) Processed(_ context.Context, id string) (bool, error) {

	value, ok := s.records.Get(id)
	if !ok {
		return false, nil
	}

	expiry, ok := value.(time.Time)
	if !ok || time.Now().After(expiry) {
		s.records.Remove(id)
		return false, nil
	}

	return true, nil
}

func (s *memoryDedupStore) MarkProcessed(_ context.Context, id string) error {
	s.records.Set(id, time.Now().Add(s.retention))
	return nil
}

func (s *memoryDedupStore) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

func (s *memoryDedupStore) janitor() {

	sweepInterval := s.retention / 10
	if sweepInterval > time.Minute {
		sweepInterval = time.Minute
	}
	if sweepInterval < time.Millisecond {
		sweepInterval = time.Millisecond
	}

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for tuple := range s.records.IterBuffered() {
				if expiry, ok := tuple.Val.(time.Time); !ok || now.After(expiry) {
					s.records.Remove(tuple.Key)
				}
			}
		}
	}
}

// redisDedupStore shares processed-message state across consumer replicas
// through a TTL-capable key-value store.
type redisDedupStore struct {
	lg        *zap.Logger
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisDedupStore connects to Redis and returns a shared store. Keys are
// namespaced per consumer identity so unrelated consumers of the same event
// keep independent dedup state.
func NewRedisDedupStore(lg *zap.Logger, config *DedupConfig, consumerName string) (DedupStore, error) {

	if lg == nil {
		lg = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr: config.RedisAddr,
		DB:   config.RedisDB,
	})

	connectTimeout := time.Duration(config.ConnectTimeout) * time.Second
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	lg.Info("connected to redis for message deduplication",
		zap.String("addr", config.RedisAddr),
		zap.Int("db", config.RedisDB),
		zap.String("consumer", consumerName))

	return &redisDedupStore{
		lg:        lg,
		client:    client,
		keyPrefix: "dedup:" + consumerName + ":",
		retention: config.Retention(),
	}, nil
}

func (s *redisDedupStore) Processed(ctx context.Context, id string) (bool, error) {

	count, err := s.client.Exists(ctx, s.keyPrefix+id).Result()
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

func (s *redisDedupStore) MarkProcessed(ctx context.Context, id string) error {
	return s.client.Set(ctx, s.keyPrefix+id, "1", s.retention).Err()
}

func (s *redisDedupStore) Close() error {
	return s.client.Close()
}

// NewDedupStore picks the store implementation from config: Redis when an
// address is configured, in-process otherwise.
func NewDedupStore(lg *zap.Logger, config *DedupConfig, consumerName string) (DedupStore, error) {

	if config != nil && config.RedisAddr != "" {
		return NewRedisDedupStore(lg, config, consumerName)
	}

	return NewMemoryDedupStore(config.Retention()), nil
}
