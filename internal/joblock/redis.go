package joblock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Redis leases a job with SET NX PX. A held lease renews its key every third
// of the TTL, so the TTL only bounds how long a crashed holder blocks the job.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: "roster:lock:", ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context, jobID string) (Lease, error) {
	key := r.prefix + jobID
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "acquire redis lock %s", key)
	}
	if !ok {
		return nil, eris.Wrapf(ErrHeld, "job %s", jobID)
	}
	renewCtx, stop := context.WithCancel(context.Background())
	l := &redisLease{client: r.client, key: key, token: token, stop: stop, done: make(chan struct{})}
	go l.renew(renewCtx, r.ttl)
	return l, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	stop   context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *redisLease) renew(ctx context.Context, ttl time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		owned, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
		if err == nil && owned == 0 {
			// Expired and taken by someone else; nothing left to keep alive.
			return
		}
	}
}

// Release stops renewal and deletes the key only if this lease still owns it.
func (l *redisLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		l.stop()
		<-l.done
		if runErr := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); runErr != nil && runErr != redis.Nil {
			err = eris.Wrapf(runErr, "release redis lock %s", l.key)
		}
	})
	return err
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
