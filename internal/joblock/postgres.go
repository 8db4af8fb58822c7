package joblock

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Postgres uses session-level advisory locks. Each lease pins one pooled
// connection until released.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Acquire(ctx context.Context, jobID string) (Lease, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "acquire connection for advisory lock")
	}
	hi, lo := advisoryKeys(jobID)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1, $2)`, hi, lo).Scan(&ok); err != nil {
		conn.Release()
		return nil, eris.Wrap(err, "pg_try_advisory_lock")
	}
	if !ok {
		conn.Release()
		return nil, eris.Wrapf(ErrHeld, "job %s", jobID)
	}
	return &pgLease{conn: conn, hi: hi, lo: lo}, nil
}

// advisoryKeys maps a job id onto the two-int4 advisory key space. Job ids are
// uuids, so the first 64 bits are used directly; anything else is FNV-hashed.
func advisoryKeys(jobID string) (int32, int32) {
	var b [8]byte
	if id, err := uuid.Parse(jobID); err == nil {
		copy(b[:], id[:8])
	} else {
		h := fnv.New64a()
		_, _ = h.Write([]byte(jobID))
		binary.BigEndian.PutUint64(b[:], h.Sum64())
	}
	return int32(binary.BigEndian.Uint32(b[:4])), int32(binary.BigEndian.Uint32(b[4:]))
}

type pgLease struct {
	conn   *pgxpool.Conn
	hi, lo int32
	once   sync.Once
}

func (l *pgLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		defer l.conn.Release()
		if _, execErr := l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1, $2)`, l.hi, l.lo); execErr != nil {
			// Closing the session drops any advisory lock it still holds.
			_ = l.conn.Conn().Close(context.Background())
			err = eris.Wrap(execErr, "pg_advisory_unlock")
		}
	})
	return err
}
