package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stanstork/stratum-transfer/internal/cache"
	"github.com/stretchr/testify/require"
)

// Job is one recorded enqueue.
type Job struct {
	ID    string
	Name  string
	Args  json.RawMessage
	Delay time.Duration
}

// Decode unmarshals the job arguments into v.
func (j Job) Decode(t testing.TB, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(j.Args, v))
}

// Queue records enqueued jobs instead of running them.
type Queue struct {
	mu   sync.Mutex
	seq  int
	jobs []Job
	Err  error
}

func (q *Queue) Enqueue(ctx context.Context, name string, args any) (string, error) {
	return q.EnqueueAfter(ctx, 0, name, args)
}

func (q *Queue) EnqueueAfter(_ context.Context, delay time.Duration, name string, args any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return "", q.Err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	q.seq++
	id := fmt.Sprintf("job-%d", q.seq)
	q.jobs = append(q.jobs, Job{ID: id, Name: name, Args: raw, Delay: delay})
	return id, nil
}

// Jobs returns recorded jobs, filtered by name when one is given.
func (q *Queue) Jobs(name string) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Job
	for _, j := range q.jobs {
		if name == "" || j.Name == name {
			out = append(out, j)
		}
	}
	return out
}

func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
}

// NewCache returns a RedisCache backed by an in-process miniredis.
func NewCache(t testing.TB) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}
