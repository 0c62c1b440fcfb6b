package conversion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"jp2web/internal/compliance"
	"jp2web/internal/converter"
	"jp2web/internal/errors"
	"jp2web/internal/storage"

	"github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore keeps jobs in memory. Rows are copied in and out, with metrics
// passed through JSON the way the jsonb column does.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	updates int
}

func newMemStore() *memStore { return &memStore{jobs: map[string]*Job{}} }

func cloneJob(j *Job) *Job {
	c := *j
	c.OutputFiles = append(pq.StringArray{}, j.OutputFiles...)
	c.Metrics = Metrics{}
	if j.Metrics != nil {
		b, err := json.Marshal(j.Metrics)
		if err != nil {
			panic(err)
		}
		if err := json.Unmarshal(b, &c.Metrics); err != nil {
			panic(err)
		}
	}
	return &c
}

func (s *memStore) put(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	s.jobs[j.ID] = cloneJob(j)
}

func (s *memStore) job(t *testing.T, id string) *Job {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (s *memStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFoundf("job %s not found", id)
	}
	return cloneJob(j), nil
}

func (s *memStore) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return nil, errors.NotFoundf("job %s not found", id)
	}
	j := cloneJob(cur)
	if err := fn(j); err != nil {
		return nil, err
	}
	j.UpdatedAt = time.Now()
	s.jobs[id] = cloneJob(j)
	s.updates++
	return cloneJob(j), nil
}

func (s *memStore) Create(_ context.Context, j *Job) error {
	s.put(j)
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memStore) ForUser(ctx context.Context, userID uint64, id string) (*Job, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, errors.NotFoundf("job %s not found", id)
	}
	return j, nil
}

func (s *memStore) List(_ context.Context, q ListQuery) ([]Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.UserID == q.UserID && (q.Status == "" || j.Status == q.Status) {
			out = append(out, *cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, int64(len(out)), nil
}

func (s *memStore) Stats(_ context.Context, userID uint64) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ByStatus: map[string]int64{}}
	for _, j := range s.jobs {
		if j.UserID == userID {
			st.ByStatus[j.Status]++
			st.Total++
		}
	}
	return st, nil
}

func (s *memStore) StalePending(_ context.Context, before time.Time) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Status == StatusPending && j.CreatedAt.Before(before) {
			out = append(out, *cloneJob(j))
		}
	}
	return out, nil
}

func (s *memStore) IDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type memQueue struct {
	mu         sync.Mutex
	next       uint64
	enqueued   []string
	cancelled  []string
	superseded []string
	err        error

	// active, when set, holds jobs with a PENDING or RUNNING task;
	// Enqueue conflicts on them the way the partial unique index does.
	active map[string]bool
}

func (q *memQueue) Enqueue(_ context.Context, _ string, jobID string, _ time.Time) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	if q.active != nil {
		if q.active[jobID] {
			return 0, errors.Mark(errors.Newf("task already queued for job %s", jobID), errors.ErrConflict)
		}
		q.active[jobID] = true
	}
	q.next++
	q.enqueued = append(q.enqueued, jobID)
	return q.next, nil
}

func (q *memQueue) CancelPending(_ context.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

func (q *memQueue) CancelActive(_ context.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.superseded = append(q.superseded, jobID)
	if q.active != nil {
		delete(q.active, jobID)
	}
	return nil
}

// scriptedConverter builds configurations with a real adapter but returns
// canned results from Convert.
type scriptedConverter struct {
	*converter.Adapter
	mu      sync.Mutex
	calls   int
	configs []*converter.Config
	convert func(cfg *converter.Config, input string, progress converter.ProgressFunc) *converter.Result
}

func (c *scriptedConverter) Convert(_ context.Context, cfg *converter.Config, input string, progress converter.ProgressFunc) *converter.Result {
	c.mu.Lock()
	c.calls++
	c.configs = append(c.configs, cfg)
	c.mu.Unlock()
	return c.convert(cfg, input, progress)
}

func nop() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func mockAdapter() *converter.Adapter {
	return converter.NewAdapter(&converter.MockLibrary{}, converter.WithAdapterLogger(nop()))
}

type fixture struct {
	store     *memStore
	queue     *memQueue
	layout    storage.Layout
	processor *Processor
	service   *Service
}

func newFixture(t *testing.T, conv Converter) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		queue:  &memQueue{},
		layout: storage.Layout{Root: t.TempDir()},
	}
	if conv == nil {
		conv = mockAdapter()
	}
	f.processor = &Processor{
		Store:     f.store,
		Layout:    f.layout,
		Converter: conv,
		Validator: compliance.New(compliance.WithLogger(nop())),
		Retry:     RetryPolicy{MaxRetries: 2, Base: time.Millisecond},
		Log:       nop(),
	}
	f.service = &Service{Repo: f.store, Queue: f.queue, Layout: f.layout, Log: nop()}
	return f
}

// addJob stores a pending job whose input holds content. A nil content
// leaves the input missing.
func (f *fixture) addJob(t *testing.T, id string, content []byte, mutate func(*Job)) *Job {
	t.Helper()
	j := &Job{
		ID:              id,
		UserID:          1,
		InputReference:  storage.InputRel(id, "scan.tif"),
		InputName:       "scan.tif",
		CompressionMode: ModeSupervised,
		DocumentType:    string(compliance.Photograph),
		Quality:         DefaultQuality,
		Status:          StatusPending,
		Metrics:         Metrics{},
	}
	if mutate != nil {
		mutate(j)
	}
	if content != nil {
		abs, err := f.layout.Abs(j.InputReference)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, content, 0o644))
	}
	f.store.put(j)
	return j
}
