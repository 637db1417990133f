package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAnalyzer 返回 {"text": chunk}，可注入延迟和失败
type fakeAnalyzer struct {
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	jitter    time.Duration
	failOn    func(text string) bool
}

func (f *fakeAnalyzer) AnalyzeChunk(ctx context.Context, text string) (json.RawMessage, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if f.jitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(f.jitter))))
	}
	if f.failOn != nil && f.failOn(text) {
		return nil, errors.New("model unavailable")
	}

	data, _ := json.Marshal(map[string]string{"text": text})
	return data, nil
}

// fakeReducer 返回 {"merged": [...]}，保留输入顺序
type fakeReducer struct {
	calls     atomic.Int32
	mu        sync.Mutex
	batchLens []int
	jitter    time.Duration
	fail      bool
}

func (f *fakeReducer) Merge(ctx context.Context, results []json.RawMessage) (json.RawMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.batchLens = append(f.batchLens, len(results))
	f.mu.Unlock()

	if f.jitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(f.jitter))))
	}
	if f.fail {
		return nil, errors.New("merge failed")
	}

	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = string(r)
	}
	return json.RawMessage(`{"merged":[` + strings.Join(parts, ",") + `]}`), nil
}

// memoryStore 内存版分块缓存
type memoryStore struct {
	mu      sync.Mutex
	data    map[string]json.RawMessage
	gets    int
	deleted int
	broken  bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]json.RawMessage)}
}

func storeKey(jobID string, index int) string {
	return fmt.Sprintf("%s:%d", jobID, index)
}

func (s *memoryStore) Get(ctx context.Context, jobID string, index int) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.broken {
		return nil, false, errors.New("connection refused")
	}
	v, ok := s.data[storeKey(jobID, index)]
	return v, ok, nil
}

func (s *memoryStore) Set(ctx context.Context, jobID string, index int, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("connection refused")
	}
	s.data[storeKey(jobID, index)] = result
	return nil
}

func (s *memoryStore) DeleteAll(ctx context.Context, jobID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return errors.New("connection refused")
	}
	for i := 0; i < count; i++ {
		delete(s.data, storeKey(jobID, i))
	}
	s.deleted += count
	return nil
}

func (s *memoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func chunkJSON(text string) json.RawMessage {
	data, _ := json.Marshal(map[string]string{"text": text})
	return data
}

func TestOrchestrator_SingleChunk(t *testing.T) {
	a, r, s := &fakeAnalyzer{}, &fakeReducer{}, newMemoryStore()
	o := NewOrchestrator(a, r, s, Options{ChunkSize: 10, MergeBatchSize: 10, Concurrency: 3})

	for _, text := range []string{"", "short", strings.Repeat("x", 10)} {
		result, err := o.Analyze(context.Background(), text, "job-1")
		require.NoError(t, err)
		assert.JSONEq(t, string(chunkJSON(text)), string(result))
	}

	assert.Equal(t, int32(3), a.calls.Load())
	assert.Equal(t, int32(0), r.calls.Load())
	assert.Equal(t, 0, s.gets, "single chunk bypasses the cache")
}

func TestOrchestrator_MultiChunk(t *testing.T) {
	a, r, s := &fakeAnalyzer{}, &fakeReducer{}, newMemoryStore()
	o := NewOrchestrator(a, r, s, Options{ChunkSize: 10, MergeBatchSize: 10, Concurrency: 3})

	text := strings.Repeat("a", 10) + strings.Repeat("b", 10) + strings.Repeat("c", 5)
	result, err := o.Analyze(context.Background(), text, "job-1")
	require.NoError(t, err)

	want := fmt.Sprintf(`{"merged":[%s,%s,%s]}`,
		chunkJSON(strings.Repeat("a", 10)), chunkJSON(strings.Repeat("b", 10)), chunkJSON("ccccc"))
	assert.JSONEq(t, want, string(result))

	assert.Equal(t, int32(3), a.calls.Load())
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, 0, s.len(), "chunk cache is cleared after merge")
	assert.Equal(t, 3, s.deleted)
}

func TestOrchestrator_CacheHitsSkipAnalyzer(t *testing.T) {
	a, r, s := &fakeAnalyzer{}, &fakeReducer{}, newMemoryStore()
	o := NewOrchestrator(a, r, s, Options{ChunkSize: 4, MergeBatchSize: 10, Concurrency: 3})

	text := "aaaabbbbccccdddd"
	cachedB := json.RawMessage(`{"text":"cached-b"}`)
	require.NoError(t, s.Set(context.Background(), "job-1", 1, cachedB))
	require.NoError(t, s.Set(context.Background(), "job-1", 3, chunkJSON("dddd")))

	result, err := o.Analyze(context.Background(), text, "job-1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), a.calls.Load(), "4 chunks minus 2 cache hits")
	assert.Contains(t, string(result), "cached-b")
	assert.Equal(t, 0, s.len())
}

func TestOrchestrator_OrderIndependentOfCompletion(t *testing.T) {
	text := ""
	for i := 0; i < 23; i++ {
		text += fmt.Sprintf("%03d", i)
	}

	var first string
	for run := 0; run < 3; run++ {
		a := &fakeAnalyzer{jitter: 3 * time.Millisecond}
		r := &fakeReducer{jitter: 2 * time.Millisecond}
		o := NewOrchestrator(a, r, newMemoryStore(), Options{ChunkSize: 3, MergeBatchSize: 4, Concurrency: 3})

		result, err := o.Analyze(context.Background(), text, fmt.Sprintf("job-%d", run))
		require.NoError(t, err)

		if run == 0 {
			first = string(result)
			continue
		}
		assert.Equal(t, first, string(result))
	}

	// 第一个分块一定在结果的最前面
	assert.Less(t, strings.Index(first, `"000"`), strings.Index(first, `"001"`))
	assert.Less(t, strings.Index(first, `"021"`), strings.Index(first, `"022"`))
}

func TestOrchestrator_ConcurrencyCap(t *testing.T) {
	a := &fakeAnalyzer{jitter: 5 * time.Millisecond}
	o := NewOrchestrator(a, &fakeReducer{}, nil, Options{ChunkSize: 1, MergeBatchSize: 10, Concurrency: 3})

	_, err := o.Analyze(context.Background(), strings.Repeat("z", 20), "job-1")
	require.NoError(t, err)

	assert.Equal(t, int32(20), a.calls.Load())
	assert.LessOrEqual(t, a.maxActive.Load(), int32(3))
}

func TestOrchestrator_ChunkFailureKeepsCache(t *testing.T) {
	a := &fakeAnalyzer{failOn: func(text string) bool { return text == "cccc" }}
	r, s := &fakeReducer{}, newMemoryStore()
	o := NewOrchestrator(a, r, s, Options{ChunkSize: 4, MergeBatchSize: 10, Concurrency: 1})

	_, err := o.Analyze(context.Background(), "aaaabbbbccccdddd", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 2")

	assert.Equal(t, int32(0), r.calls.Load())
	// 串行执行时前两个分块已缓存，失败后的分块不再发起
	assert.Equal(t, 2, s.len())
	assert.Equal(t, int32(3), a.calls.Load())

	// 重试时命中缓存
	a.failOn = nil
	_, err = o.Analyze(context.Background(), "aaaabbbbccccdddd", "job-1")
	require.NoError(t, err)
	assert.Equal(t, int32(5), a.calls.Load())
	assert.Equal(t, 0, s.len())
}

func TestOrchestrator_MergeFailure(t *testing.T) {
	a, r, s := &fakeAnalyzer{}, &fakeReducer{fail: true}, newMemoryStore()
	o := NewOrchestrator(a, r, s, Options{ChunkSize: 4, MergeBatchSize: 10, Concurrency: 3})

	_, err := o.Analyze(context.Background(), "aaaabbbb", "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merge failed")
	assert.Equal(t, 0, s.len(), "cache is cleared once reduction has run")
}

func TestOrchestrator_CacheUnavailable(t *testing.T) {
	a, r := &fakeAnalyzer{}, &fakeReducer{}
	s := newMemoryStore()
	s.broken = true
	o := NewOrchestrator(a, r, s, Options{ChunkSize: 4, MergeBatchSize: 10, Concurrency: 3})

	result, err := o.Analyze(context.Background(), "aaaabbbbcc", "job-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result)
	assert.Equal(t, int32(3), a.calls.Load())
}

func TestOrchestrator_ReduceRounds(t *testing.T) {
	tests := []struct {
		n         int
		batchSize int
		rounds    int
	}{
		{n: 1, batchSize: 10, rounds: 0},
		{n: 2, batchSize: 10, rounds: 1},
		{n: 10, batchSize: 10, rounds: 1},
		{n: 11, batchSize: 10, rounds: 2},
		{n: 100, batchSize: 10, rounds: 2},
		{n: 101, batchSize: 10, rounds: 3},
		{n: 9, batchSize: 2, rounds: 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,b=%d", tt.n, tt.batchSize), func(t *testing.T) {
			r := &fakeReducer{}
			o := NewOrchestrator(&fakeAnalyzer{}, r, nil, Options{MergeBatchSize: tt.batchSize, Concurrency: 3})

			results := make([]json.RawMessage, tt.n)
			for i := range results {
				results[i] = chunkJSON(fmt.Sprint(i))
			}

			result, rounds, err := o.reduce(context.Background(), results)
			require.NoError(t, err)
			assert.NotEmpty(t, result)
			assert.Equal(t, tt.rounds, rounds)

			assert.Equal(t, ceilLog(tt.n, tt.batchSize), rounds)

			for _, l := range r.batchLens {
				assert.LessOrEqual(t, l, tt.batchSize)
				assert.Greater(t, l, 1, "single-item batches never reach the reducer")
			}
		})
	}
}

func TestOrchestrator_ReduceEmpty(t *testing.T) {
	r := &fakeReducer{}
	o := NewOrchestrator(&fakeAnalyzer{}, r, nil, Options{})

	result, rounds, err := o.reduce(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result)
	assert.Equal(t, 0, rounds)
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestNewOrchestrator_Defaults(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, Options{MergeBatchSize: 1})

	assert.Equal(t, DefaultChunkSize, o.opts.ChunkSize)
	assert.Equal(t, DefaultMergeBatchSize, o.opts.MergeBatchSize)
	assert.Equal(t, DefaultConcurrency, o.opts.Concurrency)
}

func TestSplitChunks(t *testing.T) {
	assert.Nil(t, SplitChunks("", 5))
	assert.Equal(t, []string{"abc"}, SplitChunks("abc", 5))
	assert.Equal(t, []string{"ab", "cd", "e"}, SplitChunks("abcde", 2))

	// 按字符而不是字节切分
	chunks := SplitChunks("你好世界！", 2)
	assert.Equal(t, []string{"你好", "世界", "！"}, chunks)
	assert.Equal(t, "你好世界！", strings.Join(chunks, ""))
}

// ceilLog 最小的 k 使 base^k >= n
func ceilLog(n, base int) int {
	k, p := 0, 1
	for p < n {
		p *= base
		k++
	}
	return k
}
