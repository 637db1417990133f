package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize      = 50000
	DefaultMergeBatchSize = 10
	DefaultConcurrency    = 3
)

// ChunkStore 分块结果缓存。读写失败只影响性能，不影响结果
type ChunkStore interface {
	Get(ctx context.Context, jobID string, index int) (json.RawMessage, bool, error)
	Set(ctx context.Context, jobID string, index int, result json.RawMessage) error
	DeleteAll(ctx context.Context, jobID string, count int) error
}

type Options struct {
	ChunkSize      int // 按字符（rune）计
	MergeBatchSize int
	Concurrency    int
}

// Orchestrator 分块 -> 并发分析 -> 分批逐轮合并
type Orchestrator struct {
	analyzer ChunkAnalyzer
	reducer  MergeReducer
	store    ChunkStore
	opts     Options
}

func NewOrchestrator(analyzer ChunkAnalyzer, reducer MergeReducer, store ChunkStore, opts Options) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MergeBatchSize < 2 {
		opts.MergeBatchSize = DefaultMergeBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	return &Orchestrator{
		analyzer: analyzer,
		reducer:  reducer,
		store:    store,
		opts:     opts,
	}
}

// Analyze 分析整段文本。任何分块或合并失败都会使整个任务失败，由调用方决定是否重试
func (o *Orchestrator) Analyze(ctx context.Context, text string, jobID string) (json.RawMessage, error) {
	if utf8.RuneCountInString(text) <= o.opts.ChunkSize {
		return o.analyzer.AnalyzeChunk(ctx, text)
	}

	chunks := SplitChunks(text, o.opts.ChunkSize)
	logger := log.With().Str("job_id", jobID).Int("chunks", len(chunks)).Logger()
	logger.Info().Msg("analyzing chunks")

	// 分块阶段失败时保留缓存，重试可直接复用已完成的分块
	results, err := o.mapChunks(ctx, jobID, chunks)
	if err != nil {
		return nil, err
	}

	defer o.cleanup(context.WithoutCancel(ctx), jobID, len(chunks))

	result, rounds, err := o.reduce(ctx, results)
	if err != nil {
		return nil, err
	}

	logger.Info().Int("rounds", rounds).Msg("chunks merged")
	return result, nil
}

// mapChunks 并发分析所有分块，结果按分块顺序返回
func (o *Orchestrator) mapChunks(ctx context.Context, jobID string, chunks []string) ([]json.RawMessage, error) {
	results := make([]json.RawMessage, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			// 已有分块失败，不再发起新的调用
			if err := gctx.Err(); err != nil {
				return err
			}

			res, err := o.cacheOrCompute(ctx, jobID, i, chunk)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) cacheOrCompute(ctx context.Context, jobID string, index int, chunk string) (json.RawMessage, error) {
	if o.store != nil {
		cached, hit, err := o.store.Get(ctx, jobID, index)
		if err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Int("chunk", index).Msg("chunk cache unavailable, recomputing")
		} else if hit {
			log.Debug().Str("job_id", jobID).Int("chunk", index).Msg("chunk cache hit")
			return cached, nil
		}
	}

	res, err := o.analyzer.AnalyzeChunk(ctx, chunk)
	if err != nil {
		return nil, err
	}

	if o.store != nil {
		if err := o.store.Set(ctx, jobID, index, res); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Int("chunk", index).Msg("failed to cache chunk result")
		}
	}
	return res, nil
}

// reduce 每轮把结果按 MergeBatchSize 分批并发合并，一轮全部完成后再进入下一轮，直到只剩一个
func (o *Orchestrator) reduce(ctx context.Context, results []json.RawMessage) (json.RawMessage, int, error) {
	if len(results) == 0 {
		return json.RawMessage{}, 0, nil
	}

	rounds := 0
	current := results
	for len(current) > 1 {
		batches := splitBatches(current, o.opts.MergeBatchSize)
		next := make([]json.RawMessage, len(batches))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.Concurrency)

		for i, batch := range batches {
			if len(batch) == 1 {
				next[i] = batch[0]
				continue
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				merged, err := o.reducer.Merge(ctx, batch)
				if err != nil {
					return fmt.Errorf("merge round %d batch %d: %w", rounds+1, i, err)
				}
				next[i] = merged
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return nil, rounds, err
		}

		current = next
		rounds++
	}

	return current[0], rounds, nil
}

func (o *Orchestrator) cleanup(ctx context.Context, jobID string, count int) {
	if o.store == nil {
		return
	}
	if err := o.store.DeleteAll(ctx, jobID, count); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to delete chunk cache")
	}
}

// SplitChunks 按字符数切分，最后一块可能更短
func SplitChunks(text string, size int) []string {
	if size <= 0 || text == "" {
		return nil
	}

	runes := []rune(text)
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func splitBatches(items []json.RawMessage, size int) [][]json.RawMessage {
	batches := make([][]json.RawMessage, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
