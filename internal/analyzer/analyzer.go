package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qs3c/doc_intel_server/internal/pkg/llm"
)

// ChunkAnalyzer 分析单个文本块
type ChunkAnalyzer interface {
	AnalyzeChunk(ctx context.Context, text string) (json.RawMessage, error)
}

// MergeReducer 将多个分析结果合并为一个
type MergeReducer interface {
	Merge(ctx context.Context, results []json.RawMessage) (json.RawMessage, error)
}

const systemInstructions = "You are a document analysis assistant. Respond ONLY in valid JSON."

const analyzePrompt = `Analyze the following text and return a JSON object with exactly these fields:
- "summary": a concise summary of the text
- "keywords": an array of the most important keywords
- "sentiment": one of "positive", "negative" or "neutral"
- "topics": an array of the main topics
- "insights": an array of notable insights or conclusions

Respond ONLY in valid JSON, without markdown or commentary.

Text:
"""
%s
"""`

const mergePrompt = `Below are %d partial analyses of consecutive sections of the same document, in order.
Combine them into ONE JSON object with the same fields ("summary", "keywords", "sentiment", "topics", "insights").
Write a single coherent summary, remove duplicate keywords, topics and insights, and choose the overall sentiment.

Respond ONLY in valid JSON, without markdown or commentary.

%s`

// LLMAnalyzer 基于语言模型的分块分析与合并
type LLMAnalyzer struct {
	completer llm.Completer
}

func NewLLMAnalyzer(completer llm.Completer) *LLMAnalyzer {
	return &LLMAnalyzer{completer: completer}
}

func (a *LLMAnalyzer) AnalyzeChunk(ctx context.Context, text string) (json.RawMessage, error) {
	out, err := a.completer.Complete(ctx, systemInstructions, fmt.Sprintf(analyzePrompt, text))
	if err != nil {
		return nil, fmt.Errorf("analyze chunk: %w", err)
	}

	result, err := llm.ExtractJSON(out)
	if err != nil {
		return nil, fmt.Errorf("analyze chunk: %w", err)
	}
	return result, nil
}

// Merge 合并结果；空列表返回空结果，单个结果原样返回，不调用模型
func (a *LLMAnalyzer) Merge(ctx context.Context, results []json.RawMessage) (json.RawMessage, error) {
	switch len(results) {
	case 0:
		return json.RawMessage{}, nil
	case 1:
		return results[0], nil
	}

	out, err := a.completer.Complete(ctx, systemInstructions, BuildMergePrompt(results))
	if err != nil {
		return nil, fmt.Errorf("merge %d results: %w", len(results), err)
	}

	merged, err := llm.ExtractJSON(out)
	if err != nil {
		return nil, fmt.Errorf("merge %d results: %w", len(results), err)
	}
	return merged, nil
}

// BuildMergePrompt 按 "// Section i" 分隔各段结果
func BuildMergePrompt(results []json.RawMessage) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "// Section %d\n%s", i+1, r)
	}
	return fmt.Sprintf(mergePrompt, len(results), b.String())
}
