package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/kv"
)

// OptimizationStore holds learned prompts keyed by task type.
type OptimizationStore interface {
	Get(ctx context.Context, taskType string) (string, bool, error)
	Put(ctx context.Context, taskType, prompt string) error
}

const optimizationPrefix = "optimization/"

type optimizationRecord struct {
	Prompt    string    `json:"prompt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// KVOptimizationStore persists learned prompts in a kv.Backend shared with
// the rest of the service.
type KVOptimizationStore struct {
	backend kv.Backend
}

// NewKVOptimizationStore creates a store over backend.
func NewKVOptimizationStore(backend kv.Backend) *KVOptimizationStore {
	return &KVOptimizationStore{backend: backend}
}

// Get returns the prompt for taskType, if any.
func (s *KVOptimizationStore) Get(ctx context.Context, taskType string) (string, bool, error) {
	raw, err := s.backend.Get(ctx, optimizationPrefix+taskType)
	if errors.Is(err, kv.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var rec optimizationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", false, fmt.Errorf("decode optimized prompt: %w", err)
	}
	return rec.Prompt, rec.Prompt != "", nil
}

// Put replaces the prompt for taskType.
func (s *KVOptimizationStore) Put(ctx context.Context, taskType, prompt string) error {
	data, err := json.Marshal(optimizationRecord{Prompt: prompt, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.backend.Put(ctx, optimizationPrefix+taskType, data)
}

// optimizedHeading matches the three heading forms models use for the
// section: "## OPTIMIZED_PROMPT", "**OPTIMIZED_PROMPT**" and
// "OPTIMIZED_PROMPT:". Text after the heading on the same line is kept.
var optimizedHeading = regexp.MustCompile(`^\s*(?:#{1,6}\s*OPTIMIZED_PROMPT\s*:?|\*\*OPTIMIZED_PROMPT:?\*\*\s*:?|OPTIMIZED_PROMPT\s*:)\s*(.*)$`)

var markdownHeading = regexp.MustCompile(`^\s*#{1,6}\s`)

// ExtractOptimizedPrompt pulls the OPTIMIZED_PROMPT section out of text. The
// section ends at the next markdown heading or the end of text.
func ExtractOptimizedPrompt(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	start := -1
	var body []string
	for i, line := range lines {
		if m := optimizedHeading.FindStringSubmatch(line); m != nil {
			start = i
			if inline := strings.TrimSpace(m[1]); inline != "" {
				body = append(body, inline)
			}
			break
		}
	}
	if start < 0 {
		return "", false
	}
	for _, line := range lines[start+1:] {
		if markdownHeading.MatchString(line) {
			break
		}
		body = append(body, line)
	}

	prompt := strings.TrimSpace(strings.Join(body, "\n"))
	prompt = stripFence(prompt)
	return prompt, prompt != ""
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	s = strings.TrimSuffix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	return strings.TrimSpace(s)
}
