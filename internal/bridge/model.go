package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/experthub/experthub/internal/log"
	"github.com/experthub/experthub/internal/memory"
	"github.com/experthub/experthub/internal/task"
)

// modelArtifact is the on-disk model format: a named vocabulary with a
// temperature knob. Generation is deterministic for a given prompt and
// artifact, which is what the tests and the audit trail rely on.
type modelArtifact struct {
	Name        string   `yaml:"name"`
	Vocab       []string `yaml:"vocab"`
	Temperature float64  `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
}

// ModelBridge serves text generation from local model artifacts. Loaded
// artifacts are cached per bridge; the cache is owned here, not shared.
type ModelBridge struct {
	dir          string
	defaultModel string
	logger       *slog.Logger

	mu    sync.Mutex
	cache map[string]*modelArtifact
}

// NewModelBridge serves artifacts out of dir. defaultModel applies when a
// request names no model.
func NewModelBridge(dir, defaultModel string) *ModelBridge {
	return &ModelBridge{
		dir:          dir,
		defaultModel: defaultModel,
		logger:       log.WithComponent("model"),
		cache:        make(map[string]*modelArtifact),
	}
}

// maxGenerateTokens bounds a single generation no matter what the request or
// the artifact asks for. The request value sizes an allocation, so it cannot
// be trusted past this ceiling.
const maxGenerateTokens = 512

type generatePayload struct {
	Model     string `json:"model,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type generateResult struct {
	Model  string `json:"model"`
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

// Invoke generates text for the payload prompt. Generation checks ctx
// between tokens so timeouts cut long generations short.
func (m *ModelBridge) Invoke(ctx context.Context, payload json.RawMessage, mem *memory.Store) task.Outcome {
	var p generatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return task.HandlerErrorf("invalid payload: %v", err)
	}
	if p.Prompt == "" {
		return task.HandlerErrorf("payload missing prompt")
	}

	name := p.Model
	if name == "" {
		name = m.defaultModel
	}
	if name == "" {
		return task.HandlerErrorf("no model named and no default configured")
	}

	art, err := m.load(name)
	if err != nil {
		return task.InfraErrorf("model_load", "%v", err)
	}

	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = art.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = 32
	}
	if maxTokens > maxGenerateTokens {
		maxTokens = maxGenerateTokens
	}

	tokens, err := generate(ctx, art, p.Prompt, maxTokens)
	if err != nil {
		if ctx.Err() != nil {
			return task.Timeout()
		}
		return task.InfraErrorf("internal", "generation failed: %v", err)
	}

	result, _ := json.Marshal(generateResult{
		Model:  art.Name,
		Text:   strings.Join(tokens, " "),
		Tokens: len(tokens),
	})
	return task.Success(result)
}

// load returns the named artifact, reading it from disk on first use.
// Model names are bare identifiers; path traversal is rejected.
func (m *ModelBridge) load(name string) (*modelArtifact, error) {
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, fmt.Errorf("invalid model name %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if art, ok := m.cache[name]; ok {
		return art, nil
	}

	path := filepath.Join(m.dir, name+".model")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model %q not found: %w", name, err)
	}

	var art modelArtifact
	if err := yaml.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("model %q is malformed: %w", name, err)
	}
	if len(art.Vocab) == 0 {
		return nil, fmt.Errorf("model %q has an empty vocabulary", name)
	}
	if art.Name == "" {
		art.Name = name
	}

	m.logger.Info("model loaded", "model", art.Name, "vocab_size", len(art.Vocab))
	m.cache[name] = &art
	return &art, nil
}

// generate walks the vocabulary deterministically. The token stream is a
// keyed hash chain seeded by the prompt, so the same prompt against the same
// artifact always yields the same text.
func generate(ctx context.Context, art *modelArtifact, prompt string, maxTokens int) ([]string, error) {
	seed := blake3.Sum256([]byte(art.Name + "\x00" + prompt))
	state := seed[:]

	tokens := make([]string, 0, maxTokens)
	for i := 0; i < maxTokens; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		next := blake3.Sum256(state)
		state = next[:]

		idx := binary.BigEndian.Uint64(state[:8]) % uint64(len(art.Vocab))
		tokens = append(tokens, art.Vocab[idx])

		// A low byte under the temperature threshold ends the sequence early,
		// so hotter models run longer on average.
		if art.Temperature > 0 && float64(state[8])/255.0 > art.Temperature {
			break
		}
	}
	return tokens, nil
}
