package scribe

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/adapters/transcoder"
)

// STTFactoryBuilder turns configuration into a process-wide recognition
// factory. It runs once at engine start.
type STTFactoryBuilder func(ctx context.Context, cfg Config) (stt.Factory, error)

// TranscoderBuilder turns configuration into a process-wide transcoder.
type TranscoderBuilder func(ctx context.Context, cfg Config) (transcoder.Transcoder, error)

type ProviderRegistry struct {
	stt        map[string]STTFactoryBuilder
	transcoder map[string]TranscoderBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt:        make(map[string]STTFactoryBuilder),
		transcoder: make(map[string]TranscoderBuilder),
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTFactoryBuilder) {
	r.stt[normalizeName(name)] = builder
}

func (r *ProviderRegistry) RegisterTranscoder(name string, builder TranscoderBuilder) {
	r.transcoder[normalizeName(name)] = builder
}

func (r *ProviderRegistry) BuildSTT(ctx context.Context, cfg Config) (stt.Factory, error) {
	fn := r.stt[normalizeName(cfg.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s (have %s)", cfg.STT.Provider, strings.Join(keys(r.stt), ", "))
	}
	return fn(ctx, cfg)
}

func (r *ProviderRegistry) BuildTranscoder(ctx context.Context, cfg Config) (transcoder.Transcoder, error) {
	fn := r.transcoder[normalizeName(cfg.Transcoder.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transcoder provider not registered: %s (have %s)", cfg.Transcoder.Provider, strings.Join(keys(r.transcoder), ", "))
	}
	return fn(ctx, cfg)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
