package capture

import (
	"context"

	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
)

// Provider is the uniform transcription contract: given audio, produce
// zero or more spans. Failures and empty results are first-class outcomes.
type Provider interface {
	Kind() policy.Provider
	Ready() bool
	Transcribe(ctx context.Context, c Chunk) ([]Span, error)
	Close() error
}

// RecognizerFunc adapts a function to the transcription call.
type RecognizerFunc func(ctx context.Context, c Chunk) ([]Span, error)

// FuncProvider wraps an on-device recognizer handle behind the Provider
// contract. Used for the streaming engine binding and in tests.
type FuncProvider struct {
	ProviderKind policy.Provider
	Fn           RecognizerFunc
	Unready      bool
	CloseFn      func() error
}

func (p *FuncProvider) Kind() policy.Provider { return p.ProviderKind }

func (p *FuncProvider) Ready() bool {
	return !p.Unready && (p.Fn != nil || p.ProviderKind == policy.ProviderManual)
}

func (p *FuncProvider) Transcribe(ctx context.Context, c Chunk) ([]Span, error) {
	if p.Fn == nil {
		return nil, nil
	}
	return p.Fn(ctx, c)
}

func (p *FuncProvider) Close() error {
	if p.CloseFn != nil {
		return p.CloseFn()
	}
	return nil
}

// NewManualProvider returns the no-op provider: chunks are logged only and
// transcript text is expected through explicit operator entry.
func NewManualProvider() *FuncProvider {
	return &FuncProvider{ProviderKind: policy.ProviderManual}
}
