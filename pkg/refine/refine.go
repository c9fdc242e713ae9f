// Package refine wraps the optional summarization backend. The backend is
// an opaque capability provider; it only ever sees text that has already
// passed the de-identification guard's sanitize pass.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shiftnote-labs/shiftnote/core/pkg/structuring"
)

// ErrUnavailable is returned when the backend is required but unreachable.
var ErrUnavailable = errors.New("refine: backend unavailable")

// Message is one turn of a backend exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the opaque backend contract.
type Client interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// Refiner polishes per-patient conclusions through the backend. In
// required mode, backend unavailability is a hard pipeline failure; in
// optional mode, failures are skipped and the result stands as-is.
type Refiner struct {
	client   Client
	required bool
	retries  int
	log      *slog.Logger
}

// New creates a refiner. A nil client with required=false is a permanent
// no-op.
func New(client Client, required bool, retries int, log *slog.Logger) *Refiner {
	if retries < 0 {
		retries = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Refiner{client: client, required: required, retries: retries, log: log}
}

// Refine rewrites each patient's one-line conclusion. Completions are
// discarded when the session generation has advanced; cancellation is by
// abandonment, not by token.
func (r *Refiner) Refine(ctx context.Context, res *structuring.Result, gen uint64, current func() uint64) error {
	if r.client == nil {
		if r.required {
			return fmt.Errorf("refine: no backend configured: %w", ErrUnavailable)
		}
		return nil
	}

	for i := range res.Patients {
		p := &res.Patients[i]
		polished, err := r.chat(ctx, p.OneLineConclusion)
		if current != nil && current() != gen {
			// Session moved on; abandon the whole refinement.
			return nil
		}
		if err != nil {
			if r.required {
				return fmt.Errorf("refine: %s: %w", p.Alias, errors.Join(ErrUnavailable, err))
			}
			r.log.Warn("refinement skipped", "alias", p.Alias, "error", err)
			continue
		}
		if polished != "" {
			p.OneLineConclusion = polished
		}
	}
	return nil
}

func (r *Refiner) chat(ctx context.Context, text string) (string, error) {
	msgs := []Message{
		{Role: "system", Content: "Rewrite the handover conclusion in one clear sentence. Do not add information."},
		{Role: "user", Content: text},
	}
	var lastErr error
	for i := 0; i <= r.retries; i++ {
		out, err := r.client.Chat(ctx, msgs)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", lastErr
}
