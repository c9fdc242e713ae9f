package capture

import (
	"context"
)

// batchChunk transcribes one chunk independently and asynchronously.
// Out-of-order completion is tolerated: the sink sorts segments back into
// place. Completions whose generation has advanced are discarded;
// cancellation is by generation, not by token.
func (s *Session) batchChunk(ctx context.Context, c Chunk) {
	gen := s.gen

	if s.cfg.VADThreshold > 0 && c.SpeechRatio < s.cfg.VADThreshold {
		// Skipped chunks are recorded, never silently dropped.
		s.flagOnce("vad", c, "chunk below speech-ratio threshold, transcription skipped")
		return
	}

	spans, err := s.transcribeWithRetry(ctx, c)
	if s.cfg.Generation() != gen {
		// Session has moved on; this result belongs to a dead generation.
		return
	}
	if err != nil {
		s.log.Warn("batch transcription failed", "chunk", c.ID, "error", err)
		s.flagOnce("batch", c, "chunk transcription failed, manual backfill needed")
		return
	}
	if len(spans) == 0 {
		s.flagOnce("batch", c, "chunk produced no transcript, manual backfill needed")
		return
	}
	s.applySpans(c, spans)
}

// transcribeWithRetry makes a small bounded number of attempts, throttled
// by the configured limiter.
func (s *Session) transcribeWithRetry(ctx context.Context, c Chunk) ([]Span, error) {
	attempts := s.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 && s.cfg.RetryRate != nil {
			if err := s.cfg.RetryRate.Wait(ctx); err != nil {
				return nil, err
			}
		}
		spans, err := s.provider.Transcribe(ctx, c)
		if err == nil {
			return spans, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
