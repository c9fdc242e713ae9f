// Package capture owns chunked audio capture and dispatch to exactly one
// transcription provider per session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
	"github.com/shiftnote-labs/shiftnote/core/pkg/segment"
)

// State is the capture session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

var (
	ErrCaptureDisabled  = errors.New("capture: audio capture is disabled by configuration")
	ErrNoDevice         = errors.New("capture: device has no audio capture support")
	ErrProviderUnready  = errors.New("capture: transcription provider is not ready")
	ErrAlreadyRecording = errors.New("capture: session is already recording")
)

// Chunk is a fixed-length, overlap-bearing unit of captured audio. Each
// chunk declares its own time window.
type Chunk struct {
	ID          string
	StartMs     int64
	EndMs       int64
	PCM         []byte
	SpeechRatio float64
}

// Span is a transcribed piece of a chunk.
type Span struct {
	Text    string `json:"text"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// Device abstracts the audio capture capability.
type Device interface {
	Supported() bool
	// Start begins emitting chunks. The channel closes when capture ends.
	Start(ctx context.Context) (<-chan Chunk, error)
	Stop() error
	Destroy() error
}

// Sink receives the session's transcription output. Segments may arrive in
// any order; the sink keeps them sorted.
type Sink interface {
	AppendSegment(seg segment.RawSegment) error
	AddUncertainty(u segment.ManualUncertainty)
}

// Config tunes a capture session.
type Config struct {
	CaptureEnabled bool
	// VADThreshold skips transcription for chunks whose speech ratio falls
	// below it. Zero disables the gate.
	VADThreshold float64
	// MaxRetries bounds per-chunk transcription retries for the batch
	// provider before the chunk is flagged for manual review.
	MaxRetries int
	// Generation returns the controller's current session generation.
	// Async completions whose captured generation no longer matches are
	// discarded instead of applied.
	Generation func() uint64
	// RetryRate throttles transcription retries. Nil means no throttle.
	RetryRate *rate.Limiter
}

// Session is the capture state machine: idle → recording → stopping → idle.
type Session struct {
	mu       sync.Mutex
	state    State
	cfg      Config
	device   Device
	provider Provider
	sink     Sink
	log      *slog.Logger

	gen     uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	streak  int
	flagged map[string]struct{}
}

// NewSession wires a session to its device, provider, and sink.
func NewSession(cfg Config, device Device, provider Provider, sink Sink, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Generation == nil {
		cfg.Generation = func() uint64 { return 0 }
	}
	return &Session{
		cfg:      cfg,
		device:   device,
		provider: provider,
		sink:     sink,
		log:      log,
		flagged:  make(map[string]struct{}),
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start transitions idle → recording. A rejected start surfaces an error
// and leaves the state unchanged. Checks run in order: policy gate,
// capture flag, device support, provider readiness.
func (s *Session) Start(ctx context.Context, pol policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrAlreadyRecording
	}
	if err := pol.Gate("capture.start"); err != nil {
		return err
	}
	if !s.cfg.CaptureEnabled {
		return ErrCaptureDisabled
	}
	if s.device == nil || !s.device.Supported() {
		return ErrNoDevice
	}
	if s.provider == nil || !s.provider.Ready() {
		return ErrProviderUnready
	}

	runCtx, cancel := context.WithCancel(ctx)
	chunks, err := s.device.Start(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("capture: start device: %w", err)
	}

	s.gen = s.cfg.Generation()
	s.cancel = cancel
	s.streak = 0
	s.state = StateRecording
	s.wg.Add(1)
	go s.run(runCtx, chunks)
	return nil
}

// Stop transitions recording → stopping → idle, tearing down the provider
// first and the capture device second. Calling Stop while idle is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRecording {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	var firstErr error
	if err := s.provider.Close(); err != nil {
		firstErr = err
	}
	if err := s.device.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	return firstErr
}

// Drain blocks until the device's chunk stream is exhausted and every
// in-flight transcription has completed. The session stays recording; a
// replayed file device closes its stream when the file runs out.
func (s *Session) Drain() {
	s.wg.Wait()
}

func (s *Session) run(ctx context.Context, chunks <-chan Chunk) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-chunks:
			if !ok {
				return
			}
			s.dispatch(ctx, c)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, c Chunk) {
	switch s.provider.Kind() {
	case policy.ProviderManual:
		// No automatic transcription; text arrives via operator entry.
		s.log.Debug("chunk captured", "chunk", c.ID, "start_ms", c.StartMs, "end_ms", c.EndMs)
	case policy.ProviderLocalStreaming:
		s.streamChunk(ctx, c)
	default:
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.batchChunk(ctx, c)
		}()
	}
}

// streamChunk feeds the continuous recognizer. Two consecutive provider
// errors inject exactly one manual-review flag asking for backfill.
func (s *Session) streamChunk(ctx context.Context, c Chunk) {
	spans, err := s.provider.Transcribe(ctx, c)
	if err != nil {
		s.mu.Lock()
		s.streak++
		fire := s.streak == 2
		s.mu.Unlock()
		s.log.Warn("streaming transcription failed", "chunk", c.ID, "error", err)
		if fire {
			s.flagOnce("stream", c, "transcription unavailable, manual backfill needed")
		}
		return
	}
	s.mu.Lock()
	s.streak = 0
	s.mu.Unlock()
	s.applySpans(c, spans)
}

func (s *Session) applySpans(c Chunk, spans []Span) {
	if s.cfg.Generation() != s.gen {
		return
	}
	for i, sp := range spans {
		seg := segment.RawSegment{
			SegmentID: fmt.Sprintf("%s-%02d", c.ID, i),
			RawText:   sp.Text,
			StartMs:   sp.StartMs,
			EndMs:     sp.EndMs,
		}
		if err := s.sink.AppendSegment(seg); err != nil {
			s.log.Warn("segment rejected", "segment", seg.SegmentID, "error", err)
		}
	}
}

// flagOnce adds a manual-review uncertainty for the chunk's time range,
// de-duplicated by (prefix, chunkID, startMs, endMs) so retried
// completions cannot create duplicate flags.
func (s *Session) flagOnce(prefix string, c Chunk, reason string) {
	key := fmt.Sprintf("%s:%s:%d:%d", prefix, c.ID, c.StartMs, c.EndMs)
	s.mu.Lock()
	if _, seen := s.flagged[key]; seen {
		s.mu.Unlock()
		return
	}
	s.flagged[key] = struct{}{}
	s.mu.Unlock()

	s.sink.AddUncertainty(segment.ManualUncertainty{
		Kind:    segment.KindManualReview,
		Reason:  reason,
		StartMs: c.StartMs,
		EndMs:   c.EndMs,
	})
}
