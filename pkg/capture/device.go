package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Chunker slices a PCM stream into fixed-length, overlapping windows.
type Chunker struct {
	ChunkMs   int64
	OverlapMs int64
	// BytesPerMs converts sample positions to milliseconds. 16kHz mono
	// 16-bit PCM is 32 bytes per millisecond.
	BytesPerMs int64
}

// DefaultChunker matches the production capture settings: 30s chunks with
// 800ms overlap at 16kHz mono 16-bit.
func DefaultChunker() Chunker {
	return Chunker{ChunkMs: 30_000, OverlapMs: 800, BytesPerMs: 32}
}

// Split produces the chunk sequence for a complete PCM buffer. Windows
// overlap by OverlapMs; the last window may be shorter.
func (c Chunker) Split(pcm []byte) []Chunk {
	if len(pcm) == 0 || c.BytesPerMs <= 0 || c.ChunkMs <= 0 {
		return nil
	}
	step := (c.ChunkMs - c.OverlapMs) * c.BytesPerMs
	size := c.ChunkMs * c.BytesPerMs
	if step <= 0 {
		step = size
	}

	var chunks []Chunk
	for i, off := 0, int64(0); off < int64(len(pcm)); i, off = i+1, off+step {
		end := off + size
		if end > int64(len(pcm)) {
			end = int64(len(pcm))
		}
		chunks = append(chunks, Chunk{
			ID:          fmt.Sprintf("chunk-%04d", i),
			StartMs:     off / c.BytesPerMs,
			EndMs:       end / c.BytesPerMs,
			PCM:         pcm[off:end],
			SpeechRatio: speechRatio(pcm[off:end]),
		})
		if end == int64(len(pcm)) {
			break
		}
	}
	return chunks
}

// speechRatio is a cheap energy-based voice-activity estimate: the
// fraction of 16-bit samples above a fixed amplitude floor.
func speechRatio(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	const floor = 512
	active := 0
	total := len(pcm) / 2
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		if s < 0 {
			s = -s
		}
		if s > floor {
			active++
		}
	}
	return float64(active) / float64(total)
}

// FileDevice replays a raw PCM file as a capture device. It stands in for
// microphone hardware in the CLI and in integration tests.
type FileDevice struct {
	Path    string
	Chunker Chunker

	mu      sync.Mutex
	running bool
}

func (d *FileDevice) Supported() bool {
	_, err := os.Stat(d.Path)
	return err == nil
}

func (d *FileDevice) Start(ctx context.Context) (<-chan Chunk, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil, fmt.Errorf("capture: device already started")
	}
	pcm, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("capture: read %s: %w", d.Path, err)
	}
	d.running = true

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, c := range d.Chunker.Split(pcm) {
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()
	return out, nil
}

func (d *FileDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

func (d *FileDevice) Destroy() error { return d.Stop() }
