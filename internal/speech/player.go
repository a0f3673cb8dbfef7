// Package speech turns examiner prompts into playable audio clips.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pavelanni/sprechen/internal/audio"
)

// Synthesizer produces raw PCM for text in the given voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// Player synthesizes prompts once and serves them as clips.
type Player struct {
	synth Synthesizer
	clips *audio.Clips
	voice string

	mu    sync.Mutex
	cache map[string]string // text -> clip id
}

// NewPlayer creates a player registering synthesized speech in clips.
func NewPlayer(synth Synthesizer, clips *audio.Clips, voice string) *Player {
	return &Player{
		synth: synth,
		clips: clips,
		voice: voice,
		cache: make(map[string]string),
	}
}

// Prompt returns a clip id for text, synthesizing it on first use.
func (p *Player) Prompt(ctx context.Context, text string) (string, error) {
	p.mu.Lock()
	if id, ok := p.cache[text]; ok {
		if _, live := p.clips.Get(id); live {
			p.mu.Unlock()
			return id, nil
		}
		delete(p.cache, text)
	}
	p.mu.Unlock()

	pcm, err := p.synth.Synthesize(ctx, text, p.voice)
	if err != nil {
		return "", fmt.Errorf("synthesize prompt: %w", err)
	}
	data, err := EncodeWAV(pcm, SampleRate, Channels)
	if err != nil {
		return "", err
	}
	id := p.clips.Put(audio.Blob{Data: data, MIMEType: "audio/wav"})

	p.mu.Lock()
	if prev, ok := p.cache[text]; ok {
		// A concurrent call won; keep its clip.
		p.mu.Unlock()
		p.clips.Revoke(id)
		return prev, nil
	}
	p.cache[text] = id
	p.mu.Unlock()

	slog.Debug("prompt synthesized", "clip", id, "bytes", len(data))
	return id, nil
}

// Reset revokes every synthesized clip.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for text, id := range p.cache {
		p.clips.Revoke(id)
		delete(p.cache, text)
	}
}

// AutoplayGuard lets each prompt start playing by itself at most once, no
// matter how often the page showing it is rendered.
type AutoplayGuard struct {
	mu    sync.Mutex
	fired map[string]bool
}

// NewAutoplayGuard creates an empty guard.
func NewAutoplayGuard() *AutoplayGuard {
	return &AutoplayGuard{fired: make(map[string]bool)}
}

// Fire reports whether key may autoplay now, and disarms it.
func (g *AutoplayGuard) Fire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if key == "" || g.fired[key] {
		return false
	}
	g.fired[key] = true
	return true
}

// Reset forgets every key.
func (g *AutoplayGuard) Reset() {
	g.mu.Lock()
	clear(g.fired)
	g.mu.Unlock()
}
