package fingerprint

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/and161185/portal-session/internal/metrics"
	"github.com/and161185/portal-session/internal/race"
	"github.com/and161185/portal-session/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Defaults for the deferred phase.
const (
	DefaultPhase2Delay  = 50 * time.Millisecond
	DefaultAudioTimeout = 2 * time.Second
)

const probeKey = "__fp_probe__"

// baselineFonts are the generic families every host resolves.
var baselineFonts = []string{"monospace", "sans-serif", "serif"}

// CandidateFonts is the default list probed during font detection.
var CandidateFonts = []string{
	"Arial", "Calibri", "Cantarell", "Courier New", "DejaVu Sans", "DejaVu Serif",
	"Droid Sans", "Fira Code", "Georgia", "Helvetica", "Inter", "Liberation Mono",
	"Liberation Sans", "Noto Sans", "Roboto", "Segoe UI", "Times New Roman",
	"Ubuntu", "Verdana",
}

const fontSample = "mmmmmmmmmmlli"

// Generator collects a Record in two phases.
type Generator struct {
	env          Environment
	durable      storage.Storage
	session      storage.Storage
	audio        AudioSource
	fonts        []string
	delay        time.Duration
	audioTimeout time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics

	mu      sync.RWMutex
	current Record
}

// Option configures a Generator.
type Option func(*Generator)

// WithDurableStorage sets the storage probed for the durable flag.
func WithDurableStorage(s storage.Storage) Option { return func(g *Generator) { g.durable = s } }

// WithSessionStorage sets the storage probed for the session flag.
func WithSessionStorage(s storage.Storage) Option { return func(g *Generator) { g.session = s } }

// WithAudioSource replaces DefaultAudio.
func WithAudioSource(a AudioSource) Option { return func(g *Generator) { g.audio = a } }

// WithFonts replaces CandidateFonts.
func WithFonts(f []string) Option { return func(g *Generator) { g.fonts = f } }

// WithPhase2Delay sets the pause between phase 1 and phase 2.
func WithPhase2Delay(d time.Duration) Option { return func(g *Generator) { g.delay = d } }

// WithAudioTimeout bounds the audio signature.
func WithAudioTimeout(d time.Duration) Option { return func(g *Generator) { g.audioTimeout = d } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Generator) {
		if l != nil {
			g.log = l
		}
	}
}

// WithMetrics counts audio timeouts.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Generator) { g.metrics = m } }

// New constructs a generator over env.
func New(env Environment, opts ...Option) *Generator {
	g := &Generator{
		env:          env,
		session:      storage.NewMemory(),
		audio:        DefaultAudio,
		fonts:        CandidateFonts,
		delay:        DefaultPhase2Delay,
		audioTimeout: DefaultAudioTimeout,
		log:          zap.NewNop(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Start runs phase 1 synchronously and returns its record. Phase 2 runs in the
// background after the configured delay. The channel receives the partial record,
// then the complete one, and is closed; if ctx ends first only the partial record
// is sent.
func (g *Generator) Start(ctx context.Context) (Record, <-chan Record) {
	partial := g.phase1(ctx)
	g.set(partial)

	out := make(chan Record, 2)
	out <- partial.clone()

	go func() {
		defer close(out)
		t := time.NewTimer(g.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		complete := g.phase2(ctx, partial)
		if ctx.Err() != nil {
			return
		}
		g.set(complete)
		out <- complete.clone()
	}()
	return partial.clone(), out
}

// Collect runs both phases and returns the complete record.
func (g *Generator) Collect(ctx context.Context) (Record, error) {
	_, ch := g.Start(ctx)
	var last Record
	for r := range ch {
		last = r
	}
	if !last.Complete {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		return last, errors.New("fingerprint: phase 2 did not complete")
	}
	return last, nil
}

// Current returns the latest record, partial or complete.
func (g *Generator) Current() Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.current.clone()
}

// Hash returns the hash of the latest record.
func (g *Generator) Hash() string { return g.Current().Hash() }

func (g *Generator) set(r Record) {
	g.mu.Lock()
	g.current = r.clone()
	g.mu.Unlock()
}

func (g *Generator) phase1(ctx context.Context) Record {
	w, h := g.env.Screen()
	loc := g.env.Location()
	_, offset := time.Now().In(loc).Zone()

	r := Record{
		UserAgent:      g.env.UserAgent(),
		Language:       g.env.Language(),
		Platform:       g.env.Platform(),
		Screen:         strconv.Itoa(w) + "x" + strconv.Itoa(h),
		Timezone:       loc.String(),
		TimezoneOffset: -offset / 60,
		Storage: StorageFlags{
			Durable: probe(ctx, g.durable),
			Session: probe(ctx, g.session),
		},
		WebGL: Unavailable,
	}

	canvas, err := renderCanvas()
	if err != nil {
		g.log.Debug("canvas signature failed", zap.Error(err))
		canvas = Unavailable
	}
	r.Canvas = canvas

	if vendor, renderer, err := g.env.GPU(); err == nil {
		r.WebGL = vendor + "~" + renderer
	}
	return r
}

// probe writes then deletes a marker key.
func probe(ctx context.Context, s storage.Storage) bool {
	if s == nil {
		return false
	}
	if err := s.Set(ctx, probeKey, []byte("1")); err != nil {
		return false
	}
	return s.Delete(ctx, probeKey) == nil
}

func (g *Generator) phase2(ctx context.Context, r Record) Record {
	var (
		audio   string
		fonts   []string
		plugins []string
		eg      errgroup.Group
	)
	eg.Go(func() error {
		audio = g.audioSignature(ctx)
		return nil
	})
	eg.Go(func() error {
		fonts = g.detectFonts()
		return nil
	})
	eg.Go(func() error {
		plugins = g.env.Plugins()
		return nil
	})
	_ = eg.Wait()

	r.Audio = audio
	r.Fonts = fonts
	r.Plugins = plugins
	r.Complete = true
	return r
}

func (g *Generator) audioSignature(ctx context.Context) string {
	res := race.Run(ctx, g.audioTimeout, g.audio.Signature)
	if res.TimedOut {
		g.metrics.FingerprintTimeout()
		g.log.Debug("audio signature timed out", zap.Duration("timeout", g.audioTimeout))
		return AudioTimeout
	}
	if res.Err != nil {
		g.log.Debug("audio signature failed", zap.Error(res.Err))
	}
	return res.Or(Unavailable)
}

// detectFonts reports the candidates whose rendered box differs from at least one
// baseline family.
func (g *Generator) detectFonts() []string {
	base := make(map[string]TextBox, len(baselineFonts))
	for _, b := range baselineFonts {
		base[b] = g.env.MeasureText(b, fontSample)
	}
	var found []string
	for _, f := range g.fonts {
		for _, b := range baselineFonts {
			if g.env.MeasureText(f+", "+b, fontSample) != base[b] {
				found = append(found, f)
				break
			}
		}
	}
	sort.Strings(found)
	return found
}
