package captcha

import (
	"crypto/rand"
	"encoding/hex"
	mrand "math/rand/v2"
	"strings"
	"sync"

	"joingate/tools/errs"
)

const (
	RowCount  = 4
	RowLength = 8

	minPatternLen = 2
	maxPatternLen = 4

	// NonceBytes gives 64 bits of entropy, rendered as 16 hex chars.
	NonceBytes = 8
)

// DefaultPool is the symbol pool rows are built from.
var DefaultPool = []string{
	"🍎", "🍌", "🍇", "🍒", "🍉", "🍋", "🥝", "🍑", "🍍", "🥥",
	"🥕", "🌽", "🧀", "🍪", "🍩", "🍫", "⭐", "⚡", "🔥", "🌊",
}

const Question = "Which row breaks its pattern?"

// Option is one selectable answer: a row of symbols.
type Option struct {
	Symbols []string
}

func (o Option) Text() string { return strings.Join(o.Symbols, " ") }

// Challenge is a generated question. CorrectOption is 1-based, the same
// numbering used by answer buttons and typed replies.
type Challenge struct {
	Question      string
	Options       []Option
	CorrectOption int
	Nonce         string
}

// Source is the randomness used for layout. Nonces always come from crypto/rand.
type Source interface {
	IntN(n int) int
}

type lockedSource struct {
	mu sync.Mutex
	r  *mrand.Rand
}

func (s *lockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

// NewSeededSource returns a deterministic Source, safe for concurrent use.
func NewSeededSource(seed1, seed2 uint64) Source {
	return &lockedSource{r: mrand.New(mrand.NewPCG(seed1, seed2))}
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return mrand.IntN(n) }

type Generator struct {
	pool []string
	src  Source
}

type GeneratorOption func(*Generator)

func WithSource(src Source) GeneratorOption {
	return func(g *Generator) { g.src = src }
}

func WithPool(pool []string) GeneratorOption {
	return func(g *Generator) { g.pool = pool }
}

// NewGenerator validates the pool up front: a pool too small to keep every row
// distinct is a configuration error.
func NewGenerator(opts ...GeneratorOption) (*Generator, error) {
	g := &Generator{pool: DefaultPool, src: globalSource{}}
	for _, opt := range opts {
		opt(g)
	}
	g.pool = dedupe(g.pool)
	// every row needs its own first symbol plus room for one outsider
	if need := RowCount + maxPatternLen; len(g.pool) < need {
		return nil, errs.ErrConfig.WrapMsg("captcha symbol pool too small", "have", len(g.pool), "need", need)
	}
	return g, nil
}

// Generate builds RowCount rows, each a repetition of a short pattern, and
// breaks exactly one of them by swapping in a symbol from outside its pattern.
func (g *Generator) Generate() (*Challenge, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, RowCount)
	patterns := make([][]string, 0, RowCount)
	usedLeads := make(map[string]struct{}, RowCount)

	for len(rows) < RowCount {
		n := minPatternLen + g.src.IntN(maxPatternLen-minPatternLen+1)
		pattern := g.pick(n, nil)
		// distinct leading symbols keep every row's text unique
		if _, dup := usedLeads[pattern[0]]; dup {
			continue
		}
		usedLeads[pattern[0]] = struct{}{}

		row := make([]string, RowLength)
		for i := range row {
			row[i] = pattern[i%n]
		}
		rows = append(rows, row)
		patterns = append(patterns, pattern)
	}

	broken := g.src.IntN(RowCount)
	// never touch position 0, so the lead stays unique
	pos := 1 + g.src.IntN(RowLength-1)
	exclude := make(map[string]struct{}, maxPatternLen)
	for _, s := range patterns[broken] {
		exclude[s] = struct{}{}
	}
	rows[broken][pos] = g.pick(1, exclude)[0]

	options := make([]Option, len(rows))
	for i, row := range rows {
		options[i] = Option{Symbols: row}
	}
	return &Challenge{
		Question:      Question,
		Options:       options,
		CorrectOption: broken + 1,
		Nonce:         nonce,
	}, nil
}

// pick returns count distinct symbols not in exclude, via a partial shuffle.
func (g *Generator) pick(count int, exclude map[string]struct{}) []string {
	avail := make([]string, 0, len(g.pool))
	for _, s := range g.pool {
		if _, skip := exclude[s]; !skip {
			avail = append(avail, s)
		}
	}
	for i := 0; i < count; i++ {
		j := i + g.src.IntN(len(avail)-i)
		avail[i], avail[j] = avail[j], avail[i]
	}
	return avail[:count]
}

// NewNonce returns NonceBytes of crypto randomness as lowercase hex.
func NewNonce() (string, error) {
	b := make([]byte, NonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errs.WrapMsg(err, "read nonce entropy")
	}
	return hex.EncodeToString(b), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
