// Package questions loads interview question banks and picks the questions
// for a session by job, difficulty and count.
package questions

import (
	_ "embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/answercapture/internal/answer"
)

// DefaultJob is used when the requested job is not in the bank.
const DefaultJob = "developer"

// ErrNotEnoughQuestions is returned when a selection asks for more questions
// than the bank holds for that job.
var ErrNotEnoughQuestions = errors.New("not enough questions")

//go:embed default.yaml
var defaultBank []byte

// Tiers holds the questions of one job grouped by difficulty.
type Tiers struct {
	Easy   []string `yaml:"easy"`
	Medium []string `yaml:"medium"`
	Hard   []string `yaml:"hard"`
}

func (t Tiers) of(d answer.Difficulty) []string {
	switch d {
	case answer.DifficultyEasy:
		return t.Easy
	case answer.DifficultyMedium:
		return t.Medium
	case answer.DifficultyHard:
		return t.Hard
	}
	return nil
}

func (t Tiers) all() []string {
	out := make([]string, 0, len(t.Easy)+len(t.Medium)+len(t.Hard))
	out = append(out, t.Easy...)
	out = append(out, t.Medium...)
	return append(out, t.Hard...)
}

type file struct {
	Jobs map[string]Tiers `yaml:"jobs"`
}

// Bank is a set of questions per job. Selections avoid repeating questions
// the bank has already handed out until the pool runs low.
type Bank struct {
	jobs map[string]Tiers

	mu      sync.Mutex
	seen    map[string]struct{}
	shuffle func(n int, swap func(i, j int))
}

// Parse reads a bank from YAML.
func Parse(data []byte) (*Bank, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse question bank: %w", err)
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("parse question bank: no jobs defined")
	}

	jobs := make(map[string]Tiers, len(f.Jobs))
	for name, tiers := range f.Jobs {
		key := normalizeJob(name)
		if key == "" {
			return nil, fmt.Errorf("parse question bank: empty job name")
		}
		if len(tiers.all()) == 0 {
			return nil, fmt.Errorf("parse question bank: job %s has no questions", key)
		}
		jobs[key] = tiers
	}

	return &Bank{
		jobs:    jobs,
		seen:    make(map[string]struct{}),
		shuffle: rand.Shuffle,
	}, nil
}

// Load reads a bank from a YAML file.
func Load(path string) (*Bank, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read question bank: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in bank.
func Default() *Bank {
	b, err := Parse(defaultBank)
	if err != nil {
		panic(err)
	}
	return b
}

// LoadOrDefault loads path, or returns the built-in bank when path is empty.
func LoadOrDefault(path string) (*Bank, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Jobs returns the job names in the bank, sorted.
func (b *Bank) Jobs() []string {
	names := make([]string, 0, len(b.jobs))
	for name := range b.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every question text for job and difficulty without selection.
// An empty difficulty returns all tiers.
func (b *Bank) All(job string, d answer.Difficulty) []string {
	tiers, _ := b.resolve(job)
	return slices.Clone(pool(tiers, d))
}

// Select returns count questions for job and difficulty in random order.
// Unknown jobs fall back to DefaultJob and a difficulty without questions
// falls back to every tier of the job.
func (b *Bank) Select(job string, d answer.Difficulty, count int) ([]answer.Question, error) {
	if count < 1 {
		return nil, fmt.Errorf("question count must be positive, got %d", count)
	}

	tiers, name := b.resolve(job)
	candidates := pool(tiers, d)
	if len(candidates) < count {
		return nil, fmt.Errorf("%w: job %s has %d %s questions, need %d",
			ErrNotEnoughQuestions, name, len(candidates), d, count)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fresh := make([]string, 0, len(candidates))
	for _, text := range candidates {
		if _, ok := b.seen[seenKey(name, text)]; !ok {
			fresh = append(fresh, text)
		}
	}
	if len(fresh) < count {
		for _, text := range candidates {
			delete(b.seen, seenKey(name, text))
		}
		fresh = slices.Clone(candidates)
	}

	b.shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })

	out := make([]answer.Question, count)
	for i := range out {
		out[i] = answer.Question{Index: i, Text: fresh[i]}
		b.seen[seenKey(name, fresh[i])] = struct{}{}
	}
	return out, nil
}

// Reset forgets which questions were handed out.
func (b *Bank) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.seen)
}

func (b *Bank) resolve(job string) (Tiers, string) {
	name := normalizeJob(job)
	if tiers, ok := b.jobs[name]; ok {
		return tiers, name
	}
	if tiers, ok := b.jobs[DefaultJob]; ok {
		return tiers, DefaultJob
	}
	first := b.Jobs()[0]
	return b.jobs[first], first
}

func pool(t Tiers, d answer.Difficulty) []string {
	if d != "" {
		if qs := t.of(d); len(qs) > 0 {
			return qs
		}
	}
	return t.all()
}

func seenKey(job, text string) string {
	return job + "\x00" + text
}

func normalizeJob(job string) string {
	return strings.ToLower(strings.TrimSpace(job))
}
