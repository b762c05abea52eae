// Package catalog finds alphabets across tagged source directories such as
// "user" and "mods".
package catalog

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/texnomagic/texnomagic/internal/alphabet"
	"github.com/texnomagic/texnomagic/internal/symbol"
	apperrors "github.com/texnomagic/texnomagic/pkg/errors"
)

// Source is a tagged directory whose subdirectories are alphabets.
type Source struct {
	Tag string
	Dir string
}

// Entry is a discovered alphabet and the source tag it came from.
type Entry struct {
	Tag      string
	Alphabet *alphabet.Alphabet
}

// Catalog holds the alphabets of every source, in source order.
type Catalog struct {
	sources []Source
	abcOpts []alphabet.Option
	abcs    map[string][]*alphabet.Alphabet
}

// New returns an empty catalog over sources. Call Load to discover
// alphabets.
func New(sources []Source, opts ...alphabet.Option) *Catalog {
	return &Catalog{
		sources: sources,
		abcOpts: opts,
		abcs:    make(map[string][]*alphabet.Alphabet),
	}
}

// Sources returns the configured sources.
func (c *Catalog) Sources() []Source {
	return c.sources
}

// Load discovers */texno_alphabet.json under every source, replacing what
// was loaded before. Missing source directories hold no alphabets.
func (c *Catalog) Load() error {
	found := make(map[string][]*alphabet.Alphabet, len(c.sources))
	for _, src := range c.sources {
		paths, err := filepath.Glob(filepath.Join(src.Dir, "*", alphabet.InfoFile))
		if err != nil {
			return fmt.Errorf("listing alphabets in %s: %w", src.Dir, err)
		}
		sort.Strings(paths)
		abcs := make([]*alphabet.Alphabet, 0, len(paths))
		for _, p := range paths {
			a, err := alphabet.Load(filepath.Dir(p), c.abcOpts...)
			if err != nil {
				return err
			}
			abcs = append(abcs, a)
		}
		found[src.Tag] = abcs
	}
	c.abcs = found
	return nil
}

// Entries returns every loaded alphabet in source order.
func (c *Catalog) Entries() []Entry {
	var out []Entry
	for _, src := range c.sources {
		for _, a := range c.abcs[src.Tag] {
			out = append(out, Entry{Tag: src.Tag, Alphabet: a})
		}
	}
	return out
}

// Alphabets returns the alphabets of one source tag.
func (c *Catalog) Alphabets(tag string) []*alphabet.Alphabet {
	return c.abcs[tag]
}

// Alphabet finds an alphabet by name or handle, optionally qualified by a
// source tag as "tag:name". The first match in source order wins.
func (c *Catalog) Alphabet(id string) (*alphabet.Alphabet, error) {
	e, err := c.Lookup(id)
	if err != nil {
		return nil, err
	}
	return e.Alphabet, nil
}

// Lookup is Alphabet that also reports the source tag of the match.
func (c *Catalog) Lookup(id string) (Entry, error) {
	tag, name, qualified := strings.Cut(id, ":")
	if !qualified {
		name, tag = id, ""
	}
	for _, e := range c.Entries() {
		if tag != "" && e.Tag != tag {
			continue
		}
		a := e.Alphabet
		if a.Name == name || a.Handle() == name || a.Handle() == symbol.NameToHandle(name) {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", apperrors.ErrAlphabetNotFound, id)
}

// ID is the qualified "tag:handle" form accepted by Alphabet.
func (e Entry) ID() string {
	return e.Tag + ":" + e.Alphabet.Handle()
}

// SaveNewAlphabet stores a under the source with the given tag as its
// handle and puts it first in that source.
func (c *Catalog) SaveNewAlphabet(a *alphabet.Alphabet, tag string) error {
	if a == nil || a.Name == "" {
		return fmt.Errorf("%w: alphabet name is required", apperrors.ErrInvalidInput)
	}
	var src *Source
	for i := range c.sources {
		if c.sources[i].Tag == tag {
			src = &c.sources[i]
			break
		}
	}
	if src == nil {
		return fmt.Errorf("%w: unknown alphabet source %q", apperrors.ErrInvalidInput, tag)
	}
	a.SetDir(filepath.Join(src.Dir, a.Handle()))
	if err := a.Save(); err != nil {
		return err
	}
	c.abcs[tag] = append([]*alphabet.Alphabet{a}, c.abcs[tag]...)
	return nil
}

// Stats summarizes alphabet counts per source, e.g. "2 user, 0 mods".
func (c *Catalog) Stats() string {
	if len(c.sources) == 0 {
		return "no alphabets found :("
	}
	parts := make([]string, 0, len(c.sources))
	for _, src := range c.sources {
		parts = append(parts, fmt.Sprintf("%d %s", len(c.abcs[src.Tag]), src.Tag))
	}
	return strings.Join(parts, ", ")
}

func (c *Catalog) String() string {
	return "<Catalog: " + c.Stats() + ">"
}
