package alphabet

import (
	"fmt"

	"github.com/texnomagic/texnomagic/internal/model"
	"github.com/texnomagic/texnomagic/internal/symbol"
)

// Kind classifies a check finding.
type Kind string

const (
	KindWrongSymbol  Kind = "wrong_symbol"
	KindHighScore    Kind = "high_score"
	KindMissingModel Kind = "missing_model"
	KindMissingImage Kind = "missing_image"
)

// Severity orders findings; Error is worse than Warn.
type Severity int

const (
	Warn Severity = iota
	Error
)

func (s Severity) String() string {
	if s == Error {
		return "error"
	}
	return "warn"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "warn":
		*s = Warn
	case "error":
		*s = Error
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Finding is one audit result. Symbol is the audited symbol; Other is the
// symbol it was confused with. Score is the running average of the
// offending scores over Count occurrences.
type Finding struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Symbol   string   `json:"symbol"`
	Other    string   `json:"other,omitempty"`
	Score    float64  `json:"score"`
	Count    int      `json:"count"`
}

// Message renders the finding for humans.
func (f Finding) Message() string {
	var msg string
	switch f.Kind {
	case KindWrongSymbol:
		msg = fmt.Sprintf("%s drawing recognized as %s with score: %.3f", f.Symbol, f.Other, f.Score)
	case KindHighScore:
		msg = fmt.Sprintf("%s drawing got high score in %s: %.3f", f.Symbol, f.Other, f.Score)
	case KindMissingModel:
		msg = fmt.Sprintf("%s symbol has no trained model", f.Symbol)
	case KindMissingImage:
		msg = fmt.Sprintf("%s symbol has no reference image", f.Symbol)
	default:
		msg = fmt.Sprintf("%s: %s", f.Kind, f.Symbol)
	}
	if f.Count > 1 {
		msg += fmt.Sprintf(" (%d times)", f.Count)
	}
	return msg
}

// Report holds the findings of one Check run in discovery order.
type Report struct {
	Alphabet string    `json:"alphabet"`
	Findings []Finding `json:"findings"`
}

// BySeverity groups finding messages by severity.
func (r Report) BySeverity() map[Severity][]string {
	out := make(map[Severity][]string)
	for _, f := range r.Findings {
		out[f.Severity] = append(out[f.Severity], f.Message())
	}
	return out
}

// Count returns the number of findings with the given severity.
func (r Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// OK reports whether the check found nothing.
func (r Report) OK() bool {
	return len(r.Findings) == 0
}

type pairKey struct {
	symbol, other *symbol.Symbol
}

type accumulator struct {
	order []pairKey
	stats map[pairKey]*Finding
}

func newAccumulator() *accumulator {
	return &accumulator{stats: make(map[pairKey]*Finding)}
}

func (acc *accumulator) add(kind Kind, s, other *symbol.Symbol, score float64) {
	key := pairKey{s, other}
	f, ok := acc.stats[key]
	if !ok {
		acc.order = append(acc.order, key)
		acc.stats[key] = &Finding{Kind: kind, Symbol: s.Name, Other: other.Name, Score: score, Count: 1}
		return
	}
	n := float64(f.Count)
	f.Score = (f.Score*n + score) / (n + 1)
	f.Count++
}

func (acc *accumulator) findings(severity func(avg float64) Severity) []Finding {
	out := make([]Finding, 0, len(acc.order))
	for _, key := range acc.order {
		f := *acc.stats[key]
		f.Severity = severity(f.Score)
		out = append(out, f)
	}
	return out
}

// Check audits the alphabet. Every drawing of every symbol is scored
// against the whole alphabet:
//
//   - when the best match has another meaning, a wrong_symbol error is
//     recorded for the pair;
//   - every candidate below the best one scoring above model.MinScore
//     records a high_score finding, an error when the pair's average
//     exceeds model.HighScore and a warning otherwise.
//
// Repeated pairs are averaged. Symbols without a ready model or a reference
// image get a warning each. Check loads drawings and models as needed.
func (a *Alphabet) Check() (Report, error) {
	if err := a.EnsureDrawings(); err != nil {
		return Report{}, err
	}
	if err := a.Preload(); err != nil {
		return Report{}, err
	}

	wrong := newAccumulator()
	high := newAccumulator()
	for _, s := range a.symbols {
		for _, d := range s.Drawings() {
			scores := a.Scores(d)
			if len(scores) == 0 {
				continue
			}
			top := scores[0]
			if top.Symbol.Meaning != s.Meaning {
				wrong.add(KindWrongSymbol, s, top.Symbol, float64(top.Score))
			}
			for _, c := range scores[1:] {
				if float64(c.Score) > model.MinScore {
					high.add(KindHighScore, s, c.Symbol, float64(c.Score))
				}
			}
		}
	}

	report := Report{Alphabet: a.Name}
	report.Findings = append(report.Findings, wrong.findings(func(float64) Severity { return Error })...)
	report.Findings = append(report.Findings, high.findings(func(avg float64) Severity {
		if avg > model.HighScore {
			return Error
		}
		return Warn
	})...)
	for _, s := range a.symbols {
		if m := s.Model(); m == nil || !m.Ready() {
			report.Findings = append(report.Findings, Finding{Kind: KindMissingModel, Severity: Warn, Symbol: s.Name, Count: 1})
		}
	}
	for _, s := range a.symbols {
		if !s.HasImage() {
			report.Findings = append(report.Findings, Finding{Kind: KindMissingImage, Severity: Warn, Symbol: s.Name, Count: 1})
		}
	}
	return report, nil
}
