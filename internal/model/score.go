package model

import "fmt"

const (
	// MinScore is the acceptance floor for a recognition.
	MinScore = 0.6
	// HighScore separates warn from error level confusion findings.
	HighScore = 0.8
	// FailScore is returned when scoring against a model that is not ready.
	FailScore = -1.0
)

// Score is a recognition fitness value. Higher is better; a drawing close to
// the training baseline scores about 1.
type Score float64

type ratingTier struct {
	below float64
	name  string
}

var ratingTiers = []ratingTier{
	{0.5, "very bad"},
	{0.6, "bad"},
	{0.7, "okay"},
	{0.8, "good"},
	{0.9, "great"},
	{1.0, "excellent"},
	{1.1, "perfect"},
}

// Rating returns the human tier of the score.
func (s Score) Rating() string {
	for _, t := range ratingTiers {
		if float64(s) < t.below {
			return t.name
		}
	}
	return "godlike"
}

// Accepted reports whether the score passes MinScore.
func (s Score) Accepted() bool {
	return float64(s) >= MinScore
}

func (s Score) String() string {
	return fmt.Sprintf("%.3f (%s)", float64(s), s.Rating())
}
