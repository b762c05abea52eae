package recognizer

import (
	"github.com/texnomagic/texnomagic/internal/model"
)

// Match is one symbol of a score list.
type Match struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// Rating returns the human tier of the score.
func (m Match) Rating() string {
	return model.Score(m.Score).Rating()
}

// Recognition is the outcome of Recognize. Symbol is empty when the best
// score is below the acceptance floor.
type Recognition struct {
	Alphabet string  `json:"alphabet"`
	Symbol   string  `json:"symbol"`
	Matched  bool    `json:"matched"`
	Score    float64 `json:"score"`
	Rating   string  `json:"rating"`
	CacheHit bool    `json:"cache_hit"`
}

// TrainResult describes a trained symbol model.
type TrainResult struct {
	Alphabet   string  `json:"alphabet"`
	Symbol     string  `json:"symbol"`
	NGauss     int     `json:"n_gauss"`
	ScoreAvg   float64 `json:"score_avg"`
	DurationMs int64   `json:"duration_ms"`
}

// AlphabetInfo summarizes a loaded alphabet.
type AlphabetInfo struct {
	ID      string `json:"id"`
	Tag     string `json:"tag"`
	Name    string `json:"name"`
	Handle  string `json:"handle"`
	Symbols int    `json:"symbols"`
	Trained int    `json:"trained"`
}

// SymbolInfo summarizes a symbol of an alphabet.
type SymbolInfo struct {
	Name     string `json:"name"`
	Meaning  string `json:"meaning"`
	Handle   string `json:"handle"`
	Ready    bool   `json:"ready"`
	NGauss   int    `json:"n_gauss"`
	HasImage bool   `json:"has_image"`
}
