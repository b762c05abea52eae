package alphabet

import "github.com/texnomagic/texnomagic/internal/symbol"

// CoreOrder lists the meanings of the core symbols in display order:
// elements, shapes, targets, selectors, then modifiers.
var CoreOrder = []string{
	// elements
	"fire", "ice", "lightning", "water", "air", "earth", "life", "death",
	// shapes
	"bolt", "ball", "beam", "area", "cone",
	// targets
	"self", "friend", "enemy",
	// selectors
	"close", "far", "weak", "strong", "random", "all",
	// modifiers
	"big", "small", "fast", "slow", "homing",
}

// SortSymbols returns symbols with the first symbol of every core meaning
// moved to the front in CoreOrder. The remaining symbols keep their order.
func SortSymbols(symbols []*symbol.Symbol) []*symbol.Symbol {
	rest := append([]*symbol.Symbol(nil), symbols...)
	known := make([]*symbol.Symbol, 0, len(symbols))
	for _, meaning := range CoreOrder {
		for i, s := range rest {
			if s.Meaning == meaning {
				known = append(known, s)
				rest = append(rest[:i], rest[i+1:]...)
				break
			}
		}
	}
	return append(known, rest...)
}
