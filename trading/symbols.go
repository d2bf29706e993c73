package trading

import (
	"strings"

	"github.com/StudioSol/set"
)

// SymbolDetector matches the symbol the EA reports against an ordered
// priority list of accepted aliases. Brokers decorate symbol names with
// suffixes ("XAUUSD.m", "XAUUSD.pro"), so an alias matches as an exact
// name or as a prefix of the reported name.
type SymbolDetector struct {
	aliases *set.LinkedHashSetString
}

// NewSymbolDetector keeps the aliases in priority order.
func NewSymbolDetector(priority []string) *SymbolDetector {
	aliases := set.NewLinkedHashSetString()
	for _, alias := range priority {
		alias = strings.ToUpper(strings.TrimSpace(alias))
		if alias != "" {
			aliases.Add(alias)
		}
	}
	return &SymbolDetector{aliases: aliases}
}

// Match reports whether reported is an accepted symbol and which alias
// it matched. The first alias in priority order wins.
func (d *SymbolDetector) Match(reported string) (string, bool) {
	candidate := strings.ToUpper(strings.TrimSpace(reported))
	if candidate == "" {
		return "", false
	}

	for alias := range d.aliases.Iter() {
		if candidate == alias || strings.HasPrefix(candidate, alias) {
			return alias, true
		}
	}
	return "", false
}
