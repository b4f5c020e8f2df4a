package cash

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed aliases.yaml
var aliasYAML []byte

var aliasIndex = mustLoadAliases(aliasYAML)

// CanonicalType maps a stored type (possibly an alias) to its canonical
// EntryType. ok is false for unrecognised spellings.
func CanonicalType(raw string) (t EntryType, ok bool) {
	t, ok = aliasIndex[normalizeAlias(raw)]
	return t, ok
}

func mustLoadAliases(data []byte) map[string]EntryType {
	idx, err := loadAliases(data)
	if err != nil {
		panic(err)
	}
	return idx
}

func loadAliases(data []byte) (map[string]EntryType, error) {
	var table map[string][]string
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse alias table: %w", err)
	}

	idx := make(map[string]EntryType)
	for canonical, aliases := range table {
		t := EntryType(canonical)
		idx[normalizeAlias(canonical)] = t
		for _, a := range aliases {
			key := normalizeAlias(a)
			if prev, dup := idx[key]; dup && prev != t {
				return nil, fmt.Errorf("alias %q maps to both %s and %s", a, prev, t)
			}
			idx[key] = t
		}
	}
	return idx, nil
}

// normalizeAlias folds case, strips diacritics and unifies separators.
func normalizeAlias(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(strings.TrimSpace(folded))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.', '/':
			return '_'
		}
		return r
	}, folded)
}
