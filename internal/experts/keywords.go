package experts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywordTable []byte

// KeywordCategory maps one expert to the vocabulary that suggests it
type KeywordCategory struct {
	Expert   string   `yaml:"expert"`
	Keywords []string `yaml:"keywords"`
}

// KeywordTable is the versioned vocabulary used by keyword fallback routing
type KeywordTable struct {
	Version    int               `yaml:"version"`
	Categories []KeywordCategory `yaml:"categories"`

	normalized map[string][]string
}

// DefaultKeywordTable returns the embedded table
func DefaultKeywordTable() (*KeywordTable, error) {
	return ParseKeywordTable(defaultKeywordTable)
}

// LoadKeywordTable reads a table from path, or the embedded default when
// path is empty
func LoadKeywordTable(path string) (*KeywordTable, error) {
	if path == "" {
		return DefaultKeywordTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyword table: %w", err)
	}
	return ParseKeywordTable(data)
}

// ParseKeywordTable decodes a YAML keyword table
func ParseKeywordTable(data []byte) (*KeywordTable, error) {
	var table KeywordTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse keyword table: %w", err)
	}

	table.normalized = make(map[string][]string, len(table.Categories))
	for _, category := range table.Categories {
		if category.Expert == "" {
			return nil, fmt.Errorf("keyword table category without expert")
		}
		for _, kw := range category.Keywords {
			if n := normalize(kw); n != "" {
				table.normalized[category.Expert] = append(table.normalized[category.Expert], n)
			}
		}
	}
	return &table, nil
}

// Hits counts the keywords of expert that occur in query
func (t *KeywordTable) Hits(expert, query string) int {
	keywords := t.normalized[expert]
	if len(keywords) == 0 {
		return 0
	}

	padded := " " + normalize(query) + " "
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(padded, " "+kw+" ") {
			hits++
		}
	}
	return hits
}

// normalize lowercases s and collapses every run of non letters/digits into
// a single space so keywords only match whole words.
func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}
