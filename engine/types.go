package engine

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/json"

	"github.com/oarkflow/searchd/utils"
)

// GenericRecord is a schemaless document.
type GenericRecord map[string]any

// FlatString renders the indexable fields of a record in key order, used by
// match-all and debugging paths.
func (rec GenericRecord) FlatString(fieldsToIndex []string, except []string) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if (len(fieldsToIndex) > 0 && !contains(fieldsToIndex, k)) || (len(except) > 0 && contains(except, k)) {
			continue
		}
		switch val := rec[k].(type) {
		case string:
			parts = append(parts, val)
		case json.Number:
			parts = append(parts, val.String())
		case float64:
			parts = append(parts, strconv.FormatFloat(val, 'f', -1, 64))
		case int:
			parts = append(parts, strconv.Itoa(val))
		case int64:
			parts = append(parts, strconv.FormatInt(val, 10))
		case bool:
			parts = append(parts, strconv.FormatBool(val))
		case time.Time:
			parts = append(parts, val.Format(time.RFC3339))
		default:
			parts = append(parts, utils.ToString(val))
		}
	}
	return strings.Join(parts, " ")
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Posting records one document's frequency for a term.
type Posting struct {
	DocID     int64
	Frequency int
}

// ScoredHit is a matched document with its relevance score. DocID doubles
// as the stable tie-break key when hits are merged across nodes.
type ScoredHit struct {
	DocID int64   `json:"doc_id"`
	Score float64 `json:"score"`
}

// SortHits orders hits by score descending, then DocID ascending. The
// ordering is total, so repeated merges of the same inputs are identical.
func SortHits(hits []ScoredHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
}

// Token is a single analyzed term with its in-document frequency.
type Token struct {
	Term      string
	Frequency int
}

// Analyzer transforms field values into tokens.
type Analyzer interface {
	Analyze(field string, value any) []Token
}
