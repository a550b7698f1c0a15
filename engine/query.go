package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/oarkflow/filters"
	"github.com/oarkflow/json"

	"github.com/oarkflow/searchd/utils"
)

// Filter is one field predicate of a search request.
type Filter struct {
	Field    string           `json:"field"`
	Operator filters.Operator `json:"operator"`
	Value    any              `json:"value"`
	Reverse  bool             `json:"reverse"`
	Lookup   *filters.Lookup  `json:"lookup,omitempty"`
}

// Request describes one search against a single index. The result size K
// travels separately so that a routing layer can over-fetch from each
// target before merging.
type Request struct {
	Query          string   `json:"q"`
	SearchType     string   `json:"search_type,omitempty"` // "", "term", "phrase", "exact", "fuzzy"
	Fuzzy          bool     `json:"fuzzy,omitempty"`
	FuzzyThreshold int      `json:"fuzzy_threshold,omitempty"`
	Match          string   `json:"m,omitempty"` // "all" (AND, default) or "any" (OR)
	Filters        []Filter `json:"filters,omitempty"`
	Condition      string   `json:"condition,omitempty"` // SQL-style predicate
	SortField      string   `json:"sort_field,omitempty"`
	SortOrder      string   `json:"sort_order,omitempty"`
}

// Checksum produces a stable cache key for the request.
func (r Request) Checksum() (uint64, error) {
	condStrs := make([]string, len(r.Filters))
	for i, c := range r.Filters {
		b, err := json.Marshal(c)
		if err != nil {
			return 0, fmt.Errorf("marshaling filter condition: %w", err)
		}
		condStrs[i] = string(b)
	}
	sort.Strings(condStrs)
	canon := struct {
		Filters    []string `json:"filters"`
		Query      string   `json:"q"`
		SearchType string   `json:"search_type"`
		Fuzzy      bool     `json:"fuzzy"`
		Threshold  int      `json:"fuzzy_threshold"`
		Match      string   `json:"m"`
		Condition  string   `json:"condition"`
		SortField  string   `json:"sort_field"`
		SortOrder  string   `json:"sort_order"`
	}{
		Filters:    condStrs,
		Query:      r.Query,
		SearchType: r.SearchType,
		Fuzzy:      r.Fuzzy,
		Threshold:  r.FuzzyThreshold,
		Match:      r.Match,
		Condition:  r.Condition,
		SortField:  r.SortField,
		SortOrder:  r.SortOrder,
	}
	payload, err := json.Marshal(canon)
	if err != nil {
		return 0, fmt.Errorf("marshaling canonical request: %w", err)
	}
	return xxhash.Sum64(payload), nil
}

// view is the committed, immutable-by-convention state a query evaluates
// against. Queries never see the pending segment.
type view struct {
	postings  PostingStore
	docs      map[int64]GenericRecord
	docLength map[int64]int
	totalDocs int
	avgDocLen float64
	terms     termDict
}

type termDict interface {
	Walk(fn func(term string, value any) bool)
	WalkPrefix(prefix string, fn func(term string, value any) bool)
}

// Query selects documents from a committed view.
type Query interface {
	Evaluate(v *view) []int64
	Tokens() []string
}

// MatchAllQuery selects every committed document.
type MatchAllQuery struct{}

func (MatchAllQuery) Evaluate(v *view) []int64 {
	out := make([]int64, 0, len(v.docs))
	for id := range v.docs {
		out = append(out, id)
	}
	return out
}

func (MatchAllQuery) Tokens() []string { return nil }

// TermQuery matches documents containing a single term, optionally
// expanding the term over the dictionary within an edit distance.
type TermQuery struct {
	Term           string
	Fuzzy          bool
	FuzzyThreshold int
}

func NewTermQuery(term string, fuzzy bool, threshold int) TermQuery {
	return TermQuery{Term: term, Fuzzy: fuzzy, FuzzyThreshold: threshold}
}

func (tq TermQuery) Evaluate(v *view) []int64 {
	tokens := tq.expand(v)
	docSet := make(map[int64]struct{})
	for _, token := range tokens {
		for _, p := range v.postings.Get(token) {
			docSet[p.DocID] = struct{}{}
		}
	}
	result := make([]int64, 0, len(docSet))
	for docID := range docSet {
		result = append(result, docID)
	}
	return result
}

func (tq TermQuery) expand(v *view) []string {
	term := strings.ToLower(tq.Term)
	if !tq.Fuzzy {
		return []string{term}
	}
	threshold := tq.FuzzyThreshold
	if threshold <= 0 {
		threshold = 2
	}
	out := []string{term}
	v.terms.Walk(func(candidate string, _ any) bool {
		if candidate != term && utils.BoundedLevenshtein(term, candidate, threshold) <= threshold {
			out = append(out, candidate)
		}
		return true
	})
	return out
}

func (tq TermQuery) Tokens() []string {
	return []string{strings.ToLower(tq.Term)}
}

// PrefixQuery matches documents containing any term with the given prefix.
type PrefixQuery struct {
	Prefix string
}

func (pq PrefixQuery) Evaluate(v *view) []int64 {
	docSet := make(map[int64]struct{})
	v.terms.WalkPrefix(strings.ToLower(pq.Prefix), func(term string, _ any) bool {
		for _, p := range v.postings.Get(term) {
			docSet[p.DocID] = struct{}{}
		}
		return true
	})
	result := make([]int64, 0, len(docSet))
	for docID := range docSet {
		result = append(result, docID)
	}
	return result
}

func (pq PrefixQuery) Tokens() []string {
	return []string{strings.ToLower(pq.Prefix)}
}

// PhraseQuery matches documents containing every token of the phrase.
type PhraseQuery struct {
	Phrase         string
	Fuzzy          bool
	FuzzyThreshold int
}

func NewPhraseQuery(phrase string, fuzzy bool, threshold int) PhraseQuery {
	return PhraseQuery{Phrase: phrase, Fuzzy: fuzzy, FuzzyThreshold: threshold}
}

func (pq PhraseQuery) Evaluate(v *view) []int64 {
	tokens := utils.Tokenize(pq.Phrase)
	if len(tokens) == 0 {
		return nil
	}
	var result []int64
	for i, token := range tokens {
		ids := TermQuery{Term: token, Fuzzy: pq.Fuzzy, FuzzyThreshold: pq.FuzzyThreshold}.Evaluate(v)
		if i == 0 {
			result = ids
		} else {
			result = utils.Intersect(result, ids)
		}
		if len(result) == 0 {
			return nil
		}
	}
	return result
}

func (pq PhraseQuery) Tokens() []string {
	return utils.Tokenize(pq.Phrase)
}

// WildcardQuery matches a glob pattern against one stored field.
type WildcardQuery struct {
	Field   string
	Pattern string
}

func (wq WildcardQuery) Evaluate(v *view) []int64 {
	regexPattern := "^" + regexp.QuoteMeta(wq.Pattern) + "$"
	regexPattern = strings.ReplaceAll(regexPattern, "\\*", ".*")
	re, err := regexp.Compile(regexPattern)
	if err != nil {
		return nil
	}
	var result []int64
	for docID, rec := range v.docs {
		if val, ok := rec[wq.Field]; ok {
			if re.MatchString(utils.ToString(val)) {
				result = append(result, docID)
			}
		}
	}
	return result
}

func (wq WildcardQuery) Tokens() []string {
	return []string{strings.ToLower(strings.ReplaceAll(wq.Pattern, "*", ""))}
}

// FilterQuery narrows an optional term query with structured predicates.
type FilterQuery struct {
	Filters *filters.Rule
	Term    Query
}

func NewFilterQuery(term Query, operator filters.Boolean, reverse bool, conditions ...filters.Condition) FilterQuery {
	if len(conditions) > 0 {
		rule := filters.NewRule()
		rule.AddCondition(operator, reverse, conditions...)
		return FilterQuery{Filters: rule, Term: term}
	}
	return FilterQuery{Term: term}
}

func (fq FilterQuery) Evaluate(v *view) []int64 {
	var base []int64
	if fq.Term != nil {
		base = fq.Term.Evaluate(v)
	}
	if fq.Filters == nil {
		return base
	}
	var result []int64
	for docID, rec := range v.docs {
		if fq.Filters.Match(rec) {
			result = append(result, docID)
		}
	}
	if fq.Term == nil {
		return result
	}
	return utils.Intersect(base, result)
}

func (fq FilterQuery) Tokens() []string {
	if fq.Term != nil {
		return fq.Term.Tokens()
	}
	return nil
}

// SQLQuery evaluates a SQL-style predicate, optionally intersected with a
// term query.
type SQLQuery struct {
	SQL  string
	Term Query
}

func (sq SQLQuery) Evaluate(v *view) []int64 {
	var base []int64
	if sq.Term != nil {
		base = sq.Term.Evaluate(v)
	}
	rule, err := filters.ParseSQL(sq.SQL)
	if err != nil || rule == nil {
		return base
	}
	var result []int64
	for docID, rec := range v.docs {
		if rule.Match(rec) {
			result = append(result, docID)
		}
	}
	if sq.Term == nil {
		return result
	}
	return utils.Intersect(base, result)
}

func (sq SQLQuery) Tokens() []string {
	if sq.Term != nil {
		return sq.Term.Tokens()
	}
	return nil
}

// buildQuery translates a Request into an executable Query.
func buildQuery(req Request) (Query, error) {
	var query Query
	if len(req.Filters) > 0 {
		match := filters.Boolean("AND")
		if utils.ToLower(req.Match) == "any" || utils.ToLower(req.Match) == "or" {
			match = filters.Boolean("OR")
		}
		conds := make([]filters.Condition, 0, len(req.Filters))
		for _, f := range req.Filters {
			conds = append(conds, &filters.Filter{
				Field:    f.Field,
				Operator: f.Operator,
				Value:    f.Value,
				Reverse:  f.Reverse,
				Lookup:   f.Lookup,
			})
		}
		query = NewFilterQuery(nil, match, false, conds...)
	}

	if req.Condition != "" {
		rule, err := filters.ParseSQL(req.Condition)
		if err != nil {
			return nil, fmt.Errorf("engine: parse condition: %w", err)
		}
		if rule != nil {
			query = SQLQuery{SQL: req.Condition, Term: query}
		}
	}

	if req.Query != "" {
		term, err := buildTermQuery(req)
		if err != nil {
			return nil, err
		}
		switch q := query.(type) {
		case FilterQuery:
			q.Term = term
			query = q
		case SQLQuery:
			q.Term = term
			query = q
		case nil:
			query = term
		}
	}

	if query == nil {
		return nil, fmt.Errorf("engine: empty search request")
	}
	return query, nil
}

func buildTermQuery(req Request) (Query, error) {
	if req.Query == "*" {
		return MatchAllQuery{}, nil
	}
	useFuzzy := req.Fuzzy || req.SearchType == "fuzzy"
	threshold := req.FuzzyThreshold
	if threshold <= 0 {
		threshold = 2
	}
	switch req.SearchType {
	case "phrase":
		return NewPhraseQuery(req.Query, useFuzzy, threshold), nil
	case "exact":
		return NewTermQuery(req.Query, false, 0), nil
	case "prefix":
		return PrefixQuery{Prefix: req.Query}, nil
	case "", "term", "fuzzy":
		if strings.Contains(req.Query, " ") {
			return NewPhraseQuery(req.Query, useFuzzy, threshold), nil
		}
		return NewTermQuery(req.Query, useFuzzy, threshold), nil
	default:
		return nil, fmt.Errorf("engine: unknown search type %q", req.SearchType)
	}
}
