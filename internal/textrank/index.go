// Package textrank scores pages against a keyword query with BM25 over
// separately tokenized titles and URLs, backed by an inverted index.
//
// # Scoring
//
// For each query token t present in a document:
//
//	idf(t)   = ln((N - df + 0.5)/(df + 0.5) + 1)
//	TF_field = w·f·(k1+1) / (f + k1·(1 - b + b·len/avgLen))
//	score   += idf(t) · (TF_title + TF_url)
//
// A substring bonus rewards queries that are a prefix of, or contained in,
// the URL or title. When nothing matches and the query is long enough the
// index falls back to fuzzy similarity (see fuzzy.go).
//
// # Thread Safety
//
// Index is immutable after NewIndex and safe for concurrent use.
package textrank

import (
	"math"
	"sort"
	"strings"

	"github.com/onnwee/recall/internal/tokenize"
)

// Document is the text of a single page.
type Document struct {
	ID    string
	Title string
	URL   string
}

// Score pairs a document ID with its non-negative relevance.
type Score struct {
	ID    string
	Value float64
}

// Params tunes BM25, the substring bonus and the fuzzy fallback.
type Params struct {
	K1     float64 `json:"k1"`
	BTitle float64 `json:"b_title"`
	BURL   float64 `json:"b_url"`
	WTitle float64 `json:"w_title"`
	WURL   float64 `json:"w_url"`

	// PrefixWeight scales the contribution of index terms that the last
	// query token is a strict prefix of. 0 disables prefix expansion.
	PrefixWeight float64 `json:"prefix_weight"`

	URLPrefixBonus     float64 `json:"url_prefix_bonus"`
	URLContainsBonus   float64 `json:"url_contains_bonus"`
	TitlePrefixBonus   float64 `json:"title_prefix_bonus"`
	TitleContainsBonus float64 `json:"title_contains_bonus"`

	// FuzzyThreshold is the minimum similarity kept by the fuzzy fallback.
	FuzzyThreshold float64 `json:"fuzzy_threshold"`
	// FuzzyMinQueryLen is the query length (in runes) the fallback requires
	// to be exceeded.
	FuzzyMinQueryLen int `json:"fuzzy_min_query_len"`
}

// DefaultParams returns k1=1.2, b=0.75 and a URL field weighted twice the title.
func DefaultParams() Params {
	return Params{
		K1:                 1.2,
		BTitle:             0.75,
		BURL:               0.75,
		WTitle:             1.0,
		WURL:               2.0,
		PrefixWeight:       0.5,
		URLPrefixBonus:     2,
		URLContainsBonus:   1,
		TitlePrefixBonus:   1,
		TitleContainsBonus: 0.5,
		FuzzyThreshold:     0.7,
		FuzzyMinQueryLen:   2,
	}
}

type field struct {
	tf  map[string]int
	len int
}

type document struct {
	id       string
	title    string // lower-cased
	url      string // lower-cased, scheme and www. stripped
	titleF   field
	urlF     field
	allTerms []string
}

// Index is an inverted index over titles and URLs.
type Index struct {
	tok         tokenize.Tokenizer
	params      Params
	docs        []document
	postings    map[string][]int // term -> doc indices, ascending
	vocab       []string         // sorted terms, for prefix lookups
	avgTitleLen float64
	avgURLLen   float64
}

// NewIndex tokenizes and indexes docs. A nil tokenizer selects tokenize.Plain.
func NewIndex(docs []Document, tok tokenize.Tokenizer, params Params) *Index {
	if tok == nil {
		tok = tokenize.NewPlain()
	}
	idx := &Index{
		tok:      tok,
		params:   params,
		docs:     make([]document, 0, len(docs)),
		postings: make(map[string][]int),
	}

	var titleTotal, urlTotal int
	for i, d := range docs {
		doc := document{
			id:     d.ID,
			title:  strings.ToLower(strings.TrimSpace(d.Title)),
			url:    normalizeURL(d.URL),
			titleF: newField(tok.Text(d.Title)),
			urlF:   newField(tok.URL(d.URL)),
		}
		seen := make(map[string]struct{}, len(doc.titleF.tf)+len(doc.urlF.tf))
		for _, f := range []field{doc.titleF, doc.urlF} {
			for term := range f.tf {
				if _, dup := seen[term]; dup {
					continue
				}
				seen[term] = struct{}{}
				idx.postings[term] = append(idx.postings[term], i)
				doc.allTerms = append(doc.allTerms, term)
			}
		}
		titleTotal += doc.titleF.len
		urlTotal += doc.urlF.len
		idx.docs = append(idx.docs, doc)
	}

	if n := len(idx.docs); n > 0 {
		idx.avgTitleLen = float64(titleTotal) / float64(n)
		idx.avgURLLen = float64(urlTotal) / float64(n)
	}

	idx.vocab = make([]string, 0, len(idx.postings))
	for term := range idx.postings {
		idx.vocab = append(idx.vocab, term)
	}
	sort.Strings(idx.vocab)

	return idx
}

func newField(tokens []string) field {
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	return field{tf: tf, len: len(tokens)}
}

// normalizeURL lower-cases u and strips its scheme and a leading "www.".
func normalizeURL(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	return strings.TrimPrefix(u, "www.")
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int {
	return len(idx.docs)
}

// QueryTokens tokenizes a query the same way titles are tokenized.
func (idx *Index) QueryTokens(query string) []string {
	return idx.tok.Text(query)
}

// Scores returns a non-negative score for every candidate document, in no
// particular order. An empty or whitespace-only query yields nil.
func (idx *Index) Scores(query string) []Score {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || len(idx.docs) == 0 {
		return nil
	}
	qTokens := idx.tok.Text(q)

	raw := idx.bm25(qTokens)
	if len(raw) > 0 {
		for i, s := range raw {
			raw[i] = s + idx.substringBonus(q, i)
		}
		return toScores(idx, raw)
	}

	if len([]rune(q)) > idx.params.FuzzyMinQueryLen {
		return idx.fuzzyScores(q, qTokens)
	}
	return nil
}

// bm25 returns BM25 scores keyed by document index for every document that
// shares a term with the query.
func (idx *Index) bm25(qTokens []string) map[int]float64 {
	if len(qTokens) == 0 {
		return nil
	}
	n := float64(len(idx.docs))
	scores := make(map[int]float64)

	addTerm := func(term string, weight float64) {
		posting := idx.postings[term]
		if len(posting) == 0 {
			return
		}
		df := float64(len(posting))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		for _, di := range posting {
			d := &idx.docs[di]
			tf := idx.fieldTF(d.titleF.tf[term], d.titleF.len, idx.avgTitleLen, idx.params.WTitle, idx.params.BTitle) +
				idx.fieldTF(d.urlF.tf[term], d.urlF.len, idx.avgURLLen, idx.params.WURL, idx.params.BURL)
			scores[di] += weight * idf * tf
		}
	}

	for _, term := range qTokens {
		addTerm(term, 1)
	}

	last := qTokens[len(qTokens)-1]
	if idx.params.PrefixWeight > 0 && len([]rune(last)) >= 2 {
		for _, term := range idx.expandPrefix(last) {
			addTerm(term, idx.params.PrefixWeight)
		}
	}

	return scores
}

// fieldTF is the BM25 term-frequency component for one field.
func (idx *Index) fieldTF(f, length int, avgLen, w, b float64) float64 {
	if f == 0 {
		return 0
	}
	norm := 1.0
	if avgLen > 0 {
		norm = 1 - b + b*float64(length)/avgLen
	}
	ff := float64(f)
	return w * ff * (idx.params.K1 + 1) / (ff + idx.params.K1*norm)
}

// expandPrefix returns indexed terms that prefix is a strict prefix of.
func (idx *Index) expandPrefix(prefix string) []string {
	start := sort.SearchStrings(idx.vocab, prefix)
	var out []string
	for i := start; i < len(idx.vocab); i++ {
		term := idx.vocab[i]
		if !strings.HasPrefix(term, prefix) {
			break
		}
		if term != prefix {
			out = append(out, term)
		}
	}
	return out
}

func (idx *Index) substringBonus(q string, di int) float64 {
	d := &idx.docs[di]
	var bonus float64
	switch {
	case strings.HasPrefix(d.url, q):
		bonus += idx.params.URLPrefixBonus
	case strings.Contains(d.url, q):
		bonus += idx.params.URLContainsBonus
	}
	switch {
	case strings.HasPrefix(d.title, q):
		bonus += idx.params.TitlePrefixBonus
	case strings.Contains(d.title, q):
		bonus += idx.params.TitleContainsBonus
	}
	return bonus
}

func toScores(idx *Index, raw map[int]float64) []Score {
	out := make([]Score, 0, len(raw))
	for di, v := range raw {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, Score{ID: idx.docs[di].id, Value: v})
	}
	return out
}
