package disintegrate

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// IDENTIFIER FILTERS
// =============================================================================

// Filter is a boolean expression over domain-identifier equalities. A nil
// Filter matches every event. Filters are opaque to consumers; they are
// built via Eq, And and Or.
type Filter interface {
	// isFilter is a marker method to keep the implementations internal.
	isFilter()

	// MatchesIdentifiers evaluates the expression against an event's
	// identifier mapping. An identifier the event does not carry fails its
	// equality clause.
	MatchesIdentifiers(ids map[string]string) bool
}

type eqFilter struct {
	Name  string
	Value string
}

type andFilter struct {
	Children []Filter
}

type orFilter struct {
	Children []Filter
}

func (eqFilter) isFilter()  {}
func (andFilter) isFilter() {}
func (orFilter) isFilter()  {}

func (f eqFilter) MatchesIdentifiers(ids map[string]string) bool {
	v, ok := ids[f.Name]
	return ok && v == f.Value
}

func (f andFilter) MatchesIdentifiers(ids map[string]string) bool {
	for _, c := range f.Children {
		if !matchesFilter(c, ids) {
			return false
		}
	}
	return true
}

func (f orFilter) MatchesIdentifiers(ids map[string]string) bool {
	for _, c := range f.Children {
		if matchesFilter(c, ids) {
			return true
		}
	}
	return len(f.Children) == 0
}

func matchesFilter(f Filter, ids map[string]string) bool {
	if f == nil {
		return true
	}
	return f.MatchesIdentifiers(ids)
}

// Eq builds an identifier equality clause.
func Eq(name, value string) Filter {
	return eqFilter{Name: name, Value: value}
}

// And combines filters conjunctively. Nil children are dropped; an empty
// conjunction matches everything.
func And(filters ...Filter) Filter {
	kept := dropNilFilters(filters)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return andFilter{Children: kept}
}

// Or combines filters disjunctively. Nil children are dropped; an empty
// disjunction matches everything.
func Or(filters ...Filter) Filter {
	kept := dropNilFilters(filters)
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return orFilter{Children: kept}
}

func dropNilFilters(filters []Filter) []Filter {
	kept := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			kept = append(kept, f)
		}
	}
	return kept
}

// canonicalFilter flattens nested conjunctions/disjunctions, canonicalizes
// children, sorts them by their encoded form and removes duplicates. Two
// filters with the same meaning under the algebra's laws share one
// canonical form.
func canonicalFilter(f Filter) Filter {
	switch f := f.(type) {
	case andFilter:
		return rebuildCompound(f.Children, true)
	case orFilter:
		return rebuildCompound(f.Children, false)
	default:
		return f
	}
}

func rebuildCompound(children []Filter, conjunction bool) Filter {
	flat := make([]Filter, 0, len(children))
	for _, c := range children {
		c = canonicalFilter(c)
		if c == nil {
			continue
		}
		switch cc := c.(type) {
		case andFilter:
			if conjunction {
				flat = append(flat, cc.Children...)
				continue
			}
		case orFilter:
			if !conjunction {
				flat = append(flat, cc.Children...)
				continue
			}
		}
		flat = append(flat, c)
	}
	sort.Slice(flat, func(i, j int) bool {
		return encodeFilter(flat[i]) < encodeFilter(flat[j])
	})
	deduped := flat[:0]
	var prev string
	for i, c := range flat {
		enc := encodeFilter(c)
		if i > 0 && enc == prev {
			continue
		}
		deduped = append(deduped, c)
		prev = enc
	}
	switch len(deduped) {
	case 0:
		return nil
	case 1:
		return deduped[0]
	}
	if conjunction {
		return andFilter{Children: deduped}
	}
	return orFilter{Children: deduped}
}

// encodeFilter renders a filter deterministically. Only call it on
// canonical filters when the output feeds a fingerprint.
func encodeFilter(f Filter) string {
	switch f := f.(type) {
	case nil:
		return "all"
	case eqFilter:
		return fmt.Sprintf("eq(%q=%q)", f.Name, f.Value)
	case andFilter:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = encodeFilter(c)
		}
		return "and(" + strings.Join(parts, ",") + ")"
	case orFilter:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = encodeFilter(c)
		}
		return "or(" + strings.Join(parts, ",") + ")"
	default:
		return "all"
	}
}

// =============================================================================
// STREAM QUERIES
// =============================================================================

// StreamQuery selects events from the global log. A query is a pure value:
// matching is side-effect free and two queries with equal normalized forms
// share the same fingerprint. Queries are built from stream origins and
// combined with Union and Exclude.
type StreamQuery interface {
	// isStreamQuery is a marker method to keep the implementations internal.
	isStreamQuery()

	// Types returns the finite set of type tags a matching event could
	// possibly carry, in sorted order. The store uses it as a pre-filter.
	Types() []string

	// Matches reports whether the event satisfies the query's predicate.
	Matches(event Event) bool
}

type originQuery struct {
	Stream Stream
	Filter Filter
}

type unionQuery struct {
	Children []StreamQuery
}

type excludeQuery struct {
	Base     StreamQuery
	Excluded []string
}

func (originQuery) isStreamQuery()  {}
func (unionQuery) isStreamQuery()   {}
func (excludeQuery) isStreamQuery() {}

// QueryStream originates a query from a stream, optionally constrained by
// an identifier filter. A nil filter selects every event of the stream's
// declared variants.
func QueryStream(stream Stream, filter Filter) StreamQuery {
	return originQuery{Stream: stream, Filter: filter}
}

// Union combines sub-queries; an event matches if it matches any child.
// Union is associative, commutative and idempotent.
func Union(queries ...StreamQuery) StreamQuery {
	kept := make([]StreamQuery, 0, len(queries))
	for _, q := range queries {
		if q != nil {
			kept = append(kept, q)
		}
	}
	if len(kept) == 1 {
		return kept[0]
	}
	return unionQuery{Children: kept}
}

// Exclude removes type tags from a query: the result matches whatever base
// matches, minus events whose type tag is excluded.
func Exclude(base StreamQuery, types ...string) StreamQuery {
	return excludeQuery{Base: base, Excluded: append([]string(nil), types...)}
}

func (q originQuery) Types() []string {
	return q.Stream.Types()
}

func (q unionQuery) Types() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, c := range q.Children {
		for _, t := range c.Types() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

func (q excludeQuery) Types() []string {
	excluded := make(map[string]struct{}, len(q.Excluded))
	for _, t := range q.Excluded {
		excluded[t] = struct{}{}
	}
	var out []string
	for _, t := range q.Base.Types() {
		if _, ok := excluded[t]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (q originQuery) Matches(event Event) bool {
	return q.Stream.Contains(event.Type) && matchesFilter(q.Filter, event.DomainIdentifiers)
}

func (q unionQuery) Matches(event Event) bool {
	for _, c := range q.Children {
		if c.Matches(event) {
			return true
		}
	}
	return false
}

func (q excludeQuery) Matches(event Event) bool {
	for _, t := range q.Excluded {
		if event.Type == t {
			return false
		}
	}
	return q.Base.Matches(event)
}

// =============================================================================
// NORMAL FORM
// =============================================================================

// normalItem is one origin of a query's canonical union-of-origins form.
type normalItem struct {
	Types  []string // sorted, non-empty
	Filter Filter   // canonical; nil means unconstrained
}

// normalize reduces a query to its canonical form. Excludes are pushed down
// into each origin's type set, unions are flattened, items are sorted by
// their encoded form and duplicates removed, and items whose type set
// emptied out are dropped. Exclusion composes by set union and distributes
// over Union; Union is associative, commutative and idempotent under
// flatten-sort-dedupe.
func normalize(q StreamQuery) []normalItem {
	items := collectItems(q, nil)
	sort.Slice(items, func(i, j int) bool {
		return encodeItem(items[i]) < encodeItem(items[j])
	})
	deduped := items[:0]
	var prev string
	for i, it := range items {
		enc := encodeItem(it)
		if i > 0 && enc == prev {
			continue
		}
		deduped = append(deduped, it)
		prev = enc
	}
	return deduped
}

func collectItems(q StreamQuery, excluded map[string]struct{}) []normalItem {
	switch q := q.(type) {
	case originQuery:
		types := make([]string, 0, len(q.Stream.types))
		for _, t := range q.Stream.types {
			if _, ok := excluded[t]; !ok {
				types = append(types, t)
			}
		}
		if len(types) == 0 {
			return nil
		}
		return []normalItem{{Types: types, Filter: canonicalFilter(q.Filter)}}
	case unionQuery:
		var out []normalItem
		for _, c := range q.Children {
			out = append(out, collectItems(c, excluded)...)
		}
		return out
	case excludeQuery:
		merged := make(map[string]struct{}, len(excluded)+len(q.Excluded))
		for t := range excluded {
			merged[t] = struct{}{}
		}
		for _, t := range q.Excluded {
			merged[t] = struct{}{}
		}
		return collectItems(q.Base, merged)
	default:
		return nil
	}
}

func encodeItem(it normalItem) string {
	quoted := make([]string, len(it.Types))
	for i, t := range it.Types {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return "origin(types=[" + strings.Join(quoted, ",") + "],filter=" + encodeFilter(it.Filter) + ")"
}

// CanonicalForm returns the deterministic textual encoding of the query's
// normal form. It is stable across processes and versions; fingerprints are
// hashes over this exact byte form.
func CanonicalForm(q StreamQuery) string {
	items := normalize(q)
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = encodeItem(it)
	}
	return strings.Join(parts, "|")
}

// QueriesEqual reports whether two queries have equal normalized forms.
func QueriesEqual(a, b StreamQuery) bool {
	return CanonicalForm(a) == CanonicalForm(b)
}
