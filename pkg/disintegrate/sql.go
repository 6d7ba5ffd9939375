package disintegrate

import (
	"fmt"
	"strings"
)

// buildQueryPredicate renders a stream query as a SQL predicate over the
// event_type and domain_identifiers columns, shared by the log scan and the
// reservation-table invalidation. Arguments are appended to args; the
// returned fragment references them positionally. A query whose normal form
// is empty yields FALSE.
func buildQueryPredicate(q StreamQuery, args *[]any) string {
	items := normalize(q)
	if len(items) == 0 {
		return "FALSE"
	}
	orConditions := make([]string, 0, len(items))
	for _, item := range items {
		*args = append(*args, item.Types)
		cond := fmt.Sprintf("event_type = ANY($%d::text[])", len(*args))
		if item.Filter != nil {
			cond += " AND " + buildFilterPredicate(item.Filter, args)
		}
		orConditions = append(orConditions, "("+cond+")")
	}
	return "(" + strings.Join(orConditions, " OR ") + ")"
}

func buildFilterPredicate(f Filter, args *[]any) string {
	switch f := f.(type) {
	case eqFilter:
		*args = append(*args, f.Name)
		nameArg := len(*args)
		*args = append(*args, f.Value)
		valueArg := len(*args)
		return fmt.Sprintf("domain_identifiers->>$%d::text = $%d", nameArg, valueArg)
	case andFilter:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = buildFilterPredicate(c, args)
		}
		return "(" + strings.Join(parts, " AND ") + ")"
	case orFilter:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = buildFilterPredicate(c, args)
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	default:
		return "TRUE"
	}
}
