// Package pipeline orchestrates per-table runs: dependency ordering,
// extract-transform-load per table, health gating, and historical period
// splitting.
package pipeline

import "sort"

// tableDependencies lists which tables must load before which. The
// relationships are structural (foreign keys and shared extractions), not
// configurable.
var tableDependencies = map[string][]string{
	"Leden":                           {},
	"Lessen":                          {},
	"Abonnementen":                    {},
	"GrootboekRekening":               {},
	"AbonnementStatistieken":          {},
	"Facturen":                        {},
	"OpenstaandeFacturen":             {},
	"Uitbetalingen":                   {},
	"ProductVerkopen":                 {},
	"PersonalTraining":                {},
	"ActieveAbonnementen":             {"Leden"},
	"Omzet":                           {"GrootboekRekening"},
	"LesDeelname":                     {"Lessen"},
	"AbonnementStatistiekenSpecifiek": {"Abonnementen"},
}

// Dependencies returns the tables that must precede the given table.
func Dependencies(table string) []string {
	return tableDependencies[table]
}

// Known reports whether the table is orderable.
func Known(table string) bool {
	_, ok := tableDependencies[table]
	return ok
}

// KnownTables lists every orderable table, sorted.
func KnownTables() []string {
	out := make([]string, 0, len(tableDependencies))
	for t := range tableDependencies {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ProcessingOrder orders the requested tables so prerequisites come first.
// A prerequisite that was not requested is not pulled in; the caller asked
// for a subset and gets exactly that subset.
func ProcessingOrder(requested []string) []string {
	inRequest := make(map[string]bool, len(requested))
	for _, t := range requested {
		inRequest[t] = true
	}
	visited := make(map[string]bool, len(requested))
	order := make([]string, 0, len(requested))

	var visit func(table string)
	visit = func(table string) {
		if visited[table] {
			return
		}
		visited[table] = true
		for _, dep := range tableDependencies[table] {
			if inRequest[dep] {
				visit(dep)
			}
		}
		order = append(order, table)
	}
	for _, t := range requested {
		visit(t)
	}
	return order
}
