package transform

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Warehouse display names. The API speaks English enums, the reports are
// Dutch.
var paymentTypeNames = map[string]string{
	"ONCE":            "Eenmalig",
	"PERIODIC":        "Periodiek",
	"PERIODIC_CUSTOM": "Periodiek_Aangepast",
}

var categoryNames = map[string]string{
	"new":         "Nieuw",
	"paused":      "Gepauzeerd",
	"active":      "Actief",
	"expirations": "Verlopen",
	"expired":     "Verlopen",
}

func paymentTypeName(apiType string) string {
	if n, ok := paymentTypeNames[apiType]; ok {
		return n
	}
	return "Onbekend"
}

func categoryName(apiCategory string) string {
	if n, ok := categoryNames[apiCategory]; ok {
		return n
	}
	return "Onbekend"
}

// displayDate renders the Dutch dd-mm-yyyy form used by the reporting
// sheets.
func displayDate(d time.Time) string {
	return d.Format("02-01-2006")
}

type analyticsKey struct {
	date     string
	category string
	payType  string
}

// AnalyticsData aggregates subscription-statistics responses into daily
// counts. Each raw record carries parallel labels (dates) and series[0].data
// (counts); counts for the same date, category, and mapped payment type are
// summed across records. Records whose label and data lengths disagree are
// truncated to the shorter side.
func (t *Transformer) AnalyticsData(records []Record) ([]Row, error) {
	sums := map[analyticsKey]int64{}
	for i, rec := range records {
		labels, data, err := seriesOf(rec)
		if err != nil {
			log.Warn().Err(err).Int("record", i).Msg("analytics record skipped")
			continue
		}
		category := categoryName(stringField(rec, "endpoint_category"))
		payType := paymentTypeName(stringField(rec, "payment_type_filter"))
		n := len(labels)
		if len(data) < n {
			n = len(data)
		}
		for j := 0; j < n; j++ {
			sums[analyticsKey{date: labels[j], category: category, payType: payType}] += int64(data[j])
		}
	}
	return analyticsRows(sums)
}

type specificKey struct {
	analyticsKey
	membershipID string
}

// AnalyticsSpecificData is the per-subscription variant: the same
// aggregation additionally keyed by the membership the record was fetched
// for. Some WEEK-granularity responses label points with week offsets
// instead of dates; when a label does not parse as a date, the
// subscription's start_date_context stands in for it.
func (t *Transformer) AnalyticsSpecificData(records []Record) ([]Row, error) {
	sums := map[specificKey]int64{}
	for i, rec := range records {
		labels, data, err := seriesOf(rec)
		if err != nil {
			log.Warn().Err(err).Int("record", i).Msg("analytics record skipped")
			continue
		}
		membershipID := stringField(rec, "membership_id")
		category := categoryName(stringField(rec, "endpoint_category"))
		payType := paymentTypeName(stringField(rec, "payment_type_filter"))
		week := stringField(rec, "granularity") == "WEEK"
		n := len(labels)
		if len(data) < n {
			n = len(data)
		}
		for j := 0; j < n; j++ {
			label := labels[j]
			if _, err := ParseDateString(label); err != nil && week {
				if fallback := stringField(rec, "start_date_context"); fallback != "" {
					label = fallback
				}
			}
			key := specificKey{
				analyticsKey: analyticsKey{date: label, category: category, payType: payType},
				membershipID: membershipID,
			}
			sums[key] += int64(data[j])
		}
	}

	keys := make([]specificKey, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.date != b.date {
			return a.date < b.date
		}
		if a.membershipID != b.membershipID {
			return a.membershipID < b.membershipID
		}
		if a.category != b.category {
			return a.category < b.category
		}
		return a.payType < b.payType
	})

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		d, err := ParseDateString(k.date)
		if err != nil {
			log.Warn().Str("label", k.date).Msg("analytics label is not a date, group dropped")
			continue
		}
		rows = append(rows, Row{
			"Datum":         d,
			"DatumWeergave": displayDate(d),
			"Categorie":     k.category,
			"Type":          k.payType,
			"Aantal":        sums[k],
			"AbonnementId":  k.membershipID,
		})
	}
	return rows, nil
}

// analyticsRows materializes aggregated counts as warehouse rows in a
// deterministic order. Unparseable date labels drop their group with a log
// line rather than failing the batch.
func analyticsRows(sums map[analyticsKey]int64) ([]Row, error) {
	keys := make([]analyticsKey, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		if keys[i].category != keys[j].category {
			return keys[i].category < keys[j].category
		}
		return keys[i].payType < keys[j].payType
	})

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		d, err := ParseDateString(k.date)
		if err != nil {
			log.Warn().Str("label", k.date).Msg("analytics label is not a date, group dropped")
			continue
		}
		rows = append(rows, Row{
			"Datum":         d,
			"DatumWeergave": displayDate(d),
			"Categorie":     k.category,
			"Type":          k.payType,
			"Aantal":        sums[k],
		})
	}
	return rows, nil
}

// seriesOf pulls the parallel labels and first-series data out of one
// analytics response record.
func seriesOf(rec Record) ([]string, []float64, error) {
	rawLabels, ok := rec["labels"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("no labels array")
	}
	series, ok := rec["series"].([]any)
	if !ok || len(series) == 0 {
		return nil, nil, fmt.Errorf("no series")
	}
	first, ok := series[0].(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("series[0] is not an object")
	}
	rawData, ok := first["data"].([]any)
	if !ok {
		return nil, nil, fmt.Errorf("series[0] has no data array")
	}

	labels := make([]string, 0, len(rawLabels))
	for _, l := range rawLabels {
		labels = append(labels, fmt.Sprint(l))
	}
	data := make([]float64, 0, len(rawData))
	for _, d := range rawData {
		f, ok := d.(float64)
		if !ok {
			f = 0
		}
		data = append(data, f)
	}
	return labels, data, nil
}

func stringField(rec Record, key string) string {
	s, _ := rec[key].(string)
	return s
}
