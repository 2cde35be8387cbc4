package storage

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Row is one warehouse row keyed by target column name.
type Row = map[string]any

// fallbackColumns covers the tables the warehouse ships with, for the case
// where catalog introspection is unavailable or returns nothing. Order
// matches the production DDL.
var fallbackColumns = map[string][]string{
	"Leden":                           {"Id", "Voornaam", "Achternaam", "Email", "Telefoon", "Actief", "AangemaaktOp", "DatumLaatsteUpdate"},
	"Lessen":                          {"Id", "Naam", "StartTijd", "EindTijd", "LocatieId", "TrainerId", "MaxAantal", "DatumLaatsteUpdate"},
	"LesDeelname":                     {"LesId", "LedenId", "Status", "DatumLaatsteUpdate"},
	"ActieveAbonnementen":             {"LedenId", "AbonnementId", "AbonnementNaam", "Status", "DatumLaatsteUpdate"},
	"Abonnementen":                    {"Id", "Naam", "Type", "Bedrag", "Actief", "Terugkerend", "DatumLaatsteUpdate"},
	"OpenstaandeFacturen":             {"Id", "LedenId", "FactuurDatum", "VervalDatum", "Bedrag", "Status", "DatumLaatsteUpdate"},
	"Facturen":                        {"Id", "LedenId", "FactuurDatum", "Bedrag", "Status", "DatumLaatsteUpdate"},
	"AbonnementStatistieken":          {"Datum", "DatumWeergave", "Categorie", "Type", "Aantal", "DatumLaatsteUpdate"},
	"AbonnementStatistiekenSpecifiek": {"Datum", "DatumWeergave", "Categorie", "Type", "Aantal", "AbonnementId", "DatumLaatsteUpdate"},
	"Omzet":                           {"Datum", "GrootboekRekeningId", "Type", "Omzet", "DatumLaatsteUpdate"},
	"GrootboekRekening":               {"Id", "Sleutel", "Label", "DatumLaatsteUpdate"},
	"Uitbetalingen":                   {"UitbetalingID", "Datum", "Betalingen", "Chargebacks", "Refunds", "NettoBedrag", "BrutoBedrag", "ChargebackBedrag", "RefundBedrag", "CommissieBedrag", "Status", "DatumLaatsteUpdate"},
	"ProductVerkopen":                 {"Id", "ProductID", "Datum", "ProductNaam", "Aantal", "Omzet", "DatumLaatsteUpdate"},
	"PersonalTraining":                {"Id", "LedenId", "TrainerId", "Datum", "Aantal", "DatumLaatsteUpdate"},
}

// defaultForColumn picks a type-appropriate filler for a column a row does
// not carry, going by the warehouse naming conventions.
func defaultForColumn(column string, now time.Time) any {
	switch {
	case column == "Actief" || column == "Terugkerend":
		return false
	case strings.HasSuffix(column, "Id"):
		return ""
	case strings.HasSuffix(column, "Aantal"):
		return int64(0)
	case strings.HasSuffix(column, "Bedrag"):
		return 0.0
	case strings.HasSuffix(column, "Op") || strings.HasSuffix(column, "Tijd"):
		return now
	default:
		return ""
	}
}

// reconcileRows shapes rows to the table's catalog columns: values for
// columns the table does not have are dropped, columns the rows do not
// carry are filled with defaults, and the output value order follows the
// catalog order exactly.
func reconcileRows(table string, catalog []string, rows []Row, now time.Time) [][]any {
	dropped := map[string]bool{}
	known := make(map[string]bool, len(catalog))
	for _, c := range catalog {
		known[c] = true
	}

	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		values := make([]any, len(catalog))
		for i, col := range catalog {
			if v, ok := row[col]; ok {
				values[i] = v
				continue
			}
			values[i] = defaultForColumn(col, now)
		}
		for col := range row {
			if !known[col] && !dropped[col] {
				dropped[col] = true
				log.Warn().Str("table", table).Str("column", col).Msg("column not in catalog, values dropped")
			}
		}
		out = append(out, values)
	}
	return out
}
