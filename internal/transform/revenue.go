package transform

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// RevenueData splits revenue-report responses into the two tables they
// feed: one Omzet row per dailyRevenue entry and one GrootboekRekening row
// per ledger account. Both tables load from the same extraction so the
// ledger keys referenced by revenue rows always arrive together.
func (t *Transformer) RevenueData(records []Record) (omzet, ledger []Row, err error) {
	seenLedger := map[string]bool{}
	for i, rec := range records {
		daily, _ := rec["dailyRevenue"].([]any)
		for _, item := range daily {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			d, err := parseDate(entry["date"])
			if err != nil || d == nil {
				log.Warn().Int("record", i).Interface("date", entry["date"]).Msg("revenue entry without usable date skipped")
				continue
			}
			if entry["revenue"] == nil {
				log.Warn().Int("record", i).Msg("revenue entry without amount skipped")
				continue
			}
			amount, err := toDecimal(entry["revenue"])
			if err != nil {
				log.Warn().Err(err).Int("record", i).Msg("revenue entry with bad amount skipped")
				continue
			}
			omzet = append(omzet, Row{
				"Datum":               d,
				"GrootboekRekeningId": fmt.Sprint(entry["ledgerAccountId"]),
				"Type":                stringField(entry, "type"),
				"Omzet":               amount,
				"DatumLaatsteUpdate":  t.now(),
			})
		}

		accounts, _ := rec["ledgerAccounts"].([]any)
		for _, item := range accounts {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			id := fmt.Sprint(entry["id"])
			if id == "" || id == "<nil>" || seenLedger[id] {
				continue
			}
			seenLedger[id] = true
			ledger = append(ledger, Row{
				"Id":                 id,
				"Sleutel":            stringField(entry, "key"),
				"Label":              stringField(entry, "label"),
				"DatumLaatsteUpdate": t.now(),
			})
		}
	}
	return omzet, ledger, nil
}

// ActiveMemberships projects raw member records onto (member, subscription)
// link rows. The activeMemberships entries come back either as bare id
// strings or as objects carrying id, name, and status; bare ids leave the
// name empty and the status UNKNOWN. The first occurrence of a pair wins.
func (t *Transformer) ActiveMemberships(members []Record) []Row {
	type link struct{ member, subscription string }
	seen := map[link]bool{}
	var rows []Row
	for _, rec := range members {
		memberID := fmt.Sprint(rec["id"])
		if memberID == "" || memberID == "<nil>" {
			continue
		}
		entries, _ := rec["activeMemberships"].([]any)
		for _, e := range entries {
			var subID, name, status string
			switch m := e.(type) {
			case string:
				subID = m
				status = "UNKNOWN"
			case map[string]any:
				subID = fmt.Sprint(m["id"])
				name = stringField(m, "name")
				if status = stringField(m, "status"); status == "" {
					status = "UNKNOWN"
				}
			default:
				log.Warn().Str("member", memberID).Interface("membership", e).Msg("membership entry of unexpected shape skipped")
				continue
			}
			if subID == "" || subID == "<nil>" {
				continue
			}
			pair := link{member: memberID, subscription: subID}
			if seen[pair] {
				continue
			}
			seen[pair] = true
			rows = append(rows, Row{
				"LedenId":            memberID,
				"AbonnementId":       subID,
				"AbonnementNaam":     name,
				"Status":             status,
				"DatumLaatsteUpdate": t.now(),
			})
		}
	}
	return rows
}

// PayoutsData maps payout records onto Uitbetalingen rows. Each record
// nests a payout object whose summary carries the counts and amounts; a
// record without a payout id or a parseable payout date is skipped.
func (t *Transformer) PayoutsData(records []Record) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		payout, _ := rec["payout"].(map[string]any)
		if payout == nil {
			log.Warn().Int("record", i).Msg("record without payout object skipped")
			continue
		}
		id := fmt.Sprint(payout["id"])
		if id == "" || id == "<nil>" {
			log.Warn().Int("record", i).Msg("payout without id skipped")
			continue
		}
		d, err := toISODatetime(payout["date"])
		if err != nil || d == nil {
			log.Warn().Err(err).Int("record", i).Msg("payout without usable date skipped")
			continue
		}
		summary, _ := payout["summary"].(map[string]any)

		row := Row{
			"UitbetalingID":      id,
			"Datum":              d,
			"Status":             stringField(payout, "status"),
			"DatumLaatsteUpdate": t.now(),
		}
		counts := map[string]string{
			"Betalingen":  "paymentCount",
			"Chargebacks": "chargebackCount",
			"Refunds":     "refundCount",
		}
		for column, field := range counts {
			n, err := toInt(summary[field])
			if err != nil {
				return nil, fmt.Errorf("transform: payout %d: %s: %w", i, field, err)
			}
			row[column] = n
		}
		amounts := map[string]string{
			"NettoBedrag":      "totalNetAmount",
			"BrutoBedrag":      "totalGrossAmount",
			"ChargebackBedrag": "totalChargebackAmount",
			"RefundBedrag":     "totalRefundAmount",
			"CommissieBedrag":  "totalCommissionFeeAmount",
		}
		for column, field := range amounts {
			amount, err := toDecimal(summary[field])
			if err != nil {
				return nil, fmt.Errorf("transform: payout %d: %s: %w", i, field, err)
			}
			row[column] = amount
		}
		rows = append(rows, row)
	}
	return rows, nil
}
