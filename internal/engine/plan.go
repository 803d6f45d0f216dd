// Package engine drives the trade plan through its lifecycle: scheduled
// entries, fill confirmation, scheduled exits, and the daily summary.
package engine

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"saxo-fx-bot/pkg/types"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

var sideNames = map[string]types.Side{
	"buy":   types.Buy,
	"long":  types.Buy,
	"sell":  types.Sell,
	"short": types.Sell,
}

// LoadPlan reads the trade plan CSV and returns the trades eligible for the
// given day, sorted by entry time. Columns (header row required):
// id, pair, side, lot, entry, exit[, weekdays]. A trade whose weekday list
// excludes the day's weekday is filtered out; an empty list means every day.
func LoadPlan(path string, day time.Time) ([]*types.Trade, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("plan %s is empty", path)
	}

	cols := make(map[string]int, len(records[0]))
	for i, name := range records[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "pair", "side", "lot", "entry", "exit"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("plan %s: missing column %q", path, required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var trades []*types.Trade
	for line, row := range records[1:] {
		t, err := parsePlanRow(field, row)
		if err != nil {
			return nil, fmt.Errorf("plan %s line %d: %w", path, line+2, err)
		}
		if !tradesOn(t, day.Weekday()) {
			continue
		}
		trades = append(trades, t)
	}

	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Entry < trades[j].Entry
	})
	return trades, nil
}

func parsePlanRow(field func([]string, string) string, row []string) (*types.Trade, error) {
	id, err := strconv.Atoi(field(row, "id"))
	if err != nil {
		return nil, fmt.Errorf("bad id %q", field(row, "id"))
	}

	side, ok := sideNames[strings.ToLower(field(row, "side"))]
	if !ok {
		return nil, fmt.Errorf("bad side %q", field(row, "side"))
	}

	lot, err := decimal.NewFromString(field(row, "lot"))
	if err != nil || lot.IsNegative() || lot.IsZero() {
		return nil, fmt.Errorf("bad lot %q", field(row, "lot"))
	}

	entry, exit := field(row, "entry"), field(row, "exit")
	if !clockValid(entry) {
		return nil, fmt.Errorf("bad entry time %q", entry)
	}
	if !clockValid(exit) {
		return nil, fmt.Errorf("bad exit time %q", exit)
	}
	if exit <= entry {
		return nil, fmt.Errorf("exit %q not after entry %q", exit, entry)
	}

	weekdays, err := parseWeekdays(field(row, "weekdays"))
	if err != nil {
		return nil, err
	}

	return &types.Trade{
		ID:       id,
		Pair:     types.NormalizePair(field(row, "pair")),
		Side:     side,
		LotSize:  lot,
		Entry:    entry,
		Exit:     exit,
		Weekdays: weekdays,
		Status:   types.StatusPending,
	}, nil
}

func clockValid(s string) bool {
	switch len(s) {
	case len("15:04"):
		_, err := time.Parse("15:04", s)
		return err == nil
	case len("15:04:05"):
		_, err := time.Parse("15:04:05", s)
		return err == nil
	}
	return false
}

func parseWeekdays(s string) ([]time.Weekday, error) {
	if s == "" {
		return nil, nil
	}
	tokens := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == '|' || r == '/' || r == ',' || r == ' '
	})
	var days []time.Weekday
	for _, tok := range tokens {
		day, ok := weekdayNames[strings.ToLower(tok)]
		if !ok {
			return nil, fmt.Errorf("bad weekday %q", tok)
		}
		days = append(days, day)
	}
	return days, nil
}

func tradesOn(t *types.Trade, day time.Weekday) bool {
	if len(t.Weekdays) == 0 {
		return true
	}
	for _, d := range t.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}
