package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"bandgrid/internal/core"
	"bandgrid/internal/store"
)

// SymbolStats summarises the completed bands of one symbol.
type SymbolStats struct {
	Symbol    string
	Completed int
	PerDay    decimal.Decimal
	Realized  decimal.Decimal
	Quote     string
	AvgProfit decimal.Decimal
}

// Summary covers every completed band. The observed window runs from the
// first to the last buy submission; PerDay stays zero when the window is
// shorter than a second.
type Summary struct {
	Start   time.Time
	End     time.Time
	Days    decimal.Decimal
	Total   int
	PerDay  decimal.Decimal
	Symbols []SymbolStats
}

// Build reads completed bands for the given symbols from the store. No
// symbols means every symbol in the store.
func Build(ctx context.Context, bands store.BandStore, symbols []string) (Summary, error) {
	if len(symbols) == 0 {
		symbols = []string{""}
	}
	var all []core.Band
	for _, sym := range symbols {
		rows, err := bands.ListByStatus(ctx, sym, core.BandCompleted)
		if err != nil {
			return Summary{}, fmt.Errorf("list completed %s: %w", sym, err)
		}
		all = append(all, rows...)
	}
	return Summarize(all), nil
}

// Summarize computes the statistics for an arbitrary set of completed bands.
func Summarize(completed []core.Band) Summary {
	var s Summary
	bySymbol := make(map[string]*SymbolStats)
	for _, b := range completed {
		if b.Status != core.BandCompleted {
			continue
		}
		at := submittedAt(b)
		if s.Total == 0 || at.Before(s.Start) {
			s.Start = at
		}
		if s.Total == 0 || at.After(s.End) {
			s.End = at
		}
		s.Total++

		st, ok := bySymbol[b.Symbol]
		if !ok {
			st = &SymbolStats{Symbol: b.Symbol, Quote: core.QuoteAsset(b.Symbol)}
			bySymbol[b.Symbol] = st
		}
		st.Completed++
		st.Realized = st.Realized.Add(b.RealizedQuote())
	}

	if span := s.End.Sub(s.Start); span >= time.Second {
		s.Days = decimal.NewFromFloat(span.Hours() / 24)
		s.PerDay = decimal.NewFromInt(int64(s.Total)).Div(s.Days)
	}
	for _, st := range bySymbol {
		st.AvgProfit = st.Realized.Div(decimal.NewFromInt(int64(st.Completed)))
		if s.Days.IsPositive() {
			st.PerDay = decimal.NewFromInt(int64(st.Completed)).Div(s.Days)
		}
		s.Symbols = append(s.Symbols, *st)
	}
	sort.Slice(s.Symbols, func(i, j int) bool {
		if s.Symbols[i].Completed != s.Symbols[j].Completed {
			return s.Symbols[i].Completed > s.Symbols[j].Completed
		}
		return s.Symbols[i].Symbol < s.Symbols[j].Symbol
	})
	return s
}

func submittedAt(b core.Band) time.Time {
	if b.BuySubmittedAt != nil {
		return *b.BuySubmittedAt
	}
	return b.CreatedAt
}

// Print writes the summary as an aligned table.
func Print(w io.Writer, s Summary) error {
	if s.Total == 0 {
		_, err := fmt.Fprintln(w, "no completed bands")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tCOMPLETED\tPER_24H\tREALIZED\tAVG_PROFIT")
	for _, st := range s.Symbols {
		perDay := "-"
		if s.Days.IsPositive() {
			perDay = st.PerDay.StringFixed(2)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s %s\t%s\n",
			st.Symbol, st.Completed, perDay, st.Realized.StringFixed(4), st.Quote, st.AvgProfit.StringFixed(4))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if !s.Days.IsPositive() {
		_, err := fmt.Fprintf(w, "\ntotal=%d window too short for a daily average\n", s.Total)
		return err
	}
	_, err := fmt.Fprintf(w, "\ntotal=%d window=%s..%s days=%s per_24h=%s\n",
		s.Total,
		s.Start.UTC().Format(time.RFC3339),
		s.End.UTC().Format(time.RFC3339),
		s.Days.StringFixed(2),
		s.PerDay.StringFixed(2),
	)
	return err
}
