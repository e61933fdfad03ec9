// Command replay prints deterministic oracle prices or candles for any
// asset at any moment, without a running engine.
//
//	replay -asset c1 -at 2026-01-02T15:04:05Z
//	replay -asset fx-0 -tf 1m -count 10 -regime VOLATILE
//	replay -at 1767225600000            (every asset)
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/atmx/otc-engine/internal/candle"
	"github.com/atmx/otc-engine/internal/market"
	"github.com/atmx/otc-engine/internal/model"
	"github.com/atmx/otc-engine/internal/oracle"
	"github.com/atmx/otc-engine/internal/override"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, time.Now()); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, now time.Time) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(out)
	assetID := fs.String("asset", "", "asset id (default: every asset)")
	at := fs.String("at", "", "RFC 3339 time or unix milliseconds (default: now)")
	tf := fs.String("tf", "", "print candles for this timeframe instead of a price")
	count := fs.Int("count", 20, "closed candles to print with -tf")
	regime := fs.String("regime", "", "force a regime: UP, DOWN, VOLATILE, RANGING")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ts, err := parseTime(*at, now)
	if err != nil {
		return err
	}

	catalog := market.DefaultCatalog()
	assets := catalog
	if *assetID != "" {
		assets = nil
		for _, a := range catalog {
			if a.ID == *assetID {
				assets = append(assets, a)
			}
		}
		if len(assets) == 0 {
			return fmt.Errorf("%w: %s", market.ErrAssetNotFound, *assetID)
		}
	}

	reg := override.NewRegistry()
	if *regime != "" {
		r, err := model.ParseRegime(*regime)
		if err != nil {
			return err
		}
		for _, a := range assets {
			if err := reg.Set(a.ID, r); err != nil {
				return err
			}
		}
	}

	if *tf != "" {
		if len(assets) != 1 {
			return errors.New("-tf needs a single -asset")
		}
		return printCandles(out, reg, assets[0], ts, *tf, *count)
	}
	return printPrices(out, reg, assets, ts)
}

func parseTime(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("-at: want RFC 3339 or unix milliseconds, got %q", s)
	}
	return t, nil
}

func printPrices(out io.Writer, reg *override.Registry, assets []model.Asset, ts time.Time) error {
	fmt.Fprintf(out, "Prices at %s (%d ms)\n", ts.UTC().Format(time.RFC3339Nano), ts.UnixMilli())

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Symbol", "Regime", "Base", "Price", "Change %")
	for _, a := range assets {
		forced := reg.Regime(a.ID)
		price := oracle.Evaluate(a.ID, ts.UnixMilli(), a.BasePrice, forced)
		if err := table.Append(
			a.ID,
			a.Symbol,
			string(oracle.ResolveRegime(a.ID, forced)),
			formatPrice(a.BasePrice),
			formatPrice(price),
			fmt.Sprintf("%+.3f", (price-a.BasePrice)/a.BasePrice*100),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func printCandles(out io.Writer, reg *override.Registry, asset model.Asset, ts time.Time, tf string, count int) error {
	period, err := candle.ParseTimeFrame(tf)
	if err != nil {
		return err
	}
	price := oracle.Evaluate(asset.ID, ts.UnixMilli(), asset.BasePrice, reg.Regime(asset.ID))

	fmt.Fprintf(out, "%s %s candles up to %s\n", asset.Symbol, tf, ts.UTC().Format(time.RFC3339))

	table := tablewriter.NewWriter(out)
	table.Header("Time", "Open", "High", "Low", "Close", "")
	for c := range candle.NewAssembler(reg).Series(asset, ts, period, count, price) {
		mark := "▼"
		if c.Up() {
			mark = "▲"
		}
		if c.Live {
			mark += " live"
		}
		if err := table.Append(
			c.Time.UTC().Format("2006-01-02 15:04:05"),
			formatPrice(c.Open),
			formatPrice(c.High),
			formatPrice(c.Low),
			formatPrice(c.Close),
			mark,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatPrice(p float64) string {
	if p < 10 {
		return strconv.FormatFloat(p, 'f', 5, 64)
	}
	return strconv.FormatFloat(p, 'f', 2, 64)
}
