package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"haggle/config"
	"haggle/indexer"
	"haggle/integrations/exports"
)

// runExport writes settled negotiations from the indexer as CSV or parquet.
func runExport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export-settlements", flag.ContinueOnError)
	configFile := fs.String("config", "./config.toml", "Path to the configuration file")
	since := fs.String("since", "", "Only include settlements at or after this time (RFC3339 or unix seconds)")
	format := fs.String("format", "csv", "Output format: csv or parquet")
	out := fs.String("out", "", "Output file (csv defaults to stdout; required for parquet)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cutoff, err := parseSince(*since)
	if err != nil {
		return err
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Indexer.Enabled {
		return errors.New("indexer disabled in configuration")
	}
	store, err := indexer.Open(cfg.Indexer.Driver, indexerDSN(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	return exportSettlements(context.Background(), store, cutoff, *format, *out, stdout)
}

type settlementSource interface {
	Settlements(ctx context.Context, since int64) ([]indexer.NegotiationSummary, error)
}

func exportSettlements(ctx context.Context, store settlementSource, since int64, format, out string, stdout io.Writer) error {
	rows, err := store.Settlements(ctx, since)
	if err != nil {
		return fmt.Errorf("query settlements: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		data, checksum, err := exports.SettlementsCSV(rows)
		if err != nil {
			return err
		}
		if out == "" {
			_, err = stdout.Write(data)
			return err
		}
		if err := os.WriteFile(out, data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %d settlements to %s (sha256 %s)\n", len(rows), out, checksum)
		return nil
	case "parquet":
		if out == "" {
			return errors.New("parquet export requires -out")
		}
		if err := exports.SettlementsParquet(out, rows); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %d settlements to %s\n", len(rows), out)
		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

func parseSince(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return secs, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("invalid -since %q: use RFC3339 or unix seconds", raw)
	}
	return ts.Unix(), nil
}
