package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ledgerline/reconcile/pkg/archive"
	"github.com/ledgerline/reconcile/pkg/config"
	"github.com/ledgerline/reconcile/pkg/ingest"
	"github.com/ledgerline/reconcile/pkg/rules"
	"github.com/ledgerline/reconcile/pkg/store"
)

// runImport ingests one CSV file without going through the HTTP surface.
// Useful for backfills and for testing mapping files.
func runImport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tenantID := fs.String("tenant", "", "tenant id (required)")
	mappingPath := fs.String("mapping", "", "path to the column-mapping JSON (required)")
	filePath := fs.String("file", "", "path to the CSV file (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenantID == "" || *mappingPath == "" || *filePath == "" {
		_, _ = fmt.Fprintln(stderr, "import requires -tenant, -mapping and -file")
		fs.Usage()
		return 2
	}

	rawMapping, err := os.ReadFile(*mappingPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "read mapping:", err)
		return 1
	}
	mapping, err := ingest.ParseMapping(rawMapping)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "parse mapping:", err)
		return 1
	}
	f, err := os.Open(*filePath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "open file:", err)
		return 1
	}
	defer f.Close()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	ctx := context.Background()

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "open store:", err)
		return 1
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "migrate:", err)
		return 1
	}
	blobs, err := archive.Open(ctx, cfg.ArchiveURL)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "open archive:", err)
		return 1
	}

	resolver, err := rules.NewResolver(nil, logger)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "build resolver:", err)
		return 1
	}

	importer := ingest.NewImporter(st, blobs, resolver, logger)
	batch, rowErrs, err := importer.Run(ctx, *tenantID, mapping, f, ingest.Options{
		Progress: func(p ingest.Progress) {
			_, _ = fmt.Fprintf(stdout, "processed %d  accepted %d  rejected %d  duplicates %d\n",
				p.Processed, p.Accepted, p.Rejected, p.Duplicates)
		},
	})
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "import:", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "batch %s: %s (%d rows, %d accepted, %d rejected, %d duplicates)\n",
		batch.ID, batch.Status, batch.TotalRows, batch.Accepted, batch.Rejected, batch.Duplicates)
	for _, re := range rowErrs {
		_, _ = fmt.Fprintf(stdout, "  row %d [%s] %s %q\n", re.Row, re.Code, re.Column, re.RawValue)
	}
	if batch.Status == store.ImportFailed {
		return 1
	}
	return 0
}
