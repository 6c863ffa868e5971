package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rpattn/imgexplorer/internal/api"
	"github.com/rpattn/imgexplorer/internal/catalog"
	"github.com/rpattn/imgexplorer/internal/domain"
)

func newCountsCommand(e *env) *cobra.Command {
	var request string
	var facetNames []string
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Print faceted counts for a filter set.",
		RunE: func(c *cobra.Command, args []string) error {
			var req api.CountsRequest
			if err := e.readRequest(request, &req); err != nil {
				return err
			}
			if len(facetNames) > 0 {
				req.Facets = facetNames
			}
			ctx := e.newContext()
			a, err := e.open(ctx, e.configPath, e.catalogFile)
			if err != nil {
				return err
			}
			defer a.Close()
			resp, err := a.Service.GetFacetedCounts(ctx, req)
			if err != nil {
				return err
			}
			return e.printJSON(resp)
		},
	}
	cmd.Flags().StringVarP(&request, "request", "r", "-", "JSON request file, - for stdin.")
	cmd.Flags().StringSliceVar(&facetNames, "facets", nil, "Facets to count; overrides the request.")
	return cmd
}

func newRecordsCommand(e *env) *cobra.Command {
	var request string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Print one page of matching records.",
		RunE: func(c *cobra.Command, args []string) error {
			var req api.RecordsRequest
			if err := e.readRequest(request, &req); err != nil {
				return err
			}
			ctx := e.newContext()
			a, err := e.open(ctx, e.configPath, e.catalogFile)
			if err != nil {
				return err
			}
			defer a.Close()
			page, err := a.Service.GetRecords(ctx, req)
			if err != nil {
				return err
			}
			return e.printJSON(page)
		},
	}
	cmd.Flags().StringVarP(&request, "request", "r", "-", "JSON request file, - for stdin.")
	return cmd
}

func newManifestCommand(e *env) *cobra.Command {
	var request, out string
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Build a manifest and write it to a file or stdout.",
		Long: `Builds a manifest for the request. Manifests above the configured row
threshold are handed to the job queue and the job descriptor is printed.`,
		RunE: func(c *cobra.Command, args []string) error {
			var req api.ManifestRequest
			if err := e.readRequest(request, &req); err != nil {
				return err
			}
			ctx := e.newContext()
			a, err := e.open(ctx, e.configPath, e.catalogFile)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Service.BuildManifest(ctx, req)
			if err != nil {
				return err
			}
			switch {
			case res.Notice != "":
				fmt.Fprintln(e.stderr, res.Notice)
				return nil
			case res.Future != nil:
				return e.printJSON(res.Future)
			}

			var w io.Writer = e.stdout
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create manifest file: %w", err)
				}
				defer f.Close()
				w = f
			}
			rows, err := res.Manifest.Write(ctx, w)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.stderr, "wrote %d of %d records\n", rows, res.Total)
			return nil
		},
	}
	cmd.Flags().StringVarP(&request, "request", "r", "-", "JSON request file, - for stdin.")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file; defaults to stdout.")
	return cmd
}

func newCatalogCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the attribute catalog.",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the catalog and report source pairs without a join.",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := e.newContext()
			a, err := e.open(ctx, e.configPath, e.catalogFile)
			if err != nil {
				return err
			}
			defer a.Close()
			return reportJoins(e.stdout, a.Catalog)
		},
	})
	return cmd
}

func reportJoins(w io.Writer, c *catalog.Catalog) error {
	report, err := c.JoinReport()
	if err != nil {
		return err
	}
	if len(report) == 0 {
		fmt.Fprintln(w, "catalog ok")
		return nil
	}
	backends := make([]string, 0, len(report))
	for st := range report {
		backends = append(backends, string(st))
	}
	sort.Strings(backends)
	var count int
	for _, st := range backends {
		for _, m := range report[domain.SourceType(st)] {
			fmt.Fprintf(w, "%s: no join between %s and %s\n", st, m.From, m.To)
			count++
		}
	}
	return fmt.Errorf("%d missing %s", count, plural(count, "join"))
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
