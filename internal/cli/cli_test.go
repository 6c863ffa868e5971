package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rpattn/imgexplorer/internal/api"
	"github.com/rpattn/imgexplorer/internal/app"
	"github.com/rpattn/imgexplorer/internal/backend"
	"github.com/rpattn/imgexplorer/internal/catalog/catalogtest"
	"github.com/rpattn/imgexplorer/internal/config"
	"github.com/rpattn/imgexplorer/internal/domain"
	"github.com/rpattn/imgexplorer/internal/facets"
	"github.com/rpattn/imgexplorer/internal/manifest"
	"github.com/rpattn/imgexplorer/internal/records"
)

type staticIndex struct {
	docs []domain.Record
}

func (s staticIndex) Query(_ context.Context, q backend.DocQuery) (backend.DocResult, error) {
	res := backend.DocResult{NumFound: int64(len(s.docs))}
	if q.CountsOnly || q.Offset >= len(s.docs) {
		return res, nil
	}
	end := q.Offset + q.Limit
	if q.Limit == 0 || end > len(s.docs) {
		end = len(s.docs)
	}
	res.Docs = s.docs[q.Offset:end]
	return res, nil
}

func fixtureOpener(docs []domain.Record) Opener {
	return func(context.Context, string, string) (*app.App, error) {
		c := catalogtest.MustNew()
		index := staticIndex{docs: docs}
		fetcher := records.New(c, index, nil, records.Options{})
		return &app.App{
			Catalog: c,
			Service: api.NewService(c, facets.New(c, index, nil, facets.Options{}), fetcher, manifest.NewService(fetcher), nil),
		}, nil
	}
}

func run(t *testing.T, open Opener, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(strings.NewReader(stdin), &stdout, &stderr, open)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCatalogValidateReportsMissingJoins(t *testing.T) {
	out, _, err := run(t, fixtureOpener(nil), "", "catalog", "validate")
	if err == nil || err.Error() != "1 missing join" {
		t.Fatalf("expected one missing join, got %v", err)
	}
	want := "bigquery: no join between idc-dev.idc_v1.tcga-clinical and idc-dev.idc_v1.qualitative_measurements\n"
	if out != want {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCatalogValidateFromFile(t *testing.T) {
	dir := t.TempDir()
	out, _, err := run(t, openApp, "", "catalog", "validate",
		"--config", dir,
		"--catalog", filepath.Join("..", "catalog", "testdata", "catalog.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "catalog ok\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRecordsFromStdin(t *testing.T) {
	docs := []domain.Record{{"PatientID": "p1"}, {"PatientID": "p2"}}
	out, _, err := run(t, fixtureOpener(docs), `{"fields": ["PatientID"], "limit": 1}`, "records")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page domain.RecordPage
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if page.Total != 2 || len(page.Docs) != 1 || page.Docs[0]["PatientID"] != "p1" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestRecordsRejectsInvalidRequest(t *testing.T) {
	_, _, err := run(t, fixtureOpener(nil), `{"fields": []}`, "records")
	if err == nil || !strings.HasPrefix(err.Error(), "invalid request") {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestManifestToFile(t *testing.T) {
	docs := []domain.Record{{"SeriesInstanceUID": "s1"}, {"SeriesInstanceUID": "s2"}}
	dir := t.TempDir()
	reqPath := filepath.Join(dir, "req.json")
	if err := os.WriteFile(reqPath, []byte(`{"fields": ["SeriesInstanceUID"], "file_type": "tsv"}`), 0o644); err != nil {
		t.Fatalf("write request: %v", err)
	}
	outPath := filepath.Join(dir, "out.tsv")

	_, stderr, err := run(t, fixtureOpener(docs), "", "manifest", "-r", reqPath, "-o", outPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stderr != "wrote 2 of 2 records\n" {
		t.Fatalf("unexpected stderr %q", stderr)
	}
	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if string(got) != "SeriesInstanceUID\ns1\ns2\n" {
		t.Fatalf("unexpected manifest %q", got)
	}
}

func TestManifestNotice(t *testing.T) {
	out, stderr, err := run(t, fixtureOpener(nil), `{"fields": ["SeriesInstanceUID"], "file_type": "csv"}`, "manifest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "" || stderr != "no records matched\n" {
		t.Fatalf("unexpected output %q / %q", out, stderr)
	}
}

func TestServerFlagsBindIntoConfig(t *testing.T) {
	dir := t.TempDir()
	cmd := NewServerCommand(&bytes.Buffer{}, &bytes.Buffer{})
	if err := cmd.ParseFlags([]string{"--config", dir, "--port", "9191", "--migrate=false"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := config.Load(dir, cmd.Flags())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9191 || cfg.Catalog.Migrate {
		t.Fatalf("flags not bound: port %d migrate %v", cfg.HTTP.Port, cfg.Catalog.Migrate)
	}
}

func TestServeIsAnImgxctlCommand(t *testing.T) {
	root := newRootCommand(strings.NewReader(""), &bytes.Buffer{}, &bytes.Buffer{}, fixtureOpener(nil))
	cmd, _, err := root.Find([]string{"serve"})
	if err != nil || cmd.Name() != "serve" {
		t.Fatalf("expected a serve command, got %v", err)
	}
	for _, name := range []string{"port", "migrate"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("serve is missing --%s", name)
		}
	}
	if cmd.InheritedFlags().Lookup("config") == nil {
		t.Fatalf("serve should inherit --config")
	}
}
