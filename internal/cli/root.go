// Package cli implements imgxctl, a command line front end to the engine.
// Requests are the same JSON documents the HTTP API accepts.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/rpattn/imgexplorer/internal/app"
	"github.com/rpattn/imgexplorer/internal/config"
	"github.com/rpattn/imgexplorer/internal/logger"
)

// Opener builds the engine for one command invocation.
type Opener func(ctx context.Context, configPath, catalogFile string) (*app.App, error)

type env struct {
	stdin          io.Reader
	stdout, stderr io.Writer
	open           Opener
	validator      *validator.Validate

	configPath  string
	catalogFile string
}

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return newRootCommand(stdin, stdout, stderr, openApp)
}

func newRootCommand(stdin io.Reader, stdout, stderr io.Writer, open Opener) *cobra.Command {
	e := &env{stdin: stdin, stdout: stdout, stderr: stderr, open: open, validator: validator.New()}
	rc := &cobra.Command{
		Use:           "imgxctl",
		Short:         "Query the imaging data federation engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rc.PersistentFlags().StringVarP(&e.configPath, "config", "c", ".", "Directory containing config.yaml.")
	rc.PersistentFlags().StringVar(&e.catalogFile, "catalog", "", "Catalog snapshot file; skips the catalog database.")

	rc.AddCommand(newCountsCommand(e))
	rc.AddCommand(newRecordsCommand(e))
	rc.AddCommand(newManifestCommand(e))
	rc.AddCommand(newCatalogCommand(e))
	rc.AddCommand(newServeCommand(e))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

func openApp(ctx context.Context, configPath, catalogFile string) (*app.App, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, err
	}
	if catalogFile != "" {
		cfg.Catalog.File = catalogFile
	}
	return app.New(ctx, cfg, app.Options{Offline: catalogFile != ""})
}

func (e *env) newContext() context.Context {
	l := logger.New()
	return l.WithContext(context.Background())
}

// readRequest decodes the JSON request named by path ("-" for stdin) into v
// and validates it.
func (e *env) readRequest(path string, v any) error {
	var r io.Reader = e.stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := e.validator.Struct(v); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
