// Command schema-gen writes JSON Schema files for the HTTP API types, so
// clients can validate payloads without reading the Go source.
//
//	go run ./cmd/schema-gen -out schemas
//	go run ./cmd/schema-gen -out schemas -check
//
// With -check nothing is written and the command fails when a file on disk
// differs from what would be generated.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/fairdata/download-service/internal/handlers"
)

const (
	draft   = "https://json-schema.org/draft/2020-12/schema"
	baseURL = "https://download.fairdata.fi/schemas/"
)

// bundle is one output file and the API types it describes
type bundle struct {
	name  string
	types []any
}

var bundles = []bundle{
	{"requests", []any{
		handlers.RequestsQuery{},
		handlers.RequestsPostData{},
		handlers.SubscribePostData{},
		handlers.TaskStatus{},
		handlers.RequestsResponse{},
	}},
	{"downloads", []any{
		handlers.AuthorizePostData{},
		handlers.AuthorizeResponse{},
		handlers.ErrorResponse{},
	}},
	{"admin", []any{
		handlers.CacheOperationResponse{},
		handlers.ReloadResponse{},
		handlers.HealthResponse{},
	}},
}

func main() {
	out := flag.String("out", "schemas", "output directory")
	check := flag.Bool("check", false, "fail if the files on disk are stale instead of writing them")
	flag.Parse()

	if err := run(*out, *check); err != nil {
		fmt.Fprintln(os.Stderr, "schema-gen:", err)
		os.Exit(1)
	}
}

func run(dir string, check bool) error {
	if !check {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	var stale []string
	for _, b := range bundles {
		data, err := render(b)
		if err != nil {
			return fmt.Errorf("%s: %w", b.name, err)
		}
		path := filepath.Join(dir, b.name+".json")

		if check {
			current, err := os.ReadFile(path)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if !bytes.Equal(current, data) {
				stale = append(stale, path)
			}
			continue
		}

		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Println("wrote", path)
	}

	if len(stale) > 0 {
		return fmt.Errorf("out of date: %v", stale)
	}
	return nil
}

// schemaFor merges the definitions reflected from every type in b
func schemaFor(b bundle) *jsonschema.Schema {
	r := &jsonschema.Reflector{}
	defs := jsonschema.Definitions{}
	for _, t := range b.types {
		for name, def := range r.Reflect(t).Definitions {
			defs[name] = def
		}
	}

	title := cases.Title(language.English).String(b.name)
	return &jsonschema.Schema{
		Version:     draft,
		ID:          jsonschema.ID(baseURL + b.name + ".json"),
		Title:       title + " API Types",
		Description: "JSON Schema for the " + b.name + " endpoints of the download service",
		Definitions: defs,
	}
}

func render(b bundle) ([]byte, error) {
	data, err := json.MarshalIndent(schemaFor(b), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
