// Package main emits the OpenAPI specification for the RevBack operational
// API. It registers the real route definitions against an in-memory router,
// so the output stays accurate without needing Postgres, Redis, or any
// provider credentials.
//
// Usage:
//
//	go run ./cmd/revback-openapi > openapi.json
//	go run ./cmd/revback-openapi -yaml > openapi.yaml
//	go run ./cmd/revback-openapi -output openapi.json
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/revbackhq/revback/internal/http/handlers"
	"github.com/revbackhq/revback/internal/version"
)

func main() {
	outputFile := flag.String("output", "", "Output file path (default: stdout)")
	outputYAML := flag.Bool("yaml", false, "Output as YAML instead of JSON")
	baseURL := flag.String("base-url", "https://api.revback.io", "Base URL for the API server")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get().Short())
		return
	}

	// The router never serves a request; huma only needs it to register
	// operations against.
	router := chi.NewRouter()

	cfg := huma.DefaultConfig("RevBack API", version.Get().Short())
	cfg.Info.Description = "Webhook ingress and operational API for RevBack revenue anomaly detection."
	cfg.Servers = []*huma.Server{{URL: *baseURL}}
	api := humachi.New(router, cfg)

	// Handler dependencies are never invoked during registration, so the
	// operational surface mounts with nil backends.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ops := handlers.NewOps(nil, nil, nil, nil, nil, nil, logger)
	ops.RegisterProbes(api)
	ops.RegisterOps(api)

	spec := api.OpenAPI()

	var data []byte
	var err error
	if *outputYAML {
		data, err = yaml.Marshal(spec)
	} else {
		data, err = json.MarshalIndent(spec, "", "  ")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling OpenAPI spec: %v\n", err)
		os.Exit(1)
	}

	if *outputFile != "" {
		if err := os.WriteFile(*outputFile, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "error writing to file: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "OpenAPI spec written to %s\n", *outputFile)
	} else {
		fmt.Print(string(data))
	}
}
