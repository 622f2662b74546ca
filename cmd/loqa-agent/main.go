package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/router"
	"github.com/loqalabs/loqa-voice/internal/plugins/manifest"
	flag "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'match' or 'version'")
		os.Exit(2)
	}

	var manifestPath string
	switch os.Args[1] {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ExitOnError)
		fs.StringVarP(&manifestPath, "file", "f", "agent.yaml", "Path to agent manifest")
		_ = fs.Parse(os.Args[2:])
		m, err := load(manifestPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("manifest valid: %s (%s)\n", m.Agent.Name, m.Metadata.Version)
		fmt.Printf("actions: %s\n", strings.Join(m.Agent.Actions, ", "))
		for _, p := range m.Agent.Patterns {
			fmt.Printf("pattern [%s] %s -> %s\n", p.Intent, p.Pattern, p.Action)
		}
	case "match":
		fs := flag.NewFlagSet("match", flag.ExitOnError)
		fs.StringVarP(&manifestPath, "file", "f", "agent.yaml", "Path to agent manifest")
		_ = fs.Parse(os.Args[2:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "match expects an utterance")
			os.Exit(2)
		}
		if err := runMatch(manifestPath, strings.Join(fs.Args(), " ")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func load(path string) (manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return m, err
	}
	return m, manifest.Validate(m)
}

// runMatch routes an utterance through the built-in patterns plus the
// manifest's own and prints the resulting command.
func runMatch(path, utterance string) error {
	m, err := load(path)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := router.New(nil, router.Options{}, logger)
	for _, p := range m.Agent.Patterns {
		if err := r.AddRoute(router.ParseIntent(p.Intent), p.Pattern, m.Agent.Name, p.Action); err != nil {
			return fmt.Errorf("pattern %q: %w", p.Pattern, err)
		}
	}
	cmd, err := r.Route(context.Background(), utterance, "")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(cmd)
}
