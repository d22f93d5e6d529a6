package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/aspenlogic/aspen/pkg/aspen"
	"github.com/aspenlogic/aspen/pkg/aspen/config"
	"github.com/aspenlogic/aspen/pkg/aspen/facts"
	"github.com/aspenlogic/aspen/pkg/aspen/facts/memsource"
	"github.com/aspenlogic/aspen/pkg/aspen/facts/sqlite"
	"github.com/aspenlogic/aspen/pkg/aspen/internalerr"
)

func main() {
	var (
		programPath = flag.String("program", "", "Path to program document YAML (required)")
		factsDB     = flag.String("facts-db", "", "Optional: SQLite fact store path")
		configPath  = flag.String("config", "", "Optional: engine config YAML")
		debug       = flag.Bool("debug", false, "Enable engine debug logging")
	)
	flag.Parse()

	if *programPath == "" {
		log.Fatal("--program required")
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	} else if cfg.Logging.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Logging.Level)
		if err != nil {
			log.Fatalf("logging level: %v", err)
		}
		logger.SetLevel(lvl)
	}

	ctx := context.Background()

	prog, spec, inline, err := aspen.LoadProgram(*programPath)
	if err != nil {
		log.Fatalf("load program: %v", err)
	}

	var src facts.Source
	if *factsDB != "" {
		store, err := sqlite.Open(ctx, *factsDB)
		if err != nil {
			log.Fatalf("open fact store: %v", err)
		}
		defer store.Close()
		for _, a := range inline {
			if err := store.Insert(ctx, a); err != nil {
				log.Fatalf("stage fact %s: %v", a, err)
			}
		}
		src = store
	} else {
		mem := memsource.New()
		for _, a := range inline {
			mem.AddAtom(a)
		}
		src = mem
	}

	engine := aspen.New(aspen.Options{Config: cfg, Logger: logger})
	result, err := engine.Solve(ctx, prog, spec, src)
	if err != nil {
		if errors.Is(err, internalerr.ErrInconsistent) {
			fmt.Fprintln(os.Stderr, "inconsistent: no answer set exists")
			os.Exit(2)
		}
		log.Fatalf("solve: %v", err)
	}

	if result.Output == nil {
		// No output spec: print the answer set itself.
		for _, a := range result.Model {
			fmt.Println(a)
		}
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jsonable(result.Output)); err != nil {
		log.Fatalf("encode output: %v", err)
	}
}

// jsonable rewrites map[any]any dictionaries into string-keyed maps so
// encoding/json accepts them.
func jsonable(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = jsonable(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = jsonable(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jsonable(item)
		}
		return out
	}
	return v
}
