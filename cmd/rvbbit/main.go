// Command rvbbit runs cascades and extended SQL from the command line.
//
// Usage:
//
//	rvbbit run <cascade.yaml> [-i key=value ...]
//	rvbbit sql "<query>"
//
// Configuration comes from the environment:
//
//	ANTHROPIC_API_KEY / OPENAI_API_KEY  provider credentials (Anthropic wins)
//	RVBBIT_MODEL                        model identifier override
//	RVBBIT_DB                           SQLite DSN (default :memory:)
//	RVBBIT_MONGO_URI, RVBBIT_MONGO_DB   durable event log (default in-memory)
//	RVBBIT_REDIS_ADDR                   shared UDF cache (default in-process)
//	RVBBIT_EMBED_MODEL                  embedding model; vector search and
//	                                    RVBBIT EMBED need OPENAI_API_KEY
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	goredis "github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	rediscache "rvbbit.dev/rvbbit/features/cache/redis"
	mongostore "rvbbit.dev/rvbbit/features/eventlog/mongo"
	"rvbbit.dev/rvbbit/features/model/anthropic"
	"rvbbit.dev/rvbbit/features/model/openai"
	"rvbbit.dev/rvbbit/features/sqlengine/sqlite"
	vecmem "rvbbit.dev/rvbbit/features/vector/memory"
	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/candidates"
	"rvbbit.dev/rvbbit/runtime/cascade/cell"
	"rvbbit.dev/rvbbit/runtime/cascade/contextbuild"
	"rvbbit.dev/rvbbit/runtime/cascade/echo"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog"
	"rvbbit.dev/rvbbit/runtime/cascade/eventlog/inmem"
	"rvbbit.dev/rvbbit/runtime/cascade/hooks"
	"rvbbit.dev/rvbbit/runtime/cascade/ident"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
	"rvbbit.dev/rvbbit/runtime/cascade/reforge"
	"rvbbit.dev/rvbbit/runtime/cascade/runner"
	"rvbbit.dev/rvbbit/runtime/cascade/sink"
	"rvbbit.dev/rvbbit/runtime/cascade/tackle"
	"rvbbit.dev/rvbbit/runtime/cascade/telemetry"
	"rvbbit.dev/rvbbit/runtime/cascade/ward"
	"rvbbit.dev/rvbbit/sql/background"
	"rvbbit.dev/rvbbit/sql/rewrite"
	"rvbbit.dev/rvbbit/sql/sqlengine"
	"rvbbit.dev/rvbbit/sql/udf"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if err := run(ctx, os.Args[1:]); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rvbbit <run|sql> ...")
	}
	eng, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.scheduler.Stop()

	switch args[0] {
	case "run":
		return cmdRun(ctx, eng, args[1:])
	case "sql":
		return cmdSQL(ctx, eng, args[1:])
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// engine bundles the wired runtime for the CLI commands.
type engine struct {
	runner    *runner.Runner
	rewriter  *rewrite.Rewriter
	udf       *udf.Runtime
	scheduler *background.Scheduler
}

func buildEngine(ctx context.Context) (*engine, error) {
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	client, modelID, err := buildModelClient()
	if err != nil {
		return nil, err
	}

	var store eventlog.Store
	if uri := os.Getenv("RVBBIT_MONGO_URI"); uri != "" {
		db := os.Getenv("RVBBIT_MONGO_DB")
		if db == "" {
			db = "rvbbit"
		}
		store, err = mongostore.Connect(ctx, uri, db)
		if err != nil {
			return nil, err
		}
	} else {
		store = inmem.New()
	}

	reg := ident.Default()
	bus := hooks.NewBus()
	if _, err := bus.Register(sink.New(store, reg, sink.WithLogger(logger), sink.WithBestEffort())); err != nil {
		return nil, err
	}

	echoStore := echo.NewStore(store)
	tools := tackle.NewRegistry()
	wards := ward.New(tools, logger)
	builder := contextbuild.New(store)

	exec, err := cell.New(cell.Options{
		Client:      client,
		ModelID:     modelID,
		Tools:       tools,
		Builder:     builder,
		Wards:       wards,
		Bus:         bus,
		Store:       echoStore,
		Logger:      logger,
		Metrics:     metrics,
		CallTimeout: 2 * time.Minute,
		ToolTimeout: time.Minute,
	})
	if err != nil {
		return nil, err
	}

	sqlEngine := sqlite.New(os.Getenv("RVBBIT_DB"))

	r, err := runner.New(runner.Options{
		Exec:     exec,
		Cands:    candidates.New(exec, echoStore, bus, reg, logger),
		Reforge:  reforge.New(exec, bus),
		Store:    echoStore,
		Bus:      bus,
		Identity: reg,
		Tools:    tools,
		Tables:   sqlengine.Tables{Engine: sqlEngine},
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}

	udfOpts := []udf.Option{udf.WithLogger(logger), udf.WithModel(modelID)}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		oc := openaisdk.NewClient(option.WithAPIKey(key))
		embedder, err := openai.NewEmbedder(&oc.Embeddings, os.Getenv("RVBBIT_EMBED_MODEL"))
		if err != nil {
			return nil, err
		}
		udfOpts = append(udfOpts, udf.WithVector(vecmem.New(), embedder))
	}
	if addr := os.Getenv("RVBBIT_REDIS_ADDR"); addr != "" {
		rc := goredis.NewClient(&goredis.Options{Addr: addr})
		udfOpts = append(udfOpts, udf.WithCache(rediscache.New(rc, rediscache.WithLogger(logger))))
	}
	udfRuntime := udf.New(r, sqlEngine, udfOpts...)
	if err := udfRuntime.Register(); err != nil {
		return nil, err
	}

	scheduler := background.New(udfRuntime, background.WithLogger(logger))
	scheduler.Start(ctx)

	return &engine{
		runner:    r,
		rewriter:  rewrite.New(),
		udf:       udfRuntime,
		scheduler: scheduler,
	}, nil
}

func buildModelClient() (model.Client, string, error) {
	modelID := os.Getenv("RVBBIT_MODEL")
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if modelID == "" {
			modelID = "claude-sonnet-4-5"
		}
		c, err := anthropic.NewFromAPIKey(key, modelID)
		return c, modelID, err
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if modelID == "" {
			modelID = "gpt-4o"
		}
		c, err := openai.NewFromAPIKey(key, modelID)
		return c, modelID, err
	}
	return nil, "", fmt.Errorf("set ANTHROPIC_API_KEY or OPENAI_API_KEY")
}

type inputFlags map[string]any

func (f inputFlags) String() string { return "" }

func (f inputFlags) Set(v string) error {
	key, val, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("inputs take key=value form, got %q", v)
	}
	var parsed any
	if err := json.Unmarshal([]byte(val), &parsed); err != nil {
		parsed = val
	}
	f[key] = parsed
	return nil
}

func cmdRun(ctx context.Context, eng *engine, args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	inputs := inputFlags{}
	fs.Var(inputs, "i", "cascade input as key=value (value parses as JSON when possible)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: rvbbit run <cascade.yaml> [-i key=value ...]")
	}
	c, err := cascade.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	ctx = ident.With(ctx, ident.Mint("cli", map[string]any{"args": strings.Join(os.Args[1:], " ")}))
	res, err := eng.runner.Run(ctx, runner.RunRequest{Cascade: c, Inputs: inputs})
	if err != nil {
		return err
	}
	fmt.Println(res.Content)
	log.Info(ctx, log.KV{K: "session_id", V: res.SessionID}, log.KV{K: "status", V: string(res.Status)},
		log.KV{K: "cost", V: res.Cost}, log.KV{K: "tokens", V: res.Tokens})
	if res.Status == echo.StatusFailed {
		return fmt.Errorf("cascade %s failed", c.ID)
	}
	return nil
}

func cmdSQL(ctx context.Context, eng *engine, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rvbbit sql \"<query>\"")
	}
	query := args[0]

	ctx = ident.With(ctx, ident.Mint("cli", map[string]any{"sql": query}))
	stmt, err := eng.rewriter.Rewrite(query)
	if err != nil {
		return err
	}

	if stmt.Background {
		// The CLI process owns the worker pool, so submit and wait; the job
		// id still prints first, matching the server behavior.
		jobID, err := eng.scheduler.Submit(ctx, stmt)
		if err != nil {
			return err
		}
		fmt.Println(jobID)
		return waitJob(ctx, eng.scheduler, jobID)
	}

	res, err := eng.udf.Execute(ctx, stmt)
	if err != nil {
		return err
	}
	printResult(res)
	return nil
}

func waitJob(ctx context.Context, s *background.Scheduler, jobID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		job, ok := s.Lookup(jobID)
		if !ok {
			return fmt.Errorf("job %s not found", jobID)
		}
		switch job.Status {
		case background.StatusCompleted:
			printResult(job.Result)
			return nil
		case background.StatusFailed:
			return fmt.Errorf("job %s failed: %s", jobID, job.Err)
		}
	}
}

func printResult(res *udf.Result) {
	if res == nil || res.Rows == nil {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	for _, row := range res.Rows.Rows {
		_ = enc.Encode(row)
	}
	if res.Analysis != "" {
		fmt.Fprintln(os.Stderr, res.Analysis)
	}
}
