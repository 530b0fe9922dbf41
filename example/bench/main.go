//go:build linux

// Command bench drives the engine with a high-fanout point-query workload:
// one parameterized select pushed in a tight loop, a counting callback, and
// an elapsed-time report once every callback has fired. Throughput should be
// bounded only by server round-trip time times connections times pipeline
// depth.
package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vibelife/pgqueue/engine"
	"github.com/vibelife/pgqueue/query"
)

func main() {
	connString := flag.String("conn", "host=/var/run/postgresql dbname=postgres user=postgres", "libpq-style connection string")
	sqlText := flag.String("query", "select 1 where $1 = $1", "parameterized query to push")
	param := flag.String("param", "f8fe3c30-c3ee-43e3-b0f9-6829553aba64", "value bound to $1")
	queries := flag.Int("queries", 177000, "number of queries to push")
	connections := flag.Int("connections", 32, "connections in the pool")
	depth := flag.Int("depth", 32, "pipeline depth per connection")
	queue := flag.Int("queue", 178000, "request queue capacity")
	workers := flag.Int("workers", 2, "callback worker goroutines")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	runID := uuid.NewString()
	logger.Info("bench starting",
		"run_id", runID,
		"queries", *queries,
		"connections", *connections,
		"pipeline_depth", *depth,
	)

	proc, err := engine.New(engine.Config{
		ConnString:      *connString,
		Connections:     *connections,
		PipelineDepth:   *depth,
		QueueCapacity:   *queue,
		CallbackWorkers: *workers,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	params, err := query.NewBuilder(*sqlText).AddString(*param).Build()
	if err != nil {
		logger.Error("bad query", "error", err)
		os.Exit(1)
	}

	total := *queries
	done := make(chan struct{})
	count := 0
	failures := 0
	countCh := make(chan bool, 1024)
	go func() {
		for ok := range countCh {
			if !ok {
				failures++
			}
			count++
			if count == total {
				close(done)
				return
			}
		}
	}()

	start := time.Now()
	cb := func(rs query.ResultSet) {
		countCh <- !rs.IsError()
	}
	for i := 0; i < total; i++ {
		proc.PushParams(params, cb)
	}
	<-done
	elapsed := time.Since(start)

	logger.Info("bench complete",
		"run_id", runID,
		"elapsed", elapsed.String(),
		"queries_per_second", float64(total)/elapsed.Seconds(),
		"failures", failures,
	)

	proc.Close()
}
