// Command nqlrun runs an nQL query against a stream of JSON-encoded events
// read from stdin, one event object per line, and prints whatever the query
// matches or derives.
//
// Event stream parsing, tailing, and pcap capture are out of scope here —
// stdin JSON Lines is this command's one deliberately simple ingestion
// format for exercising the engines directly.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dajobe/nqlstream/nql/config"
	"github.com/dajobe/nqlstream/nql/diag"
	"github.com/dajobe/nqlstream/nql/event"
	"github.com/dajobe/nqlstream/nql/executor"
	"github.com/dajobe/nqlstream/nql/scheduler"
	"github.com/dajobe/nqlstream/nql/snapshot"
	"github.com/dajobe/nqlstream/nql/value"
	"github.com/dajobe/nqlstream/nql/world"
)

func main() {
	var configPath string
	var interactive bool
	var help bool
	var verbose bool
	var queryStr string
	var snapshotPath string

	flag.StringVar(&configPath, "config", "", "path to a YAML config file (defaults applied if omitted)")
	flag.BoolVar(&interactive, "i", false, "interactive mode: type queries, run each against a small built-in demo stream")
	flag.BoolVar(&help, "h", false, "show help")
	flag.BoolVar(&verbose, "verbose", false, "verbose mode (show runtime diagnostics)")
	flag.StringVar(&queryStr, "query", "", "nQL query to run against stdin's JSON-lines event stream")
	flag.StringVar(&snapshotPath, "snapshot", "", "optional BadgerDB directory to append derived events into for later replay")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -query QUERY [options] < events.jsonl\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs one nQL query against a stream of JSON events, one per stdin line.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -query 'log.level == \"ERROR\"' < events.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -query 'aggregate count() by log.service window tumbling(1s)' -verbose < events.jsonl\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i    # interactive demo mode, no stdin needed\n", os.Args[0])
	}
	flag.Parse()

	if help {
		flag.Usage()
		os.Exit(0)
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("nqlrun: %v", err)
		}
		cfg = loaded
	}

	var snapStore *snapshot.Store
	if snapshotPath != "" {
		s, err := snapshot.Open(snapshotPath, cfg.Performance.MemoryLimitBytes)
		if err != nil {
			log.Fatalf("nqlrun: %v", err)
		}
		defer s.Close()
		snapStore = s
	}

	var collector *diag.Collector
	if verbose {
		formatter := diag.NewOutputFormatter(os.Stderr)
		collector = diag.NewCollector(diag.Handler(formatter.Handle))
	} else {
		collector = diag.NewCollector(nil)
	}

	switch {
	case interactive:
		runInteractive(cfg, collector, snapStore)
	case queryStr != "":
		runStream(cfg, collector, snapStore, queryStr, os.Stdin)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func newWorld(cfg *config.Config, collector *diag.Collector, snapStore *snapshot.Store) *world.World {
	loop := scheduler.NewGoLoop()
	registry := executor.NewRegistry(256)
	registry.SetCorrelationEnabled(cfg.Correlation.Enabled)

	emit := func(e *event.Event) {
		if snapStore != nil {
			if err := snapStore.Append(e); err != nil {
				log.Printf("nqlrun: snapshot append: %v", err)
			}
		}
		printDerivedEvent(e)
	}

	w := world.New(loop, registry, emit)
	collector.Add(diag.Event{Name: diag.WorldOpened, Data: map[string]interface{}{"world": w.ID()}})
	go drainLoop(loop)
	return w
}

// drainLoop is the world's single cooperative event-loop thread: it pulls
// timer callbacks off the scheduler's dispatch channel and runs them,
// sequentially, one at a time. Window flushes and correlation cleanups both
// land here, never concurrently with ProcessEvent or with each other.
func drainLoop(loop *scheduler.GoLoop) {
	for fn := range loop.Events {
		fn(time.Now())
	}
}

func runStream(cfg *config.Config, collector *diag.Collector, snapStore *snapshot.Store, queryStr string, in *os.File) {
	w := newWorld(cfg, collector, snapStore)
	if err := w.Open(); err != nil {
		log.Fatalf("nqlrun: %v", err)
	}
	if err := w.Start(); err != nil {
		log.Fatalf("nqlrun: %v", err)
	}
	if err := w.Run(); err != nil {
		log.Fatalf("nqlrun: %v", err)
	}
	defer func() {
		_ = w.Stop()
		_ = w.Free()
	}()

	maxLine := int(cfg.Performance.BufferSizeBytes)
	if maxLine <= 0 {
		maxLine = 1 << 20
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	workers := cfg.Performance.WorkerThreads
	if workers <= 0 {
		workers = 1
	}
	batchSize := workers * 8

	batch := make([]string, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		events, errs := decodeBatch(batch, workers)
		for i, evt := range events {
			if errs[i] != nil {
				log.Printf("nqlrun: skipping malformed event: %v", errs[i])
				continue
			}
			start := time.Now()
			matched, err := w.ProcessEvent(queryStr, evt)
			collector.AddTiming(diag.QueryDispatched, start, map[string]interface{}{"query": queryStr, "matched": matched})
			if err != nil {
				log.Printf("nqlrun: %v", err)
			}
		}
		batch = batch[:0]
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		batch = append(batch, line)
		if len(batch) == batchSize {
			flush()
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		log.Printf("nqlrun: reading stdin: %v", err)
	}
}

// decodeBatch JSON-decodes lines concurrently, bounded by workers, writing
// results into index-aligned slices so dispatch afterward can stay strictly
// in the batch's original order. Decoding is the only part of the ingest
// path parallelized here; every decoded event is then handed to
// world.ProcessEvent one at a time, preserving the single-threaded
// event-loop invariant.
func decodeBatch(lines []string, workers int) ([]*event.Event, []error) {
	n := len(lines)
	events := make([]*event.Event, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)
	for i, line := range lines {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, line string) {
			defer wg.Done()
			defer func() { <-sem }()
			events[i], errs[i] = decodeEvent(line)
		}(i, line)
	}
	wg.Wait()
	return events, errs
}

func decodeEvent(line string) (*event.Event, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, err
	}
	payload := value.NormalizeMap(raw)
	ts := time.Now().UnixNano()
	if rawTs, ok := payload["ts"]; ok {
		if f, ok := value.AsFloat(rawTs); ok {
			ts = int64(f)
		}
	}
	return event.New(classify(payload), ts, nil, payload), nil
}

func classify(payload value.Map) event.Kind {
	if _, ok := payload["network"]; ok {
		return event.KindNetwork
	}
	return event.KindLog
}

func printDerivedEvent(e *event.Event) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nqlrun: marshal derived event: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func runInteractive(cfg *config.Config, collector *diag.Collector, snapStore *snapshot.Store) {
	fmt.Println("=== nqlstream interactive mode ===")
	fmt.Println("Each query you enter runs against a small built-in demo event stream.")
	fmt.Println("Commands:")
	fmt.Println("  .help    - show help")
	fmt.Println("  .exit    - exit")
	fmt.Println("  <query>  - run an nQL query against the demo stream")
	fmt.Println()

	w := newWorld(cfg, collector, snapStore)
	if err := w.Open(); err != nil {
		log.Fatalf("nqlrun: %v", err)
	}
	if err := w.Start(); err != nil {
		log.Fatalf("nqlrun: %v", err)
	}
	if err := w.Run(); err != nil {
		log.Fatalf("nqlrun: %v", err)
	}
	defer func() {
		_ = w.Stop()
		_ = w.Free()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("nql> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == ".exit":
			return
		case line == ".help":
			fmt.Println("Enter an nQL query; it runs against demoEvents() below.")
			continue
		}

		for _, payload := range demoEvents() {
			evt := event.New(classify(payload), time.Now().UnixNano(), nil, payload)
			matched, err := w.ProcessEvent(line, evt)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				break
			}
			fmt.Printf("matched=%v event=%v\n", matched, payload)
		}
	}
}

func demoEvents() []value.Map {
	return []value.Map{
		{"log": value.Map{"level": "ERROR", "service": "api", "message": "timeout"}},
		{"log": value.Map{"level": "INFO", "service": "api", "message": "request handled"}},
		{"network": value.Map{"dst_port": int64(3306), "src_ip": "10.0.0.5"}},
	}
}
