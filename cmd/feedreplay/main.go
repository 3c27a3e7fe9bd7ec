// Command feedreplay sends a JSON-lines file of raw alerts to a running
// alertd, over HTTP or through a Kafka topic.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crowdalert/internal/ingest"
	logx "crowdalert/pkg/logx"
)

func main() {
	var (
		file    = flag.String("file", "", "JSON-lines file of raw alerts (required)")
		target  = flag.String("http", "", "alertd base URL, e.g. http://127.0.0.1:8080")
		brokers = flag.String("kafka", "", "comma-separated kafka brokers")
		topic   = flag.String("topic", "crowd-alerts", "kafka topic")
		delay   = flag.Duration("delay", 0, "pause between records")
		level   = flag.String("log", "info", "log level")
	)
	flag.Parse()

	log := logx.NewConsole(*level).With(logx.String("comp", "feedreplay"))
	if *file == "" || (*target == "") == (*brokers == "") {
		fmt.Fprintln(os.Stderr, "usage: feedreplay -file alerts.jsonl (-http URL | -kafka brokers [-topic t])")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	f, err := os.Open(*file)
	if err != nil {
		log.Error("open feed", logx.Err(err))
		os.Exit(1)
	}
	defer f.Close()
	records, err := readRecords(f)
	if err != nil {
		log.Error("read feed", logx.Err(err))
		os.Exit(1)
	}

	var out sink
	if *target != "" {
		out = &httpSink{base: strings.TrimRight(*target, "/"), client: &http.Client{Timeout: 10 * time.Second}}
	} else {
		w := ingest.NewWriter(strings.Split(*brokers, ","), *topic)
		defer w.Close()
		out = kafkaSink{w: w}
	}

	res := replay(ctx, records, out, *delay, log)
	log.Info("replay done", logx.Int("sent", res.Sent), logx.Int("failed", res.Failed))
	if res.Failed > 0 {
		os.Exit(1)
	}
}
