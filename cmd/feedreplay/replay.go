package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/segmentio/kafka-go"

	"crowdalert/internal/ingest"
	logx "crowdalert/pkg/logx"
)

type sink interface {
	Send(ctx context.Context, body []byte) error
}

type httpSink struct {
	base   string
	client *http.Client
}

func (s *httpSink) Send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/v1/alerts", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

type kafkaSink struct {
	w *kafka.Writer
}

func (s kafkaSink) Send(ctx context.Context, body []byte) error {
	return ingest.Publish(ctx, s.w, body)
}

// readRecords returns the non-blank lines of r. Lines starting with '#'
// are comments.
func readRecords(r io.Reader) ([][]byte, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	var out [][]byte
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	return out, sc.Err()
}

type result struct {
	Sent   int
	Failed int
}

func replay(ctx context.Context, records [][]byte, out sink, delay time.Duration, log logx.Logger) result {
	var res result
	for i, rec := range records {
		if ctx.Err() != nil {
			break
		}
		if err := out.Send(ctx, rec); err != nil {
			res.Failed++
			log.Warn("record not delivered", logx.Int("line", i+1), logx.Err(err))
		} else {
			res.Sent++
		}
		if delay > 0 && i < len(records)-1 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return res
			case <-t.C:
			}
		}
	}
	return res
}
