package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/taskmarket/order-chat/internal/protocol"
	"github.com/taskmarket/order-chat/loadtest/client"
	"github.com/taskmarket/order-chat/loadtest/fixture"
	"github.com/taskmarket/order-chat/loadtest/stats"
)

// chatRun holds the state shared by every pair of one chat test.
type chatRun struct {
	collector *stats.Collector
	seq       atomic.Int64
	sentAt    sync.Map // tag -> time.Time

	sent        atomic.Int64
	delivered   atomic.Int64
	rateLimited atomic.Int64
	failed      atomic.Int64
}

// runChat connects each order's client and contractor, joins them to the
// order chat and has both sides send messages at a fixed interval. It
// measures send acknowledgement and cross-user delivery latency. The server
// must know the orders, e.g. via SEED_FILE written by the seed command.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	common := addCommonFlags(fs)
	pairs := fs.Int("pairs", 100, "Number of orders (two users each)")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connecting pairs")
	duration := fs.Duration("duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 5*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Approximate message size in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum pairs connecting at once")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	fmt.Printf("Chat test: %d pairs to %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, *common.url, *rampUp, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := &chatRun{collector: stats.NewCollector()}
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	run.collector.SetScraper(scraper)
	scraper.Start(ctx)

	progress := startProgress(func() string {
		return fmt.Sprintf("  [chat] connections: %d  sent: %d  delivered: %d  rate limited: %d  errors: %d",
			run.collector.ConnectionCount(), run.sent.Load(), run.delivered.Load(),
			run.rateLimited.Load(), run.collector.ErrorCount())
	})

	interval := *rampUp / time.Duration(*pairs)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

launch:
	for i := 0; i < *pairs; i++ {
		select {
		case <-ctx.Done():
			break launch
		case <-time.After(interval):
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run.runPair(ctx, sem, *common.url, common.signer(), fixture.PairAt(i), *duration, *msgInterval, *msgSize)
		}(i)
	}
	wg.Wait()
	progress()
	scraper.Stop()

	run.collector.Count("sent", run.sent.Load())
	run.collector.Count("delivered", run.delivered.Load())
	run.collector.Count("rate_limited", run.rateLimited.Load())
	run.collector.Count("failed", run.failed.Load())
	run.collector.Report(os.Stdout)
}

func (r *chatRun) runPair(ctx context.Context, sem chan struct{}, url string, signer fixture.Signer,
	p fixture.Pair, duration, interval time.Duration, size int) {

	sem <- struct{}{}
	users := []string{p.ClientID, p.ContractorID}
	conns := make([]*client.Client, 0, 2)
	for _, userID := range users {
		c, err := dialAs(ctx, url, signer, userID)
		if err != nil {
			r.collector.AddError()
			continue
		}
		r.collector.AddConnect(c.Metrics().ConnectLatency)
		conns = append(conns, c)
	}
	<-sem
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	if len(conns) != 2 {
		return
	}

	for _, c := range conns {
		if err := r.join(ctx, c, p.OrderID); err != nil {
			r.collector.AddError()
			return
		}
		r.watch(c)
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			r.talk(ctx, c, p.OrderID, interval, size)
		}(c)
	}
	wg.Wait()
}

func (r *chatRun) join(ctx context.Context, c *client.Client, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.Request(ctx, map[string]string{
		"type":       protocol.TypeJoinOrderChat,
		"order_id":   orderID,
		"request_id": "join",
	}, protocol.TypeAck)
	return err
}

// watch records delivery latency for every new_message the user receives
// and counts rejected sends.
func (r *chatRun) watch(c *client.Client) {
	c.On(protocol.TypeNewMessage, func(data json.RawMessage) {
		var nm protocol.NewMessageMsg
		if err := json.Unmarshal(data, &nm); err != nil || nm.Message == nil {
			return
		}
		if t, ok := r.sentAt.LoadAndDelete(tagOf(nm.Message.Content)); ok {
			r.delivered.Add(1)
			r.collector.Observe("delivery", time.Since(t.(time.Time)))
		}
	})
	c.On(protocol.TypeError, func(data json.RawMessage) {
		var e protocol.ErrorMsg
		_ = json.Unmarshal(data, &e)
		if e.Code == "rate_limited" {
			r.rateLimited.Add(1)
			return
		}
		r.failed.Add(1)
	})
}

// talk sends a message every interval until ctx ends.
func (r *chatRun) talk(ctx context.Context, c *client.Client, orderID string, interval time.Duration, size int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			r.collector.AddError()
			return
		case <-ticker.C:
		}

		tag := letters(r.seq.Add(1))
		content := "load test " + tag + " " + strings.Repeat("x", max(size-len(tag)-11, 1))
		start := time.Now()
		r.sentAt.Store(tag, start)

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := c.Request(reqCtx, map[string]string{
			"type":     protocol.TypeSendMessage,
			"order_id": orderID,
			"content":  content,
		}, protocol.TypeMessageSent)
		cancel()
		if err != nil {
			r.sentAt.Delete(tag)
			continue
		}
		r.sent.Add(1)
		r.collector.Observe("send ack", time.Since(start))
	}
}

// tagOf extracts the tag from a load test message body.
func tagOf(content string) string {
	fields := strings.Fields(content)
	if len(fields) < 3 {
		return ""
	}
	return fields[2]
}

// letters encodes n in base 26. Digits would trip the phone number filter.
func letters(n int64) string {
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('a' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}
