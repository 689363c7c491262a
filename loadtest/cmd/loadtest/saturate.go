package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/taskmarket/order-chat/loadtest/client"
	"github.com/taskmarket/order-chat/loadtest/fixture"
	"github.com/taskmarket/order-chat/loadtest/stats"
)

// runSaturate opens connections for distinct users over a ramp-up period,
// then holds them open while counting drops. It finds the connection
// capacity of one instance.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	common := addCommonFlags(fs)
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *common.url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	signer := common.signer()
	collector := stats.NewCollector()

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *connections)

	fmt.Println("\n--- Ramp-up phase ---")
	interval := *rampUp / time.Duration(*connections)
	if interval <= 0 {
		interval = time.Millisecond
	}

	progress := startProgress(func() string {
		return fmt.Sprintf("  [ramp] connections: %d/%d  errors: %d",
			collector.ConnectionCount(), *connections, collector.ErrorCount())
	})

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup
	ticker := time.NewTicker(interval)
	rampStart := time.Now()
	interrupted := false

ramp:
	for i := 0; i < *connections; i++ {
		select {
		case <-ctx.Done():
			interrupted = true
			break ramp
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			// Alternate sides of each pair so every user is distinct.
			p := fixture.PairAt(i / 2)
			userID := p.ClientID
			if i%2 == 1 {
				userID = p.ContractorID
			}
			c, err := dialAs(ctx, *common.url, signer, userID)
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.Metrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
	}
	ticker.Stop()
	wg.Wait()
	progress()

	fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), *connections,
		time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

	if !interrupted {
		holdConnections(ctx, &mu, &clients, *hold)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(&mu, clients)
	collector.Report(os.Stdout)
}

// holdConnections waits for hold, reporting how many connections are still
// open every few seconds.
func holdConnections(ctx context.Context, mu *sync.Mutex, clients *[]*client.Client, hold time.Duration) {
	fmt.Println("\n--- Hold phase ---")
	mu.Lock()
	initial := len(*clients)
	mu.Unlock()
	fmt.Printf("Holding %d connections for %s...\n", initial, hold)

	timer := time.NewTimer(hold)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-status.C:
			alive := countAlive(mu, *clients)
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, initial-alive)
		}
	}
}

func countAlive(mu *sync.Mutex, clients []*client.Client) int {
	mu.Lock()
	defer mu.Unlock()
	alive := 0
	for _, c := range clients {
		select {
		case <-c.Done():
		default:
			alive++
		}
	}
	return alive
}

func closeAll(mu *sync.Mutex, clients []*client.Client) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
}

// dialAs connects as userID and waits until the server answers a ping, which
// proves the handshake was accepted.
func dialAs(ctx context.Context, url string, signer fixture.Signer, userID string) (*client.Client, error) {
	token, err := signer.Token(userID, "")
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, url, token)
	if err != nil {
		return nil, err
	}
	if _, err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// startProgress prints line() every second until the returned stop func is
// called.
func startProgress(line func() string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Println(line())
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
