package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taschat/signaling/internal/wsclient"
)

// rampConfig controls how connections are opened.
type rampConfig struct {
	url         string
	total       int
	rampUp      time.Duration
	concurrency int
	country     string
}

// connectAll opens and registers cfg.total clients spread over cfg.rampUp with
// at most cfg.concurrency attempts in flight. It reports whether ctx was
// cancelled before every client was launched.
func connectAll(ctx context.Context, cfg rampConfig, col *collector) ([]*wsclient.Client, bool) {
	var mu sync.Mutex
	clients := make([]*wsclient.Client, 0, cfg.total)

	interval := cfg.rampUp / time.Duration(cfg.total)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, cfg.concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				current := col.connectionCount()
				rate := float64(current-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					current, cfg.total, col.errorCount(), rate)
				lastCount = current
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)
	interrupted := false

	for launched := 0; launched < cfg.total && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := wsclient.Dial(connCtx, cfg.url)
				if err != nil {
					col.addError()
					return
				}
				wallet := "load-" + uuid.NewString()
				if err := c.Register(connCtx, wallet, "", cfg.country); err != nil {
					col.addError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				col.addConnect(m.ConnectLatency, m.RegisterLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nConnect phase complete: %d/%d connections in %s (%d errors)\n",
		len(clients), cfg.total, time.Since(rampStart).Round(time.Millisecond), col.errorCount())
	return clients, interrupted
}

// closeAll closes every client.
func closeAll(clients []*wsclient.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}
