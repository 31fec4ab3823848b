package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/taschat/signaling/internal/wsclient"
)

const (
	offerFrame  = `{"type":"offer","sdp":{"type":"offer","sdp":"v=0 loadtest"}}`
	answerFrame = `{"type":"answer","sdp":{"type":"answer","sdp":"v=0 loadtest"}}`
	iceFrame    = `{"type":"ice-candidate","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host"}}`
)

// runMatch creates pairs of simulated users who connect, register, search,
// get matched and run one offer/answer/ICE exchange before the initiator ends
// the call. It measures matching and signaling latency under concurrent load.
func runMatch(args []string) {
	fs := flag.NewFlagSet("match", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to match")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "Timeout for one client's search-to-hangup flow")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	fs.Parse(args)

	totalClients := *pairs * 2
	fmt.Printf("Match test: %d pairs (%d clients) to %s (ramp=%s, match-timeout=%s, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *matchTimeout, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := newCollector()

	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := connectAll(ctx, rampConfig{
		url:         *url,
		total:       totalClients,
		rampUp:      *rampUp,
		concurrency: *concurrency,
	}, col)
	if interrupted {
		fmt.Println("Interrupted, skipping matching phase.")
		closeAll(clients)
		col.report()
		return
	}

	fmt.Println("\n--- Phase 2: Search, match and signal ---")

	var matched, signaled atomic.Int64
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [match] matched: %d/%d  signaled: %d  errors: %d\n",
					matched.Load(), len(clients), signaled.Load(), col.errorCount())
			case <-progressStop:
				return
			}
		}
	}()

	matchStart := time.Now()
	for _, c := range clients {
		wg.Add(1)
		go func(c *wsclient.Client) {
			defer wg.Done()
			flowCtx, cancel := context.WithTimeout(ctx, *matchTimeout)
			defer cancel()

			if err := runFlow(flowCtx, c, col, &matched); err != nil {
				col.addError()
				return
			}
			signaled.Add(1)
		}(c)
	}

	wg.Wait()
	close(progressStop)
	elapsed := time.Since(matchStart)

	fmt.Printf("\n--- Match Results ---\n")
	fmt.Printf("Clients matched:   %d / %d\n", matched.Load(), len(clients))
	fmt.Printf("Clients signaled:  %d / %d\n", signaled.Load(), len(clients))
	fmt.Printf("Match duration:    %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Match throughput:  %.1f pairs/s\n", float64(matched.Load())/2/elapsed.Seconds())
	}

	closeAll(clients)
	col.report()
}

// runFlow drives one client through search, peer_found, the SDP exchange and
// hangup. The initiator offers and hangs up; the other side answers and waits
// for peer_disconnected.
func runFlow(ctx context.Context, c *wsclient.Client, col *collector, matched *atomic.Int64) error {
	start := time.Now()
	if err := c.Send(map[string]interface{}{"type": "search", "filters": map[string]string{}}); err != nil {
		return err
	}

	raw, err := c.Wait(ctx, "peer_found")
	if err != nil {
		return fmt.Errorf("peer_found: %w", err)
	}
	col.add("match", time.Since(start))
	matched.Add(1)

	var found struct {
		Initiator bool `json:"initiator"`
	}
	if err := json.Unmarshal(raw, &found); err != nil {
		return err
	}

	signalStart := time.Now()
	if found.Initiator {
		if err := c.SendRaw([]byte(offerFrame)); err != nil {
			return err
		}
		if err := c.SendRaw([]byte(iceFrame)); err != nil {
			return err
		}
		if _, err := c.Wait(ctx, "answer"); err != nil {
			return fmt.Errorf("answer: %w", err)
		}
		if _, err := c.Wait(ctx, "ice-candidate"); err != nil {
			return fmt.Errorf("ice-candidate: %w", err)
		}
		col.add("signaling", time.Since(signalStart))
		return c.Send(map[string]string{"type": "end_call"})
	}

	if _, err := c.Wait(ctx, "offer"); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	if err := c.SendRaw([]byte(answerFrame)); err != nil {
		return err
	}
	if err := c.SendRaw([]byte(iceFrame)); err != nil {
		return err
	}
	if _, err := c.Wait(ctx, "ice-candidate"); err != nil {
		return fmt.Errorf("ice-candidate: %w", err)
	}
	if _, err := c.Wait(ctx, "peer_disconnected"); err != nil {
		return fmt.Errorf("peer_disconnected: %w", err)
	}
	col.add("teardown", time.Since(signalStart))
	return nil
}
