package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"
)

// runSaturate opens the requested number of registered connections, ramping
// up over a configurable duration, then holds them while counting drops.
// Every registered client also receives presence broadcasts, so this doubles
// as a broadcast fan-out test.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	country := fs.String("country", "DE", "Country reported at registration")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := newCollector()

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := connectAll(ctx, rampConfig{
		url:         *url,
		total:       *connections,
		rampUp:      *rampUp,
		concurrency: *concurrency,
		country:     *country,
	}, col)

	dropped := 0
	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)

		holdTimer := time.NewTimer(*hold)
		statusTicker := time.NewTicker(5 * time.Second)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-statusTicker.C:
				dropped = 0
				presence := 0
				for _, c := range clients {
					select {
					case <-c.Done():
						dropped++
					default:
					}
					if c.Received("online_count") > 0 {
						presence++
					}
				}
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d  saw presence: %d\n",
					len(clients)-dropped, len(clients), dropped, presence)
			}
		}

		holdTimer.Stop()
		statusTicker.Stop()
	}

	closeAll(clients)

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	col.report()
}
