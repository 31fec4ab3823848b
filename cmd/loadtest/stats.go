package main

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// collector aggregates metrics from many load test clients. All methods are
// goroutine-safe.
type collector struct {
	mu          sync.Mutex
	latencies   map[string][]time.Duration
	errors      int
	connections int
	startTime   time.Time
}

func newCollector() *collector {
	return &collector{
		latencies: make(map[string][]time.Duration),
		startTime: time.Now(),
	}
}

// addConnect records a connected and registered client.
func (c *collector) addConnect(connect, register time.Duration) {
	c.mu.Lock()
	c.connections++
	c.latencies["connect"] = append(c.latencies["connect"], connect)
	c.latencies["register"] = append(c.latencies["register"], register)
	c.mu.Unlock()
}

func (c *collector) add(series string, d time.Duration) {
	c.mu.Lock()
	c.latencies[series] = append(c.latencies[series], d)
	c.mu.Unlock()
}

func (c *collector) addError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *collector) connectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *collector) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// report prints a summary with percentile distributions per latency series.
func (c *collector) report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.connections)
	fmt.Printf("Errors:       %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:   %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}

	names := make([]string, 0, len(c.latencies))
	for name := range c.latencies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if len(c.latencies[name]) == 0 {
			continue
		}
		fmt.Printf("\n--- %s latency ---\n", name)
		fmt.Println(summarize(c.latencies[name]))
	}
	fmt.Println()
}

// summarize sorts durations in place and formats avg, p50, p95, p99 and max.
func summarize(durations []time.Duration) string {
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	p50 := durations[n/2]
	p95 := durations[int(math.Ceil(float64(n)*0.95))-1]
	p99 := durations[int(math.Ceil(float64(n)*0.99))-1]

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	avg := sum / time.Duration(n)

	return fmt.Sprintf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		avg.Round(time.Microsecond),
		p50.Round(time.Microsecond),
		p95.Round(time.Microsecond),
		p99.Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}
