// Package main is the entry point for the signaling load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: open N registered idle connections and hold them
//   - match:    pairs of users search, get matched and complete a signaling
//     handshake
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test, opens and registers N idle connections")
	fmt.Println("  match       Matching flow test, pairs search, match and exchange offer/answer")
	fmt.Println()
	fmt.Println("All clients connect from one address; start the server with a CONNECT_LIMIT")
	fmt.Println("above the client count.")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
