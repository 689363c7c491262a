// Package main is the order chat load test binary. Subcommands:
//
//   - seed:     write the orders fixture a server loads with SEED_FILE
//   - saturate: open N idle authenticated connections and hold them
//   - chat:     client/contractor pairs join their order and exchange messages
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/taskmarket/order-chat/loadtest/fixture"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "seed":
		runSeed(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
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
	fmt.Println("  seed        Write the orders fixture for a server started with SEED_FILE")
	fmt.Println("  saturate    Connection saturation test: open N idle connections")
	fmt.Println("  chat        Message load test: order pairs join and exchange messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

// commonFlags are shared by the commands that connect to a server.
type commonFlags struct {
	url    *string
	secret *string
	issuer *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		url:    fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL"),
		secret: fs.String("secret", os.Getenv("JWT_SECRET"), "JWT secret the server verifies with"),
		issuer: fs.String("issuer", os.Getenv("JWT_ISSUER"), "JWT issuer the server expects"),
	}
}

func (f commonFlags) signer() fixture.Signer {
	return fixture.Signer{Secret: *f.secret, Issuer: *f.issuer, TTL: 24 * time.Hour}
}

func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	pairs := fs.Int("pairs", 1000, "Number of orders to generate")
	out := fs.String("out", "seed.json", "Output file")
	fs.Parse(args)

	if err := fixture.WriteSeedFile(*out, *pairs); err != nil {
		fmt.Fprintf(os.Stderr, "write seed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d orders to %s\n", *pairs, *out)
}
