package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/nestoz/vibecheck-agent/internal/agent"
	"github.com/nestoz/vibecheck-agent/internal/config"
)

// Version info - set by ldflags during build
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	key := flag.String("key", "", "API key for the relay server (required)")
	dir := flag.String("dir", ".", "Working directory for the assistant")
	server := flag.String("server", config.DefaultServerURL, "Relay server WebSocket URL")
	newSession := flag.Bool("new-session", false, "Start a fresh session instead of resuming")
	version := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *version {
		fmt.Printf("VibeCheck Agent\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		os.Exit(0)
	}

	cfg, err := config.New(*key, *dir, *server, *newSession)
	if err != nil {
		log.Printf("❌ %v", err)
		flag.Usage()
		os.Exit(1)
	}

	log.Println("===========================================")
	log.Printf("   VibeCheck Agent %s", Version)
	log.Println("===========================================")

	a := agent.New(cfg)
	if err := a.Start(); err != nil {
		log.Fatalf("Failed to start agent: %v", err)
	}

	log.Println("Agent stopped")
	os.Exit(0)
}
