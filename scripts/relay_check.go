package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/harunnryd/avatar/pkg/avatar"
)

// relay_check fetches relay credentials with the configured provider and
// prints the servers a peer connection would use.
func main() {
	configPath := flag.String("config", "configs/avatar.example.yaml", "")
	timeout := flag.Duration("timeout", 10*time.Second, "")
	showSecrets := flag.Bool("show_secrets", false, "print relay credentials unmasked")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := avatar.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	providers := avatar.NewProviderRegistry()
	avatar.RegisterBuiltins(providers)
	src, err := providers.BuildRelay(cfg)
	if err != nil {
		fmt.Println("relay error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	start := time.Now()
	creds, err := src.Fetch(ctx)
	if err != nil {
		fmt.Println("fetch error:", err)
		os.Exit(1)
	}
	fmt.Printf("provider: %s (%s)\n", providerName(cfg.Vendors.Relay.Provider), time.Since(start).Round(time.Millisecond))
	if creds.TTL > 0 {
		fmt.Println("ttl:", creds.TTL)
	}
	for i, s := range creds.Servers {
		fmt.Printf("server %d: %s\n", i, strings.Join(s.URLs, ", "))
		if s.Username != "" {
			fmt.Println("  username:", mask(s.Username, *showSecrets))
		}
		if s.Credential != "" {
			fmt.Println("  credential:", mask(s.Credential, *showSecrets))
		}
	}
}

func providerName(v string) string {
	if strings.TrimSpace(v) == "" {
		return "static"
	}
	return v
}

func mask(v string, show bool) string {
	if show || len(v) <= 4 {
		return v
	}
	return v[:4] + strings.Repeat("*", len(v)-4)
}
