package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mcdev12/eshop/go/internal/bus"
	"github.com/mcdev12/eshop/go/internal/events"
	"github.com/mcdev12/eshop/go/internal/platform/broker"
	"github.com/mcdev12/eshop/go/internal/platform/config"
)

// Publishes BasketCheckout events the way the basket service would, so the
// ordering and payment services can be exercised end to end.
func main() {
	path := flag.String("file", "go/internal/assets/checkouts.json", "JSON array of basket checkouts")
	flag.Parse()

	// 1) Load the JSON snapshot
	data, err := os.ReadFile(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read JSON: %v\n", err)
		os.Exit(1)
	}
	var checkouts []events.BasketCheckoutEvent
	if err := json.Unmarshal(data, &checkouts); err != nil {
		fmt.Fprintf(os.Stderr, "unmarshal JSON: %v\n", err)
		os.Exit(1)
	}

	// 2) Connect using the shared bus config
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	b, err := broker.Open(cfg.Bus)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	// 3) Publish and count
	var (
		total     = len(checkouts)
		published int
		errs      int
	)

	ctx := context.Background()
	for _, c := range checkouts {
		c.BaseIntegrationEvent = events.NewBase("", time.Now())
		if err := b.Publish(ctx, c, bus.WithMessageID(c.CorrelationID)); err != nil {
			fmt.Fprintf(os.Stderr, "error publishing checkout for %s: %v\n", c.UserName, err)
			errs++
			continue
		}
		fmt.Printf("published checkout for %s (correlation %s)\n", c.UserName, c.CorrelationID)
		published++
	}

	fmt.Printf("Done: %d total, %d published, %d errors\n", total, published, errs)
	if errs > 0 {
		os.Exit(1)
	}
}
