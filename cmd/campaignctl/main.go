// Command campaignctl is a thin operator CLI over the same coordination
// store the daemon uses: pause/resume a campaign, change its concurrency
// limit, and inspect waitlist depth and circuit state. It never starts a
// Promoter or Worker of its own, only reads and writes the shared keys.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/voxcampaign/dispatcher/internal/audit"
	"github.com/voxcampaign/dispatcher/internal/campaign/breaker"
	"github.com/voxcampaign/dispatcher/internal/config"
	"github.com/voxcampaign/dispatcher/internal/log"
	"github.com/voxcampaign/dispatcher/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, campaignID := args[0], args[1]

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log.Configure(log.Config{Level: "error", Service: "campaignctl"})

	rdb, err := store.New(store.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, *log.L())
	if err != nil {
		fatal(err)
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	auditLogger := audit.NewLogger()
	keys := store.NewKeys(campaignID)

	switch cmd {
	case "pause":
		if err := rdb.Raw().Set(ctx, keys.Limit(), 0, 0).Err(); err != nil {
			fatal(fmt.Errorf("pause: %w", err))
		}
		auditLogger.CampaignPause("operator", campaignID, "campaignctl pause")
		fmt.Printf("campaign %s paused (limit set to 0)\n", campaignID)

	case "resume":
		if len(args) < 3 {
			fatal(fmt.Errorf("resume requires a concurrency limit: campaignctl resume <id> <limit>"))
		}
		limit, err := parseLimit(args[2])
		if err != nil {
			fatal(err)
		}
		if err := rdb.Raw().Set(ctx, keys.Limit(), limit, 0).Err(); err != nil {
			fatal(fmt.Errorf("resume: %w", err))
		}
		auditLogger.CampaignResume("operator", campaignID)
		fmt.Printf("campaign %s resumed (limit set to %d)\n", campaignID, limit)

	case "set-limit":
		if len(args) < 3 {
			fatal(fmt.Errorf("set-limit requires a value: campaignctl set-limit <id> <limit>"))
		}
		limit, err := parseLimit(args[2])
		if err != nil {
			fatal(err)
		}
		prev, _ := rdb.Raw().Get(ctx, keys.Limit()).Int()
		if err := rdb.Raw().Set(ctx, keys.Limit(), limit, 0).Err(); err != nil {
			fatal(fmt.Errorf("set-limit: %w", err))
		}
		auditLogger.CampaignLimitChange("operator", campaignID, prev, limit)
		fmt.Printf("campaign %s limit changed %d -> %d\n", campaignID, prev, limit)

	case "status":
		printStatus(ctx, rdb, keys, campaignID)

	default:
		usage()
		os.Exit(2)
	}
}

func printStatus(ctx context.Context, rdb *store.Client, keys store.Keys, campaignID string) {
	limit, _ := rdb.Raw().Get(ctx, keys.Limit()).Int()
	active, _ := rdb.Raw().SCard(ctx, keys.Leases()).Result()
	reserved, _ := rdb.Raw().Get(ctx, keys.Reserved()).Int()
	waitHigh, _ := rdb.Raw().LLen(ctx, keys.WaitlistHigh()).Result()
	waitNormal, _ := rdb.Raw().LLen(ctx, keys.WaitlistNormal()).Result()

	breakerStore := breaker.New(rdb, breaker.Config{})
	state, err := breakerStore.State(ctx, campaignID)
	stateLabel := string(state)
	if err != nil {
		stateLabel = fmt.Sprintf("unknown (%v)", err)
	}

	fmt.Printf("campaign:          %s\n", campaignID)
	fmt.Printf("concurrency limit: %d\n", limit)
	fmt.Printf("active leases:     %d\n", active)
	fmt.Printf("reserved slots:    %d\n", reserved)
	fmt.Printf("waitlist (high):   %d\n", waitHigh)
	fmt.Printf("waitlist (normal): %d\n", waitNormal)
	fmt.Printf("circuit state:     %s\n", stateLabel)
}

func parseLimit(s string) (int, error) {
	var limit int
	if _, err := fmt.Sscanf(s, "%d", &limit); err != nil {
		return 0, fmt.Errorf("invalid limit %q: %w", s, err)
	}
	if limit < 0 {
		return 0, fmt.Errorf("limit must be non-negative")
	}
	return limit, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, `campaignctl: operate a running campaign through the shared coordination store

Usage:
  campaignctl [-config path] pause     <campaign-id>
  campaignctl [-config path] resume    <campaign-id> <limit>
  campaignctl [-config path] set-limit <campaign-id> <limit>
  campaignctl [-config path] status    <campaign-id>`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "campaignctl:", err)
	os.Exit(1)
}
