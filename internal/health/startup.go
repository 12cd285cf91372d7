// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/voxcampaign/dispatcher/internal/config"
	"github.com/voxcampaign/dispatcher/internal/log"
)

// PerformStartupChecks validates the environment and dependencies before
// the daemon starts accepting dispatch work.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkCallStorePath(logger, cfg.Storage.CallStorePath); err != nil {
		return fmt.Errorf("call store path check failed: %w", err)
	}

	if err := checkAddrs(logger, cfg); err != nil {
		return fmt.Errorf("address configuration check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkCallStorePath(logger zerolog.Logger, path string) error {
	if path == "" {
		return fmt.Errorf("storage.call_store_path must be set")
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
				return fmt.Errorf("call store directory does not exist and could not be created: %s: %w", dir, mkErr)
			}
		} else {
			return err
		}
	} else if !info.IsDir() {
		return fmt.Errorf("call store parent path is not a directory: %s", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("call store directory is not writable: %s: %w", dir, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("call store directory is writable")
	return nil
}

func checkAddrs(logger zerolog.Logger, cfg config.Config) error {
	if cfg.Webhook.Addr != "" {
		if err := checkListenAddr(cfg.Webhook.Addr); err != nil {
			return fmt.Errorf("invalid webhook listen address %q: %w", cfg.Webhook.Addr, err)
		}
		logger.Info().Str("addr", cfg.Webhook.Addr).Msg("webhook listen address is valid")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	if _, _, err := net.SplitHostPort(cfg.Redis.Addr); err != nil {
		return fmt.Errorf("invalid redis address %q: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis address is syntactically valid")

	return nil
}

func checkListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
