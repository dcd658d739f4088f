package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"position-ledger/internal/config"
	"position-ledger/internal/evm"
	"position-ledger/internal/observability"
	"position-ledger/internal/storage"
)

// runWatch subscribes to new heads on every chain with a ws_url and syncs the
// chain's positions after each head. Heads that arrive during a sync are
// coalesced into the latest one.
func runWatch(ctx context.Context, logger *slog.Logger, cfg *config.Config, a *app) error {
	g, ctx := errgroup.WithContext(ctx)
	watching := 0
	for _, chainID := range cfg.ChainIDs() {
		ch, _ := cfg.Chain(chainID)
		if ch.WSURL == "" {
			logger.Warn("chain has no ws_url, not watched", "chain", chainID)
			continue
		}
		watching++
		g.Go(func() error {
			return watchChain(ctx, logger.With("chain", chainID), a, chainID, ch.WSURL)
		})
	}
	if watching == 0 {
		return errors.New("watch mode requires at least one chain with ws_url")
	}
	return g.Wait()
}

func watchChain(ctx context.Context, logger *slog.Logger, a *app, chainID int64, wsURL string) error {
	var last evm.Header
	progress, err := a.heads.GetLastHead(ctx, chainID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("chain %d: load head progress: %w", chainID, err)
	default:
		last.Number = progress.BlockNumber
		if progress.BlockHash != "" {
			last.Hash = common.HexToHash(progress.BlockHash)
		}
		logger.Info("resuming from stored head", "head", last.Number, "hash", progress.BlockHash)
	}

	// Catch up before the first head arrives.
	if _, err := a.runner.SyncChain(ctx, chainID, 0); err != nil {
		return fmt.Errorf("chain %d: initial sync: %w", chainID, err)
	}

	wsCfg := evm.DefaultWSConfig()
	sub, err := evm.SubscribeHeads(ctx, wsURL, &wsCfg, logger)
	if err != nil {
		return fmt.Errorf("chain %d: subscribe heads: %w", chainID, err)
	}
	defer sub.Close()
	logger.Info("watching heads")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-sub.Heads():
			if !ok {
				return fmt.Errorf("chain %d: head subscription closed", chainID)
			}
			head = latestHead(sub.Heads(), head)
			observability.RecordHead(chainLabel(chainID))
			if alreadyHandled(last, head) {
				continue
			}
			if head.Number <= last.Number {
				logger.Info("chain reorganized", "head", head.Number, "hash", head.Hash.Hex(), "previous", last.Number)
			}

			res, err := a.runner.SyncChain(ctx, chainID, head.Number)
			if err != nil {
				logger.Error("head sync failed", "head", head.Number, "error", err)
				continue
			}
			last = head
			err = a.heads.SetLastHead(ctx, &storage.HeadProgress{
				ChainID:     chainID,
				BlockNumber: head.Number,
				BlockHash:   head.Hash.Hex(),
				UpdatedAt:   time.Now().UnixMilli(),
			})
			if err != nil {
				logger.Warn("save head progress failed", "head", head.Number, "error", err)
			}
			logger.Debug("head handled", "head", head.Number, "synced", res.Synced, "failed", res.Failed, "skipped", res.Skipped)
		}
	}
}

// alreadyHandled reports whether head needs no sync given the last handled one.
// A head at or below the last height with a different hash is a reorg and is
// synced again. Without a known hash only the height is compared.
func alreadyHandled(last, head evm.Header) bool {
	if last.Hash == (common.Hash{}) {
		return head.Number <= last.Number
	}
	return head.Hash == last.Hash
}

// latestHead drains queued heads without blocking and returns the highest one.
// At equal height the later arrival wins, since it replaces a reorged block.
func latestHead(heads <-chan evm.Header, current evm.Header) evm.Header {
	for {
		select {
		case h, ok := <-heads:
			if !ok {
				return current
			}
			if h.Number >= current.Number {
				current = h
			}
		default:
			return current
		}
	}
}
