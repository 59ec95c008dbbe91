package jobs

import (
	"context"
	"time"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/marketstate"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/publish"
)

// Reconcile runs one reconciliation cycle: core instruments first, then every
// subscribed option in batches. Failures are logged and skipped so a slow
// batch only leaves its own instruments stale.
func (p *Pipeline) Reconcile(ctx context.Context) {
	if err := p.reconcileCore(ctx, true); err != nil {
		p.logger.Warnw("Core snapshot failed", "error", err)
	}
	p.reconcileOptions(ctx)
}

// reconcileCore refreshes the future and index last prices. The mini-future
// is left to its depth-derived last. With announce set, a changed reference
// price is published.
func (p *Pipeline) reconcileCore(ctx context.Context, announce bool) error {
	start := time.Now()
	snaps, err := provider.SnapshotsWithin(ctx, p.feed, p.coreCodes, p.cfg.CoreTimeout)
	p.metrics.RecordSnapshot(ctx, "core", time.Since(start), err)
	if err != nil {
		return err
	}

	for _, s := range snaps {
		tag, ok := p.core[s.Code]
		if !ok || tag == marketstate.TagMiniFuture {
			continue
		}
		price := s.Close
		p.differ.Apply(tag, marketstate.Update{Last: &price})
		if tag == marketstate.TagFuture && price > 0 && p.ref.set(price) && announce {
			p.publishPrice(ctx, price)
		}
	}
	if announce {
		p.flush(ctx)
	}
	return nil
}

func (p *Pipeline) reconcileOptions(ctx context.Context) {
	codes := p.manager.Codes()
	for off := 0; off < len(codes); off += p.cfg.BatchSize {
		if off > 0 && !p.pause(ctx) {
			return
		}
		batch := codes[off:min(off+p.cfg.BatchSize, len(codes))]

		start := time.Now()
		snaps, err := provider.SnapshotsWithin(ctx, p.feed, batch, p.cfg.BatchTimeout)
		p.metrics.RecordSnapshot(ctx, "options", time.Since(start), err)
		if err != nil {
			p.logger.Warnw("Snapshot batch failed, skipping",
				"offset", off,
				"size", len(batch),
				"error", err,
			)
			continue
		}

		for _, s := range snaps {
			inst := p.snapshotInstrument(s.Code)
			p.publish(ctx, publish.EventOptionData, optionFromSnapshot(inst, s))
			p.publish(ctx, publish.EventBidAskData, topFromSnapshot(inst, s))
		}
	}
}

// pause waits BatchPause after a finished batch. It reports false when ctx
// ends first.
func (p *Pipeline) pause(ctx context.Context) bool {
	if p.cfg.BatchPause <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(p.cfg.BatchPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// snapshotInstrument resolves a snapshot code. Codes the index does not know
// are decoded from the code itself and labeled with the default expiration.
func (p *Pipeline) snapshotInstrument(code string) ladder.Instrument {
	if inst, ok := p.index.Lookup(code); ok {
		return inst
	}
	inst, err := p.classifier.Resolve(ladder.CatalogEntry{Code: code})
	if err != nil {
		inst = ladder.Instrument{Code: code}
	}
	inst.Expiration = p.defaultExp
	return inst
}
