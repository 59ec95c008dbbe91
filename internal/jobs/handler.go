package jobs

import (
	"context"

	"github.com/optstream/optstream/internal/ladder"
	"github.com/optstream/optstream/internal/marketstate"
	"github.com/optstream/optstream/internal/provider"
	"github.com/optstream/optstream/internal/publish"
)

func (p *Pipeline) handleEvents(ctx context.Context) error {
	events := p.feed.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			p.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent routes one pushed update. Core instruments feed the market
// state; listed options are republished as-is; anything else is ignored.
func (p *Pipeline) HandleEvent(ctx context.Context, ev provider.Event) {
	switch {
	case ev.Tick != nil:
		p.onTick(ctx, *ev.Tick)
	case ev.BidAsk != nil:
		p.onBidAsk(ctx, *ev.BidAsk)
	}
}

func (p *Pipeline) onTick(ctx context.Context, t provider.Tick) {
	if tag, ok := p.core[t.Code]; ok {
		price := t.Close
		p.differ.Apply(tag, marketstate.Update{Last: &price})
		if tag == marketstate.TagFuture && price > 0 {
			p.ref.set(price)
			p.publishPrice(ctx, price)
		}
		p.flush(ctx)
		return
	}

	inst, ok := p.option(t.Code)
	if !ok {
		return
	}
	p.publish(ctx, publish.EventOptionData, optionFromTick(inst, t))
}

func (p *Pipeline) onBidAsk(ctx context.Context, ba provider.BidAsk) {
	if tag, ok := p.core[ba.Code]; ok {
		p.differ.Apply(tag, marketstate.Update{
			Bid: firstLevel(ba.BidPrice),
			Ask: firstLevel(ba.AskPrice),
		})
		p.flush(ctx)
		return
	}

	inst, ok := p.option(ba.Code)
	if !ok {
		return
	}
	p.publish(ctx, publish.EventBidAskData, depthFromBidAsk(inst, ba))
}

func (p *Pipeline) option(code string) (ladder.Instrument, bool) {
	inst, ok := p.index.Lookup(code)
	if !ok || inst.Class != ladder.ClassOption {
		return ladder.Instrument{}, false
	}
	return inst, true
}

func firstLevel(prices []float64) *float64 {
	if len(prices) == 0 {
		return nil
	}
	v := prices[0]
	return &v
}
