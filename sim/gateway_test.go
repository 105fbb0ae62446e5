package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"funding-mm-go/gateway"
	"funding-mm-go/quote"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func spec(id string) gateway.OrderSpec {
	return gateway.OrderSpec{
		ClientID: id, MarketID: "ETH-PERP", Side: quote.SideBuy,
		Price: d("2000"), Size: d("0.1"),
	}
}

func collect(t *testing.T, g *Gateway, n int) []gateway.Event {
	t.Helper()
	events := make([]gateway.Event, 0, n)
	timeout := time.After(2 * time.Second)
	for len(events) < n {
		select {
		case ev := <-g.Events():
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(events), n)
		}
	}
	return events
}

func TestPlaceAckAndFill(t *testing.T) {
	g := NewGateway(Config{FillAfter: 10 * time.Millisecond})
	defer g.Close()

	if err := g.Place(context.Background(), spec("c1")); err != nil {
		t.Fatal(err)
	}
	events := collect(t, g, 2)

	if events[0].Kind != gateway.EventAck || events[0].ExchangeID == "" {
		t.Fatalf("first event = %+v, want ack with exchange id", events[0])
	}
	if events[1].Kind != gateway.EventFill {
		t.Fatalf("second event = %+v, want fill", events[1])
	}
	if !events[1].FillSize.Equal(d("0.1")) || !events[1].FillPrice.Equal(d("2000")) {
		t.Errorf("fill = %s @ %s", events[1].FillSize, events[1].FillPrice)
	}
	if events[1].Seq == 0 {
		t.Error("fill must carry a per-order sequence number")
	}
}

func TestPartialFillsSplitAndSum(t *testing.T) {
	g := NewGateway(Config{FillAfter: 5 * time.Millisecond, PartialFills: true})
	defer g.Close()

	_ = g.Place(context.Background(), spec("c1"))
	events := collect(t, g, 3)

	total := decimal.Zero
	var lastSeq uint64
	for _, ev := range events[1:] {
		if ev.Kind != gateway.EventFill {
			t.Fatalf("event = %+v, want fill", ev)
		}
		if ev.Seq <= lastSeq {
			t.Errorf("sequence not increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		total = total.Add(ev.FillSize)
	}
	if !total.Equal(d("0.1")) {
		t.Errorf("partial fills sum = %s, want 0.1", total)
	}
}

func TestDuplicateFillsRepeatSameSeq(t *testing.T) {
	g := NewGateway(Config{FillAfter: 5 * time.Millisecond, DuplicateFills: true})
	defer g.Close()

	_ = g.Place(context.Background(), spec("c1"))
	events := collect(t, g, 3)

	first, second := events[1], events[2]
	if first.Seq != second.Seq || !first.FillSize.Equal(second.FillSize) {
		t.Errorf("duplicate delivery must repeat the same event: %+v vs %+v", first, second)
	}
}

func TestRejectInjection(t *testing.T) {
	g := NewGateway(Config{RejectEvery: 2})
	defer g.Close()

	_ = g.Place(context.Background(), spec("c1"))
	_ = g.Place(context.Background(), spec("c2"))
	events := collect(t, g, 2)

	kinds := map[gateway.EventKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	if kinds[gateway.EventAck] != 1 || kinds[gateway.EventReject] != 1 {
		t.Errorf("kinds = %v, want one ack and one reject", kinds)
	}
}

func TestSilentOrderNeverAcks(t *testing.T) {
	g := NewGateway(Config{SilentEvery: 1})
	defer g.Close()

	_ = g.Place(context.Background(), spec("c1"))

	select {
	case ev := <-g.Events():
		t.Fatalf("unexpected event %+v for silent order", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelLiveOrder(t *testing.T) {
	g := NewGateway(Config{})
	defer g.Close()
	ctx := context.Background()

	_ = g.Place(ctx, spec("c1"))
	ack := collect(t, g, 1)[0]

	if err := g.Cancel(ctx, "c1", ack.ExchangeID); err != nil {
		t.Fatal(err)
	}
	ev := collect(t, g, 1)[0]
	if ev.Kind != gateway.EventCancelAck {
		t.Errorf("event = %+v, want cancel ack", ev)
	}
}

func TestCancelTerminalOrderRejected(t *testing.T) {
	g := NewGateway(Config{FillAfter: time.Millisecond})
	defer g.Close()
	ctx := context.Background()

	_ = g.Place(ctx, spec("c1"))
	collect(t, g, 2) // ack + 全量成交

	if err := g.Cancel(ctx, "c1", ""); err != nil {
		t.Fatal(err)
	}
	ev := collect(t, g, 1)[0]
	if ev.Kind != gateway.EventCancelReject {
		t.Errorf("event = %+v, cancel after fill must be rejected", ev)
	}
}

func TestAmendUnsupported(t *testing.T) {
	g := NewGateway(Config{})
	defer g.Close()

	if g.SupportsAmend() {
		t.Error("sim gateway must not report amend capability")
	}
	if err := g.Amend(context.Background(), "c1", "", d("1"), d("1")); err == nil {
		t.Error("amend must fail")
	}
}

func TestClosedGatewayRefusesRequests(t *testing.T) {
	g := NewGateway(Config{})
	g.Close()

	if err := g.Place(context.Background(), spec("c1")); err != gateway.ErrGatewayClosed {
		t.Errorf("err = %v, want ErrGatewayClosed", err)
	}
}
