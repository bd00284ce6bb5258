package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"predmkt/internal/codec"
	"predmkt/internal/exposure"
	"predmkt/internal/obs"
	"predmkt/internal/outbox"
	"predmkt/internal/schema"
	"predmkt/internal/state"
)

func main() {
	dir := flag.String("dir", "data/outbox", "Outbox directory")
	prefix := flag.String("prefix", "", "Outbox file prefix (default: outbox)")
	speed := flag.Float64("speed", 0, "Playback speed (1=real-time, 0=no pacing)")
	noChecksum := flag.Bool("no-checksum", false, "Disable checksum validation")
	maxPayload := flag.Int("max-payload", 0, "Max payload size in bytes (0=unlimited)")
	decode := flag.Bool("decode", false, "Decode known payload types")
	quiet := flag.Bool("quiet", false, "Do not print records")
	snapshotPath := flag.String("verify-snapshot", "", "Verify replayed state against this snapshot")
	flag.Parse()

	pb, err := outbox.NewPlayback(outbox.PlaybackConfig{
		Dir:             *dir,
		FilePrefix:      *prefix,
		Speed:           *speed,
		DisableChecksum: *noChecksum,
		MaxPayloadSize:  *maxPayload,
	})
	if err != nil {
		log.Fatalf("playback init failed: %v", err)
	}

	var (
		expected *state.Snapshot
		reducer  = state.NewReducer(exposure.Config{})
	)
	if *snapshotPath != "" {
		snap, err := state.ReadSnapshot(*snapshotPath)
		if err != nil {
			log.Fatalf("snapshot read failed: %v", err)
		}
		expected = &snap
	}

	ctx := context.Background()
	var index int
	counts := make(map[schema.EventType]int)
	err = pb.Run(ctx, func(header schema.EventHeader, payload []byte) error {
		index++
		counts[header.Type]++
		if !*quiet {
			fmt.Printf("%06d seq=%d type=%s source=%d flags=%d trace=%d trace_src=%d ts_event=%d len=%d\n",
				index, header.Seq, header.Type, header.Source, header.Flags, header.TraceID, obs.TraceSource(header.TraceID), header.TsEvent, len(payload))
			if *decode {
				printDecoded(header.Type, payload)
			}
		}
		if expected != nil && header.Seq > expected.LastSeq {
			return nil
		}
		return reducer.Apply(header, payload)
	})
	if err != nil {
		log.Fatalf("playback run failed: %v", err)
	}

	if expected != nil {
		if err := state.CompareSnapshots(*expected, reducer.Snapshot()); err != nil {
			log.Fatalf("snapshot mismatch: %v", err)
		}
		log.Printf("snapshot verified: seq=%d markets=%d balances=%d", expected.LastSeq, len(expected.Markets), len(expected.Balances))
	}
	log.Printf("replay completed: total=%d counts=%v markets=%d", index, counts, len(reducer.Arena.IDs()))
}

func printDecoded(t schema.EventType, payload []byte) {
	v, err := codec.Decode(t, payload)
	if err != nil {
		fmt.Printf("  decode %s failed: %v\n", t, err)
		return
	}
	switch ev := v.(type) {
	case schema.TradeExecuted:
		fmt.Printf("  trade id=%s user=%s market=%s outcome=%d side=%s status=%s shares=%s cash=%s markup=%s avg=%s\n",
			ev.TradeID, ev.UserID, ev.MarketID, ev.Outcome, ev.Side, ev.Status, ev.Shares, ev.Cash, ev.Markup, ev.AvgPrice)
	case schema.HedgeStatusChanged:
		r := ev.Record
		fmt.Printf("  hedge trade=%s instrument=%s status=%s reason=%s attempts=%d hedge_price=%s spread=%s net=%s\n",
			r.TradeID, r.Instrument, r.Status, r.Reason, r.Attempts, r.HedgePrice, r.Spread, r.NetProfit)
	case schema.MarketRepriced:
		fmt.Printf("  repriced market=%s q=%v halted=%v\n", ev.MarketID, ev.Q, ev.Halted)
	case schema.BalanceAdjusted:
		fmt.Printf("  balance reason=%s deltas=%d\n", ev.Reason, len(ev.Deltas))
	case schema.MarketLifecycle:
		fmt.Printf("  market id=%s type=%s status=%s b=%v winner=%d deltas=%d\n",
			ev.Market.ID, ev.Market.Type, ev.Status, ev.Market.B, ev.Market.Winner, len(ev.Deltas))
	case schema.OutboxAck:
		fmt.Printf("  ack seq=%d\n", ev.Seq)
	}
}
