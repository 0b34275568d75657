package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/bytedance/sonic"

	"main/internal/eventstore"
	"main/internal/om"
	"main/internal/schema"
)

// replay walks the event log and optionally re-folds one order, proving
// the materialized state is derivable from the log alone.
func main() {
	path := flag.String("store", "router.db", "Event store path")
	orderID := flag.String("order", "", "Replay a single order stream")
	since := flag.Uint64("since", 0, "Start from this store sequence")
	limit := flag.Int("limit", 0, "Stop after N events (0=all)")
	decode := flag.Bool("decode", false, "Print decoded payloads")
	flag.Parse()

	store, err := eventstore.Open(*path)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if *orderID != "" {
		replayOrder(ctx, store, *orderID, *decode)
		return
	}

	var printed int
	cursor := *since
	for {
		batch, err := store.ReadSince(ctx, cursor, 1024)
		if err != nil {
			log.Fatalf("read events: %v", err)
		}
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			cursor = ev.StoreSeq
			printEvent(ev, *decode)
			printed++
			if *limit > 0 && printed >= *limit {
				return
			}
		}
	}
}

func replayOrder(ctx context.Context, store *eventstore.Store, orderID string, decode bool) {
	events, err := store.ReadOrder(ctx, orderID)
	if err != nil {
		log.Fatalf("read order: %v", err)
	}
	if len(events) == 0 {
		log.Fatalf("no events for order %s", orderID)
	}
	for _, ev := range events {
		printEvent(ev, decode)
	}

	order, err := om.Fold(events)
	if err != nil {
		log.Fatalf("fold order: %v", err)
	}
	fmt.Printf("\nfolded state=%s filled=%d remaining=%d version=%d\n",
		order.State, order.FilledQty, order.RemainingQty, order.Version)
}

func printEvent(ev schema.Event, decode bool) {
	at := time.Unix(0, ev.At).UTC().Format(time.RFC3339Nano)
	fmt.Printf("%08d %-24s order=%s seq=%d at=%s\n", ev.StoreSeq, ev.Kind, ev.OrderID, ev.OrderSeq, at)
	if !decode || len(ev.Payload) == 0 {
		return
	}
	var payload any
	if err := sonic.Unmarshal(ev.Payload, &payload); err != nil {
		fmt.Printf("         payload: <undecodable: %v>\n", err)
		return
	}
	fmt.Printf("         payload: %+v\n", payload)
}
