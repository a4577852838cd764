// Manual load smoke for a running relay: joins many members across many
// parties, forwards a steady stream of video updates, and reports how many
// broadcasts came back.
//
//	go run ./scripts/party_load -url ws://localhost:8080/ -parties 10 -members 4
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/coder/websocket"

	"github.com/Jelly-Party/jelly-party-next/lib/party"
	"github.com/Jelly-Party/jelly-party-next/lib/protocol"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/", "relay websocket url")
		parties  = flag.Int("parties", 10, "number of parties")
		members  = flag.Int("members", 4, "members per party")
		duration = flag.Duration("duration", 10*time.Second, "how long to chatter")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx, cancel := context.WithTimeout(context.Background(), *duration+30*time.Second)
	defer cancel()

	var sent, received atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < *parties; p++ {
		partyID := party.NewPartyID()
		for m := 0; m < *members; m++ {
			wg.Add(1)
			go func(partyID string, n int) {
				defer wg.Done()
				if err := runMember(ctx, *url, partyID, n, *duration, &sent, &received); err != nil {
					logger.Error("member failed", "party", partyID, "member", n, "err", err)
				}
			}(partyID, m)
		}
	}
	wg.Wait()

	fmt.Printf("sent=%d received=%d\n", sent.Load(), received.Load())
}

func runMember(ctx context.Context, url, partyID string, n int, duration time.Duration, sent, received *atomic.Int64) error {
	var conn *websocket.Conn
	err := retry.New(
		retry.Attempts(5),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		c, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.CloseNow()

	join, err := protocol.Encode(protocol.MsgJoin, protocol.JoinData{
		PartyID: partyID,
		ClientState: protocol.ClientState{
			ClientName: fmt.Sprintf("load-%d", n),
			Emoji:      "\U0001F916",
		},
	})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	// Drain broadcasts for the whole run.
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go func() {
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		inner, err := protocol.NewMessage(protocol.MsgVideoUpdate, protocol.VideoUpdateData{
			Variant: protocol.VariantSeek,
			Tick:    float64(time.Now().Unix() % 600),
		})
		if err != nil {
			return err
		}
		forward, err := protocol.Encode(protocol.MsgForward, protocol.ForwardData{CommandToForward: inner})
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageText, forward); err != nil {
			return fmt.Errorf("send forward: %w", err)
		}
		sent.Add(1)
		time.Sleep(time.Second)
	}
	return nil
}
