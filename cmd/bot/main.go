package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"time"

	"voxelsync.ai/internal/client"
	"voxelsync.ai/internal/clock"
	"voxelsync.ai/internal/config"
	"voxelsync.ai/internal/eventbus"
	"voxelsync.ai/internal/protocol"
	"voxelsync.ai/internal/transport"
	"voxelsync.ai/internal/transport/tcp"
	"voxelsync.ai/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url, or tcp://host:port for the yamux transport")
		name       = flag.String("name", "bot", "client id")
		configPath = flag.String("config", "", "path to netsync.yaml (empty for defaults)")
		inputEvery = flag.Duration("input_every", 100*time.Millisecond, "interval between movement inputs")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	conn, welcome, err := dial(ctx, *url, *name, 0)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	logger.Printf("WELCOME peer_id=%s entity_id=%d tick_rate=%d radius=%.1f",
		welcome.PeerID, welcome.EntityID, welcome.TickRateHz, welcome.InterestRadius)

	tc := transport.NewClient(clock.System, logger)
	defer tc.Close()
	rt := client.New(client.Options{
		Config:    cfg,
		Transport: tc,
		Logger:    logger,
		ClientID:  welcome.PeerID,
		EntityID:  welcome.EntityID,
	})

	eventbus.Subscribe(rt.Bus(), eventbus.WorldUpdate, func(p protocol.Payload) {
		switch w := p.(type) {
		case protocol.WorldState:
			logger.Printf("world full: entities=%d blocks=%d", len(w.Entities), len(w.Blocks))
		case protocol.WorldDelta:
			logger.Printf("world delta: entities=%d blocks=%d", len(w.Entities), len(w.Blocks))
		}
	})

	reconnect := make(chan struct{}, 1)
	tc.OnDisconnect(func() {
		select {
		case reconnect <- struct{}{}:
		default:
		}
	})
	if err := tc.Attach(conn); err != nil {
		logger.Fatalf("attach: %v", err)
	}

	go func() {
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("runtime stopped: %v", err)
		}
	}()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(*inputEvery)
	defer ticker.Stop()
	dir := randomDirection(r)
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-reconnect:
			redial(ctx, tc, *url, *name, welcome.EntityID, logger)
		case <-ticker.C:
			// Wander: keep a heading for a while, then pick a new one.
			if n%20 == 0 {
				dir = randomDirection(r)
			}
			if err := rt.Input(ctx, dir); err != nil && ctx.Err() == nil {
				logger.Printf("input: %v", err)
			}
		}
	}
}

func randomDirection(r *rand.Rand) protocol.InputState {
	return protocol.InputState{MoveX: float32(r.Intn(3) - 1), MoveZ: float32(r.Intn(3) - 1)}
}

// redial retries with backoff until a connection is attached or ctx ends.
// Inputs issued in between wait in the client's pending queue.
func redial(ctx context.Context, tc *transport.Client, url, name string, entityID int32, logger *log.Logger) {
	backoff := 250 * time.Millisecond
	for {
		conn, _, err := dial(ctx, url, name, entityID)
		if err == nil {
			if err := tc.Attach(conn); err != nil {
				logger.Printf("attach: %v", err)
			}
			logger.Printf("reconnected")
			return
		}
		logger.Printf("redial: %v (retry in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func dial(ctx context.Context, url, name string, entityID int32) (transport.Conn, protocol.WelcomeMsg, error) {
	if addr, ok := strings.CutPrefix(url, "tcp://"); ok {
		c, welcome, err := tcp.Dial(ctx, addr, name, entityID)
		if err != nil {
			return nil, welcome, err
		}
		return c, welcome, nil
	}
	c, welcome, err := ws.Dial(ctx, url, name, entityID)
	if err != nil {
		return nil, welcome, err
	}
	return c, welcome, nil
}
