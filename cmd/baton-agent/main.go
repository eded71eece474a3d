// ABOUTME: Reference agent for exercising the conductor end to end — connects
// ABOUTME: over WebSocket, announces readiness, heartbeats, and simulates work.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/batonhq/baton/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8420", "conductor address")
	agentID := flag.String("id", "", "agent id to report (required)")
	name := flag.String("name", "Baton Agent", "agent display name")
	token := flag.String("token", os.Getenv("BATON_TOKEN"), "bearer token")
	workDelay := flag.Duration("work-delay", 2*time.Second, "simulated task duration")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	if *agentID == "" {
		log.Fatal("missing required -id flag")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *agentID, *name, *token, *workDelay, *heartbeat); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr, agentID, name, token string, workDelay, heartbeat time.Duration) error {
	url := fmt.Sprintf("ws://%s/ws", addr)
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("connecting to conductor: %w", err)
	}
	defer ws.Close()

	// Heartbeats and work reports write concurrently; gorilla allows only
	// one writer at a time.
	var writeMu sync.Mutex
	send := func(t protocol.MessageType, payload any) error {
		env, err := protocol.NewEnvelope(t, payload)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteJSON(env)
	}

	if err := send(protocol.AgentReady, protocol.AgentReadyPayload{
		AgentID: agentID,
		Name:    name,
	}); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}
	log.Printf("ready as %s (%s)", agentID, name)

	// Heartbeats run independently of the message loop.
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := send(protocol.Heartbeat, protocol.HeartbeatPayload{AgentID: agentID}); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Close()
	}()

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch env.Type {
		case protocol.TaskAssigned:
			var p protocol.TaskEventPayload
			if err := env.Decode(&p); err != nil {
				log.Printf("bad TASK_ASSIGNED payload: %v", err)
				continue
			}
			if p.AgentID != agentID {
				continue // someone else's task
			}
			log.Printf("working on task %s: %s", p.TaskID, p.Title)
			go simulateWork(ctx, send, agentID, p.TaskID, workDelay)
		case protocol.ConnectionEstablished, protocol.AgentStatusUpdate, protocol.TaskCreated, protocol.TaskComplete:
			// Broadcasts we observe but do not act on.
		case protocol.ErrorMessage:
			var p protocol.ErrorPayload
			if env.Decode(&p) == nil {
				log.Printf("conductor error: %s", p.Message)
			}
		}
	}
}

func simulateWork(ctx context.Context, send func(protocol.MessageType, any) error, agentID, taskID string, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if err := send(protocol.TaskComplete, protocol.TaskCompletePayload{
		TaskID:  taskID,
		AgentID: agentID,
	}); err != nil {
		log.Printf("failed to report completion: %v", err)
		return
	}
	log.Printf("completed task %s", taskID)
}
