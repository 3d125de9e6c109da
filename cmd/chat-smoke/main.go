// Package main provides a CI-friendly smoke test for the chat sync layer.
//
// It validates, against a live server:
//   - connect + setup binding
//   - room join
//   - optimistic send -> confirmed echo promotion
//   - clean teardown
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"marketchat/internal/reconcile"
	"marketchat/internal/session"
	"marketchat/internal/transport"

	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; env vars win over defaults either way.
	_ = godotenv.Load()

	var (
		wsAddr  = flag.String("ws", "", "WebSocket URL (default from MARKETCHAT_WS_ADDR)")
		restURL = flag.String("rest", "", "REST base URL (default from MARKETCHAT_REST_BASE_URL)")
		token   = flag.String("token", "", "Access token (default from MARKETCHAT_ACCESS_TOKEN)")
		profile = flag.String("profile", "", "Profile id to bind (default derived from token)")
		convID  = flag.String("conv", "smoke-conv-1", "Conversation id to open")
		text    = flag.String("text", "marketchat smoke 👋", "Message text to send")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
	)
	flag.Parse()

	cfg := session.LoadConfig()
	if *wsAddr != "" {
		cfg.WSAddr = *wsAddr
	}
	if *restURL != "" {
		cfg.RESTBaseURL = *restURL
	}
	if *token != "" {
		cfg.AccessToken = *token
	}

	log := session.NewLogger(cfg.LogLevel)

	s, err := session.New(cfg, log)
	if err != nil {
		fatalf("session: %v", err)
	}
	defer s.Close()

	if err := s.Connect(); err != nil {
		fatalf("connect: %v", err)
	}

	awaitConnState(s, transport.StateConnected, *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *profile != "" {
		s.Bind(ctx, *profile)
	}

	if err := s.OpenConversation(ctx, *convID); err != nil {
		// History is best-effort for smoke purposes; live flow still works.
		fmt.Fprintf(os.Stderr, "WARN: history seed failed: %v\n", err)
	}

	provisionalID, err := s.SendMessage(ctx, *convID, *text)
	if err != nil {
		fatalf("send: %v", err)
	}

	env := awaitSent(s, *convID, *text, *timeout)
	fmt.Printf("OK: conv_id=%s provisional_id=%s server_id=%s state=%s\n",
		*convID, provisionalID, env.ID, env.State)
}

func awaitConnState(s *session.Session, want transport.State, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			fatalf("timeout waiting for state %s (current: %s)", want, s.ConnState())
		case ev, ok := <-s.Events():
			if !ok {
				fatalf("session closed while waiting for state %s", want)
			}
			if ev.Kind == session.EventConnState && ev.ConnState == want {
				return
			}
		}
	}
}

func awaitSent(s *session.Session, convID, text string, timeout time.Duration) reconcile.Envelope {
	deadline := time.After(timeout)
	for {
		select {
		case <-deadline:
			fatalf("timeout waiting for send confirmation in %s", convID)
		case ev, ok := <-s.Events():
			if !ok {
				fatalf("session closed while waiting for send confirmation")
			}
			if ev.Kind != session.EventMessage || ev.Conversation != convID {
				continue
			}
			if ev.Message.State == reconcile.Sent && ev.Message.Content == text {
				return ev.Message
			}
			if ev.Message.State == reconcile.Failed && ev.Message.Content == text {
				fatalf("send rejected: envelope %s failed", ev.Message.ID)
			}
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
