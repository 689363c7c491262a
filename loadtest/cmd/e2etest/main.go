// Package main is an end-to-end smoke test for a running order chat server.
// It walks one order through the user journey: health checks, handshake
// authentication, joining the chat, message delivery, contact redaction,
// editing, read receipts and rate limiting.
//
// The server must know the fixture orders, e.g. started with SEED_FILE
// written by `loadtest seed`, and verify tokens with the same secret.
//
// Usage:
//
//	e2etest [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-secret s] [-pair 0] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/taskmarket/order-chat/internal/chat"
	"github.com/taskmarket/order-chat/internal/moderation"
	"github.com/taskmarket/order-chat/internal/protocol"
	"github.com/taskmarket/order-chat/loadtest/client"
	"github.com/taskmarket/order-chat/loadtest/fixture"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

func pass(name, detail string) scenarioResult { return scenarioResult{name, resultPass, detail} }

func fail(name string, format string, args ...interface{}) scenarioResult {
	return scenarioResult{name, resultFail, fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

type env struct {
	wsURL   string
	apiBase string
	signer  fixture.Signer
	pair    fixture.Pair
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP base URL")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret the server verifies with")
	issuer := flag.String("issuer", os.Getenv("JWT_ISSUER"), "JWT issuer the server expects")
	pairIndex := flag.Int("pair", 0, "Fixture order to run against; the next one is used for rate limiting")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Order Chat E2E Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := env{
		wsURL:   *wsURL,
		apiBase: *apiBase,
		signer:  fixture.Signer{Secret: *secret, Issuer: *issuer, TTL: time.Hour},
		pair:    fixture.PairAt(*pairIndex),
	}

	results := []scenarioResult{
		scenarioHealth(ctx, e),
		scenarioBadToken(ctx, e),
	}
	results = append(results, scenarioConversation(ctx, e)...)

	rl := e
	rl.pair = fixture.PairAt(*pairIndex + 1)
	results = append(results, scenarioRateLimit(ctx, rl))

	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func scenarioHealth(ctx context.Context, e env) scenarioResult {
	name := "Health and metrics"

	body, err := httpGetBody(ctx, e.apiBase+"/health")
	if err != nil {
		return fail(name, "/health: %v", err)
	}
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return fail(name, "/health JSON parse: %v", err)
	}

	metricsBody, err := httpGetBody(ctx, e.apiBase+"/metrics")
	if err != nil {
		return fail(name, "/metrics: %v", err)
	}
	if !strings.Contains(string(metricsBody), "orderchat_connections_total") {
		return fail(name, "/metrics: missing orderchat_connections_total")
	}

	return pass(name, fmt.Sprintf("status=%s, connections=%d", health.Status, health.Connections))
}

// ---------------------------------------------------------------------------
// Handshake authentication
// ---------------------------------------------------------------------------

func scenarioBadToken(ctx context.Context, e env) scenarioResult {
	name := "Bad token rejected"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, e.wsURL, "not-a-token")
	if err != nil {
		// Refusing the upgrade outright is also a rejection.
		return pass(name, "upgrade refused")
	}
	defer c.Close()

	raw, err := c.Expect(ctx, protocol.TypeError)
	if err != nil {
		return fail(name, "no error event: %v", err)
	}
	var msg protocol.ErrorMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fail(name, "error JSON parse: %v", err)
	}
	if msg.Code != "unauthorized" {
		return fail(name, "code = %q, want unauthorized", msg.Code)
	}

	select {
	case <-c.Done():
	case <-ctx.Done():
		return fail(name, "server kept the connection open")
	}
	return pass(name, "code=unauthorized")
}

// ---------------------------------------------------------------------------
// Conversation: join, deliver, redact, edit, read
// ---------------------------------------------------------------------------

func scenarioConversation(ctx context.Context, e env) []scenarioResult {
	names := []string{
		"Join order chat",
		"Message delivery",
		"Contact redaction",
		"Edit message",
		"Read receipts",
	}
	results := make([]scenarioResult, 0, len(names))
	failRest := func(reason string) []scenarioResult {
		failed := names[len(results)]
		results = append(results, fail(failed, "%s", reason))
		for len(results) < len(names) {
			results = append(results, fail(names[len(results)], "skipped: %s failed", failed))
		}
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// --- Join ---
	owner, err := connect(ctx, e, e.pair.ClientID)
	if err != nil {
		return failRest(fmt.Sprintf("client connect: %v", err))
	}
	defer owner.Close()
	contractor, err := connect(ctx, e, e.pair.ContractorID)
	if err != nil {
		return failRest(fmt.Sprintf("contractor connect: %v", err))
	}
	defer contractor.Close()

	for _, c := range []*client.Client{owner, contractor} {
		if err := join(ctx, c, e.pair.OrderID); err != nil {
			return failRest(err.Error())
		}
	}
	results = append(results, pass(names[0], "order="+truncateID(e.pair.OrderID)))

	// --- Delivery ---
	sent, received, err := exchange(ctx, owner, contractor, e.pair.OrderID, "hello from the client side")
	if err != nil {
		return failRest(err.Error())
	}
	if received.ID != sent.ID || received.Content != sent.Content {
		return failRest(fmt.Sprintf("received %s %q, sent %s %q", received.ID, received.Content, sent.ID, sent.Content))
	}
	results = append(results, pass(names[1], "message="+truncateID(sent.ID)))

	// --- Redaction ---
	leaky, _, err := exchange(ctx, contractor, owner, e.pair.OrderID, "write me at someone@example.com")
	if err != nil {
		return failRest(err.Error())
	}
	if !leaky.IsModerated || !strings.Contains(leaky.Content, moderation.Redaction) {
		return failRest(fmt.Sprintf("content %q not redacted", leaky.Content))
	}
	results = append(results, pass(names[2], fmt.Sprintf("flags=%v", leaky.ModerationFlags)))

	// --- Edit ---
	editSeen := make(chan protocol.MessageEditedMsg, 1)
	contractor.On(protocol.TypeMessageEdited, func(raw json.RawMessage) {
		var m protocol.MessageEditedMsg
		if json.Unmarshal(raw, &m) == nil && m.Message != nil {
			select {
			case editSeen <- m:
			default:
			}
		}
	})
	if _, err := owner.Request(ctx, map[string]string{
		"type":       protocol.TypeEditMessage,
		"message_id": sent.ID,
		"content":    "hello again, edited",
	}, protocol.TypeMessageEdited); err != nil {
		return failRest(fmt.Sprintf("edit: %v", err))
	}
	select {
	case m := <-editSeen:
		if !m.Message.IsEdited || m.Message.Content != "hello again, edited" {
			return failRest(fmt.Sprintf("edited message = %+v", m.Message))
		}
	case <-ctx.Done():
		return failRest("timeout waiting for message_edited on contractor")
	}
	results = append(results, pass(names[3], ""))

	// --- Read receipts ---
	receipt := make(chan protocol.MessagesReadMsg, 1)
	owner.On(protocol.TypeMessagesRead, func(raw json.RawMessage) {
		var m protocol.MessagesReadMsg
		if json.Unmarshal(raw, &m) == nil {
			select {
			case receipt <- m:
			default:
			}
		}
	})
	if _, err := contractor.Request(ctx, map[string]interface{}{
		"type":        protocol.TypeMarkAsRead,
		"order_id":    e.pair.OrderID,
		"message_ids": []string{sent.ID},
	}, protocol.TypeAck); err != nil {
		return failRest(fmt.Sprintf("mark_as_read: %v", err))
	}
	select {
	case m := <-receipt:
		if m.ReaderID != e.pair.ContractorID || len(m.MessageIDs) != 1 || m.MessageIDs[0] != sent.ID {
			return failRest(fmt.Sprintf("receipt = %+v", m))
		}
	case <-ctx.Done():
		return failRest("timeout waiting for messages_read on client")
	}
	results = append(results, pass(names[4], "reader="+truncateID(e.pair.ContractorID)))

	return results
}

// exchange sends content from one user and waits for the sender's
// confirmation and the counterpart's delivery.
func exchange(ctx context.Context, from, to *client.Client, orderID, content string) (sent, received *chat.Message, err error) {
	delivered := make(chan protocol.NewMessageMsg, 4)
	to.On(protocol.TypeNewMessage, func(raw json.RawMessage) {
		var m protocol.NewMessageMsg
		if json.Unmarshal(raw, &m) == nil && m.Message != nil {
			select {
			case delivered <- m:
			default:
			}
		}
	})
	defer to.On(protocol.TypeNewMessage, func(json.RawMessage) {})

	raw, err := from.Request(ctx, map[string]string{
		"type":     protocol.TypeSendMessage,
		"order_id": orderID,
		"content":  content,
	}, protocol.TypeMessageSent)
	if err != nil {
		return nil, nil, fmt.Errorf("send_message: %w", err)
	}
	var ack protocol.MessageSentMsg
	if err := json.Unmarshal(raw, &ack); err != nil || ack.Message == nil {
		return nil, nil, fmt.Errorf("message_sent JSON parse: %v", err)
	}

	for {
		select {
		case m := <-delivered:
			if m.Message.ID == ack.Message.ID {
				return ack.Message, m.Message, nil
			}
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("timeout waiting for new_message")
		}
	}
}

// ---------------------------------------------------------------------------
// Rate limiting (optional)
// ---------------------------------------------------------------------------

func scenarioRateLimit(ctx context.Context, e env) scenarioResult {
	name := "Rate limiting (optional)"

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	c, err := connect(ctx, e, e.pair.ClientID)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()
	if err := join(ctx, c, e.pair.OrderID); err != nil {
		return scenarioResult{name, resultInfo, err.Error()}
	}

	limited := make(chan struct{}, 1)
	c.On(protocol.TypeError, func(raw json.RawMessage) {
		var m protocol.ErrorMsg
		if json.Unmarshal(raw, &m) == nil && m.Code == "rate_limited" {
			select {
			case limited <- struct{}{}:
			default:
			}
		}
	})

	const burst = 50
	for i := 0; i < burst; i++ {
		if err := c.Send(map[string]string{
			"type":     protocol.TypeSendMessage,
			"order_id": e.pair.OrderID,
			"content":  "burst message",
		}); err != nil {
			return scenarioResult{name, resultInfo, fmt.Sprintf("send %d: %v", i, err)}
		}
	}

	select {
	case <-limited:
		return pass(name, fmt.Sprintf("rate_limited within %d sends", burst))
	case <-time.After(3 * time.Second):
		return scenarioResult{name, resultInfo, fmt.Sprintf("no rate_limited after %d sends", burst)}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func connect(ctx context.Context, e env, userID string) (*client.Client, error) {
	token, err := e.signer.Token(userID, "")
	if err != nil {
		return nil, err
	}
	c, err := client.Dial(ctx, e.wsURL, token)
	if err != nil {
		return nil, err
	}
	if _, err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

func join(ctx context.Context, c *client.Client, orderID string) error {
	errs := make(chan string, 1)
	c.On(protocol.TypeError, func(raw json.RawMessage) {
		var m protocol.ErrorMsg
		if json.Unmarshal(raw, &m) == nil && m.Event == protocol.TypeJoinOrderChat {
			select {
			case errs <- m.Code + ": " + m.Message:
			default:
			}
		}
	})
	defer c.On(protocol.TypeError, func(json.RawMessage) {})

	joined := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, map[string]string{
			"type":     protocol.TypeJoinOrderChat,
			"order_id": orderID,
		}, protocol.TypeAck)
		joined <- err
	}()

	select {
	case err := <-joined:
		if err != nil {
			return fmt.Errorf("join_order_chat: %w", err)
		}
		return nil
	case reason := <-errs:
		return fmt.Errorf("join_order_chat rejected (%s); is the server seeded?", reason)
	}
}

func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8] + "..."
	}
	return id
}
