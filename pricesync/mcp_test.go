package pricesync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pricesync/lease"
)

var testMCPImpl = &mcp.Implementation{Name: "pricesync-test", Version: "0.1.0"}

func mcpSession(t *testing.T, svc *Service) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	svc.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCall(t *testing.T, session *mcp.ClientSession, name string, args any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	return result
}

func mcpCallJSON(t *testing.T, session *mcp.ClientSession, name string, args, out any) {
	t.Helper()
	result := mcpCall(t, session, name, args)
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %+v", name, result.Content)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	if err := json.Unmarshal([]byte(tc.Text), out); err != nil {
		t.Fatalf("CallTool(%s): unmarshal %q: %v", name, tc.Text, err)
	}
}

// --- pricesync_sync ---

func TestMCP_SyncWait(t *testing.T) {
	h := newHarness(t)
	session := mcpSession(t, h.svc)

	var rep struct {
		Status   string `json:"status"`
		Inserted int    `json:"inserted"`
	}
	mcpCallJSON(t, session, "pricesync_sync", map[string]any{"wait": true}, &rep)
	if rep.Status != "succeeded" || rep.Inserted != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestMCP_SyncBackground(t *testing.T) {
	// WHAT: Without wait the tool answers at once and the run finishes in
	// the background.
	h := newHarness(t)
	session := mcpSession(t, h.svc)

	var resp map[string]string
	mcpCallJSON(t, session, "pricesync_sync", map[string]any{}, &resp)
	if resp["status"] != "started" {
		t.Fatalf("sync = %v", resp)
	}
	deadline := time.Now().Add(10 * time.Second)
	for h.svc.Running() {
		if time.Now().After(deadline) {
			t.Fatal("background run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var st struct {
		Items   int  `json:"items"`
		Running bool `json:"running"`
	}
	mcpCallJSON(t, session, "pricesync_status", map[string]any{}, &st)
	if st.Items != 2 || st.Running {
		t.Errorf("status = %+v", st)
	}
}

// --- pricesync_search_items ---

func TestMCP_Search(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	session := mcpSession(t, h.svc)

	var resp struct {
		Items []struct {
			SKU string `json:"sku"`
		} `json:"items"`
	}
	mcpCallJSON(t, session, "pricesync_search_items", map[string]any{"query": "alp"}, &resp)
	if len(resp.Items) != 1 || resp.Items[0].SKU != "A" {
		t.Errorf("search = %+v", resp.Items)
	}
}

// --- pricesync_missing_* ---

func TestMCP_MissingReview(t *testing.T) {
	// WHAT: The staged SKU is listed, confirmation is refused while another
	// process holds the run lease, then deletes it once the lease is gone.
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	h.feed.set(feedV2, `"v2"`)
	h.advance(time.Hour)
	if _, err := h.svc.Run(ctx); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	session := mcpSession(t, h.svc)

	var list struct {
		Items []MissingItem `json:"items"`
	}
	mcpCallJSON(t, session, "pricesync_missing_list", map[string]any{}, &list)
	if len(list.Items) != 1 || list.Items[0].SKU != "B" {
		t.Fatalf("missing = %+v", list.Items)
	}

	other := lease.New(h.svc.Store().DB, lease.Options{TTL: time.Minute})
	l, err := other.Acquire(ctx, "other-host/1/x")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res := mcpCall(t, session, "pricesync_missing_confirm", map[string]any{}); !res.IsError {
		t.Errorf("confirm under lease: want tool error, got %+v", res.Content)
	}
	l.Release(ctx)

	var confirmed map[string]int
	mcpCallJSON(t, session, "pricesync_missing_confirm", map[string]any{}, &confirmed)
	if confirmed["deleted"] != 1 {
		t.Errorf("confirm = %v", confirmed)
	}

	var discarded map[string]int
	mcpCallJSON(t, session, "pricesync_missing_discard", map[string]any{}, &discarded)
	if discarded["discarded"] != 0 {
		t.Errorf("discard = %v", discarded)
	}
}

func TestMCP_BadArguments(t *testing.T) {
	h := newHarness(t)
	session := mcpSession(t, h.svc)
	if res := mcpCall(t, session, "pricesync_sync", map[string]any{"wait": "yes"}); !res.IsError {
		t.Errorf("want tool error for non-boolean wait, got %+v", res.Content)
	}
}
