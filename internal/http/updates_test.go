package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type sseEvent struct {
	name string
	data string
}

func readEvents(tb testing.TB, scanner *bufio.Scanner, n int) []sseEvent {
	tb.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	for len(events) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	if len(events) < n {
		tb.Fatalf("stream ended after %d events: %v", len(events), scanner.Err())
	}
	return events
}

func openStream(tb testing.TB, url string) (*http.Response, *bufio.Scanner, context.CancelFunc) {
	tb.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/vote/updates", nil)
	if err != nil {
		cancel()
		tb.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		tb.Fatalf("open stream: %v", err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		tb.Fatalf("content type = %q", ct)
	}
	return resp, bufio.NewScanner(resp.Body), cancel
}

func TestVoteUpdates_InitialThenUpdates(t *testing.T) {
	ts := buildTestServer(t, testConfig())
	castVote(t, ts, "P1", "A", "1")

	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	resp, scanner, cancel := openStream(t, httpSrv.URL)
	defer cancel()
	defer resp.Body.Close()

	initial := readEvents(t, scanner, 1)[0]
	if initial.name != "initial" {
		t.Fatalf("first event = %q", initial.name)
	}
	var snap initialEvent
	if err := json.Unmarshal([]byte(initial.data), &snap); err != nil {
		t.Fatalf("decode initial: %v", err)
	}
	if snap.VoteCounts["P1"].Upvotes != 1 {
		t.Fatalf("snapshot = %+v", snap.VoteCounts)
	}

	castVote(t, ts, "P1", "B", "-1")
	castVote(t, ts, "P2", "B", "1")

	events := readEvents(t, scanner, 2)
	for _, e := range events {
		if e.name != "vote-update" {
			t.Fatalf("event = %q", e.name)
		}
	}
	var update struct {
		ProductID  string `json:"productId"`
		VoteCounts struct {
			Upvotes   int64 `json:"upvotes"`
			Downvotes int64 `json:"downvotes"`
		} `json:"voteCounts"`
		Score int64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(events[0].data), &update); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if update.ProductID != "P1" || update.VoteCounts.Downvotes != 1 || update.Score != 0 {
		t.Fatalf("first update = %+v", update)
	}
	if !strings.Contains(events[1].data, `"productId":"P2"`) {
		t.Fatalf("updates out of order: %s", events[1].data)
	}
}

func TestVoteUpdates_Heartbeat(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	ts := buildTestServer(t, cfg)

	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	resp, scanner, cancel := openStream(t, httpSrv.URL)
	defer cancel()
	defer resp.Body.Close()

	events := readEvents(t, scanner, 3)
	if events[1].name != "ping" || events[2].name != "ping" {
		t.Fatalf("expected pings, got %+v", events)
	}
}

func TestVoteUpdates_DisconnectUnsubscribes(t *testing.T) {
	ts := buildTestServer(t, testConfig())

	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	resp, scanner, cancel := openStream(t, httpSrv.URL)
	readEvents(t, scanner, 1)
	if got := ts.hub.SubscriberCount(); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	cancel()
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription leaked after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestVoteUpdates_HubCloseEndsStream(t *testing.T) {
	ts := buildTestServer(t, testConfig())

	httpSrv := httptest.NewServer(ts.Handler())
	defer httpSrv.Close()

	resp, scanner, cancel := openStream(t, httpSrv.URL)
	defer cancel()
	defer resp.Body.Close()
	readEvents(t, scanner, 1)

	ts.hub.Close()
	for scanner.Scan() {
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("stream ended with error: %v", err)
	}
}
