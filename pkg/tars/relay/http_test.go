package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func postRPC(ctx context.Context, url, session, body string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if session != "" {
		req.Header.Set("Mcp-Session-Id", session)
	}
	return http.DefaultClient.Do(req)
}

func initSession(t *testing.T, url string) string {
	t.Helper()
	resp, err := postRPC(context.Background(), url, "", initializeLine)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	session := resp.Header.Get("Mcp-Session-Id")
	if session == "" {
		t.Fatal("no session id returned")
	}
	return session
}

func decodeRPC(t *testing.T, resp *http.Response) rpcResponse {
	t.Helper()
	defer resp.Body.Close()
	var r rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return r
}

func TestHTTPHandler_QueueOutlivesClient(t *testing.T) {
	t.Parallel()
	g := newTestGateway(&fakeTransport{connected: true})
	srv := httptest.NewServer(NewTools(g, nil).HTTPHandler("test"))
	defer srv.Close()
	q := g.queues[KindPrimary]

	session := initSession(t, srv.URL)

	// A child blocks in wait_for_message, then dies.
	waitCtx, crash := context.WithCancel(context.Background())
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		if resp, err := postRPC(waitCtx, srv.URL, session, waitCall("2")); err == nil {
			resp.Body.Close()
		}
	}()
	waitForWaiter(t, q)

	resp, err := postRPC(context.Background(), srv.URL, session, statusLine)
	if err != nil {
		t.Fatalf("get_status while waiting: %v", err)
	}
	if st := decodeRPC(t, resp); !strings.Contains(st.text(), `"connected":true`) {
		t.Errorf("get_status = %s", st.text())
	}

	crash()
	<-waitDone
	deadline := time.Now().Add(2 * time.Second)
	for q.Waiting() {
		if time.Now().After(deadline) {
			t.Fatal("wait of a disconnected client still registered")
		}
		time.Sleep(time.Millisecond)
	}

	// Arrives while no child is connected.
	_ = g.Deliver(KindPrimary, msg("while you were out"))

	restarted := initSession(t, srv.URL)
	resp, err = postRPC(context.Background(), srv.URL, restarted, waitCall("9"))
	if err != nil {
		t.Fatalf("wait after restart: %v", err)
	}
	if r := decodeRPC(t, resp); !strings.Contains(r.text(), "while you were out") {
		t.Errorf("wait after restart = %s", r.text())
	}
}
