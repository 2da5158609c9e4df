package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"collabtext/internal/membership"
	"collabtext/internal/registry"
	"collabtext/internal/relay"
	"collabtext/internal/wire"
)

// syncBuffer is written by the command and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// agentRun drives one agent command through a pipe standing in for stdin.
type agentRun struct {
	t    *testing.T
	in   *io.PipeWriter
	out  *syncBuffer
	done chan error
}

func start(t *testing.T, args ...string) *agentRun {
	t.Helper()
	t.Setenv("COLLABTEXT_LOG_LEVEL", "error")
	pr, pw := io.Pipe()
	s := &agentRun{t: t, in: pw, out: &syncBuffer{}, done: make(chan error, 1)}
	cmd := newRootCmd()
	cmd.SetIn(pr)
	cmd.SetOut(s.out)
	cmd.SetErr(s.out)
	cmd.SetArgs(args)
	go func() { s.done <- cmd.Execute() }()
	t.Cleanup(func() { pw.Close() })
	return s
}

func (s *agentRun) send(line string) {
	s.t.Helper()
	if _, err := io.WriteString(s.in, line+"\n"); err != nil {
		s.t.Fatalf("send %q: %v", line, err)
	}
}

func (s *agentRun) expect(substr string) {
	s.t.Helper()
	waitFor(s.t, "output "+substr, func() bool { return strings.Contains(s.out.String(), substr) })
}

func (s *agentRun) quit() {
	s.t.Helper()
	s.send("q")
	select {
	case err := <-s.done:
		if err != nil {
			s.t.Fatalf("command failed: %v\n%s", err, s.out.String())
		}
	case <-time.After(10 * time.Second):
		s.t.Fatalf("command did not exit\n%s", s.out.String())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostEditsLocally(t *testing.T) {
	s := start(t, "host", "--addr", "127.0.0.1:0", "--advertise=false", "--text", "seed", "--user", "alice")
	s.expect("hosting \"notes\"")
	s.expect("syncing -> connected")
	s.send("i 4 !")
	s.send("p")
	s.expect(`"seed!"`)
	s.send("i -1 x")
	s.expect("error: ")
	s.quit()
}

func TestJoinRemoteRelay(t *testing.T) {
	srv := relay.NewServer(relay.Config{AutoCreate: true, Codec: wire.JSON()}, registry.NewMemory(), membership.NewMemory(), zap.NewNop())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	roomText := func() string {
		resp, err := http.Get(hs.URL + "/rooms/notes")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		var info relay.RoomInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return ""
		}
		return info.Text
	}

	s := start(t, "join", "--addr", strings.TrimPrefix(hs.URL, "http://"), "--user", "bob")
	s.expect("-> connected")
	s.send(`i 0 "hi there"`)
	waitFor(t, "relay to commit", func() bool { return roomText() == "hi there" })
	s.send("u")
	waitFor(t, "undo to reach relay", func() bool { return roomText() == "" })
	s.quit()
}

func TestRelayURL(t *testing.T) {
	got := relayURL("10.0.0.2:8080", "team notes", wire.CBOR())
	want := "ws://10.0.0.2:8080/ws/team%20notes?codec=cbor"
	if got != want {
		t.Errorf("relayURL = %q, want %q", got, want)
	}
}
