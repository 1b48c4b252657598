package status

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-assist/internal/bus"
	"github.com/loqalabs/loqa-assist/internal/config"
	"github.com/loqalabs/loqa-assist/internal/natsserver"
	"github.com/loqalabs/loqa-assist/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *bus.Client {
	t.Helper()
	logger := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, "status-test", logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestHeartbeatPublishesSnapshot(t *testing.T) {
	client := connect(t)
	received := make(chan protocol.Status, 4)
	sub, err := client.Conn().Subscribe(protocol.SubjectStatus, func(msg *nats.Msg) {
		var st protocol.Status
		if err := json.Unmarshal(msg.Data, &st); err == nil {
			received <- st
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	_ = client.Conn().Flush()

	var calls atomic.Int32
	snapshot := func() protocol.Status {
		calls.Add(1)
		return protocol.Status{SessionID: "s-1", STTState: "connected", CooldownMS: 1200, IntervalMS: 4000, CredentialValid: true}
	}
	p, err := Start(context.Background(), config.StatusConfig{Enabled: true, IntervalMS: 20}, client, snapshot, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Close()

	select {
	case st := <-received:
		if st.SessionID != "s-1" || st.STTState != "connected" || st.CooldownMS != 1200 || st.Timestamp.IsZero() {
			t.Fatalf("unexpected status %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat published")
	}
	if p.Last().SessionID != "s-1" {
		t.Fatalf("last snapshot not kept")
	}
}

func TestStatusRequestAnsweredWhenHeartbeatDisabled(t *testing.T) {
	client := connect(t)
	snapshot := func() protocol.Status {
		return protocol.Status{SessionID: "s-2", STTState: "failed"}
	}
	p, err := Start(context.Background(), config.StatusConfig{Enabled: false}, client, snapshot, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var st protocol.Status
	if err := client.RequestJSON(ctx, protocol.SubjectStatusGet, struct{}{}, &st); err != nil {
		t.Fatalf("request: %v", err)
	}
	if st.SessionID != "s-2" || st.STTState != "failed" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSTTStateValue(t *testing.T) {
	cases := map[string]int64{"disconnected": 0, "connecting": 1, "connected": 2, "failed": 3, "": 0}
	for state, want := range cases {
		if got := sttStateValue(state); got != want {
			t.Errorf("sttStateValue(%q) = %d, want %d", state, got, want)
		}
	}
}
