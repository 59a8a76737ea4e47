package comms

import (
	"context"
	"testing"
	"time"
)

func TestInboxFIFO(t *testing.T) {
	in := NewInbox()

	in.Send(AddRelay{URL: "wss://a.example.com"})
	in.Send(AddRelay{URL: "wss://b.example.com"})
	in.Send(PickRelays{})

	ctx := context.Background()
	first, ok := in.Recv(ctx)
	if !ok {
		t.Fatal("expected a command")
	}
	if cmd, isAdd := first.(AddRelay); !isAdd || cmd.URL != "wss://a.example.com" {
		t.Errorf("expected first AddRelay, got %#v", first)
	}

	second, _ := in.Recv(ctx)
	if cmd, isAdd := second.(AddRelay); !isAdd || cmd.URL != "wss://b.example.com" {
		t.Errorf("expected second AddRelay, got %#v", second)
	}

	third, _ := in.Recv(ctx)
	if _, isPick := third.(PickRelays); !isPick {
		t.Errorf("expected PickRelays, got %#v", third)
	}

	if in.Len() != 0 {
		t.Errorf("expected empty inbox, got %d", in.Len())
	}
}

func TestInboxRecvBlocksUntilSend(t *testing.T) {
	in := NewInbox()

	done := make(chan Command, 1)
	go func() {
		cmd, _ := in.Recv(context.Background())
		done <- cmd
	}()

	time.Sleep(10 * time.Millisecond)
	in.Send(ShutdownCmd{})

	select {
	case cmd := <-done:
		if _, ok := cmd.(ShutdownCmd); !ok {
			t.Errorf("expected ShutdownCmd, got %#v", cmd)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv never woke up")
	}
}

func TestInboxClose(t *testing.T) {
	in := NewInbox()
	in.Send(PickRelays{})
	in.Close()

	if in.Send(PickRelays{}) {
		t.Error("Send after Close should return false")
	}

	// The pending command is still receivable.
	if _, ok := in.Recv(context.Background()); !ok {
		t.Fatal("expected pending command after close")
	}
	if _, ok := in.Recv(context.Background()); ok {
		t.Error("expected drained closed inbox to report no more commands")
	}
}

func TestInboxRecvHonorsContext(t *testing.T) {
	in := NewInbox()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := in.Recv(ctx); ok {
		t.Error("expected Recv to give up when the context ends")
	}
}
