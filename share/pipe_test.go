package htshare

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/prep/socketpair"
)

func TestPipeCopiesBothDirections(t *testing.T) {
	aNear, aFar, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %s", err)
	}
	bNear, bFar, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %s", err)
	}

	fromA := []byte("request bytes heading upstream")
	fromB := []byte("response bytes heading back")

	done := make(chan struct{})
	go func() {
		Pipe(aNear, bNear)
		close(done)
	}()

	go func() {
		aFar.Write(fromA)
		if whc, ok := aFar.(WriteHalfCloser); ok {
			whc.CloseWrite()
		}
	}()

	gotAtB, err := io.ReadAll(bFar)
	if err != nil {
		t.Fatalf("read at B side: %s", err)
	}
	if !bytes.Equal(gotAtB, fromA) {
		t.Errorf("B side got %q, want %q", gotAtB, fromA)
	}

	bFar.Write(fromB)
	bFar.Close()

	gotAtA, err := io.ReadAll(aFar)
	if err != nil {
		t.Fatalf("read at A side: %s", err)
	}
	if !bytes.Equal(gotAtA, fromB) {
		t.Errorf("A side got %q, want %q", gotAtA, fromB)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after both sides finished")
	}
}

func TestPipeTearsDownPeerOnClose(t *testing.T) {
	aNear, aFar, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %s", err)
	}
	bNear, bFar, err := socketpair.New("unix")
	if err != nil {
		t.Fatalf("socketpair: %s", err)
	}

	done := make(chan struct{})
	go func() {
		Pipe(aNear, bNear)
		close(done)
	}()

	// Kill one side outright; the relay must not leave the other dangling.
	aFar.Close()

	buf := make([]byte, 1)
	bFar.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bFar.Read(buf); err == nil {
		t.Error("peer side still open after the other side died")
	}
	bFar.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after teardown")
	}
}
