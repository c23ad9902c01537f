// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edgracilla/coap-gateway/pkg/auth"
	gwerrors "github.com/edgracilla/coap-gateway/pkg/errors"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type lookup struct {
	token  string
	device string
}

type mockRequester struct {
	err      error
	requests chan lookup
}

func newMockRequester() *mockRequester {
	return &mockRequester{requests: make(chan lookup, 16)}
}

func (m *mockRequester) RequestDeviceInfo(ctx context.Context, token, deviceID string) error {
	if m.err != nil {
		return m.err
	}
	m.requests <- lookup{token: token, device: deviceID}
	return nil
}

func (m *mockRequester) next(t *testing.T) lookup {
	t.Helper()
	select {
	case l := <-m.requests:
		return l
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for device info request")
		return lookup{}
	}
}

type resolveResult struct {
	dev Device
	err error
}

func resolveAsync(r Resolver, ctx context.Context, id string) <-chan resolveResult {
	ch := make(chan resolveResult, 1)
	go func() {
		dev, err := r.Resolve(ctx, id)
		ch <- resolveResult{dev: dev, err: err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan resolveResult) resolveResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Resolve")
		return resolveResult{}
	}
}

func TestLocal_Resolve(t *testing.T) {
	store := auth.NewStore(discard)
	store.Add(auth.Record{ID: "D1", Metadata: json.RawMessage(`{"name":"sensor"}`)})
	r := NewLocal(store)

	dev, err := r.Resolve(context.Background(), "D1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if dev.ID != "D1" || string(dev.Info) != `{"name":"sensor"}` {
		t.Errorf("Unexpected device %+v", dev)
	}

	if _, err := r.Resolve(context.Background(), "D9"); !errors.Is(err, gwerrors.ErrUnauthorized) {
		t.Errorf("Resolve(D9) error = %v, want ErrUnauthorized", err)
	}

	store.Remove(auth.Record{ID: "D1"})
	if _, err := r.Resolve(context.Background(), "D1"); !errors.Is(err, gwerrors.ErrUnauthorized) {
		t.Errorf("Resolve(D1) after removal error = %v, want ErrUnauthorized", err)
	}
}

func TestRemote_Answered(t *testing.T) {
	req := newMockRequester()
	mock := clock.NewMock()
	r := NewRemote(req, RemoteConfig{Timeout: 5 * time.Second, Clock: mock, Logger: discard})

	ch := resolveAsync(r, context.Background(), "D1")
	l := req.next(t)
	if l.device != "D1" {
		t.Errorf("Expected lookup for D1, got %s", l.device)
	}
	if l.token == "" {
		t.Error("Expected a correlation token")
	}

	if !r.Complete(l.token, json.RawMessage(`{"_id":"D1"}`)) {
		t.Fatal("Complete() returned false for a pending token")
	}

	res := wait(t, ch)
	if res.err != nil {
		t.Fatalf("Resolve() error = %v", res.err)
	}
	if res.dev.ID != "D1" {
		t.Errorf("Expected device D1, got %s", res.dev.ID)
	}
	if r.Pending() != 0 {
		t.Errorf("Expected no pending lookups, got %d", r.Pending())
	}

	// The deadline passing afterwards must not fire anything.
	mock.Add(10 * time.Second)
	if r.Complete(l.token, json.RawMessage(`{"_id":"D1"}`)) {
		t.Error("Complete() succeeded twice for the same token")
	}
}

func TestRemote_EmptyAnswer(t *testing.T) {
	for _, info := range []string{"", "null", "{}", `""`} {
		t.Run(info, func(t *testing.T) {
			req := newMockRequester()
			r := NewRemote(req, RemoteConfig{Clock: clock.NewMock(), Logger: discard})

			ch := resolveAsync(r, context.Background(), "D9")
			l := req.next(t)
			r.Complete(l.token, json.RawMessage(info))

			res := wait(t, ch)
			if !errors.Is(res.err, gwerrors.ErrUnauthorized) {
				t.Errorf("Resolve() error = %v, want ErrUnauthorized", res.err)
			}
		})
	}
}

func TestRemote_Timeout(t *testing.T) {
	req := newMockRequester()
	mock := clock.NewMock()
	r := NewRemote(req, RemoteConfig{Timeout: 5 * time.Second, Clock: mock, Logger: discard})

	ch := resolveAsync(r, context.Background(), "D9")
	l := req.next(t)

	mock.Add(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("Resolve() returned before the deadline")
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	res := wait(t, ch)
	if !errors.Is(res.err, gwerrors.ErrResolutionTimeout) {
		t.Fatalf("Resolve() error = %v, want ErrResolutionTimeout", res.err)
	}
	if r.Pending() != 0 {
		t.Errorf("Expected pending entry to be removed, got %d", r.Pending())
	}

	// A late answer is a no-op.
	if r.Complete(l.token, json.RawMessage(`{"_id":"D9"}`)) {
		t.Error("Complete() after the deadline must be a no-op")
	}
}

func TestRemote_TimeoutWallClock(t *testing.T) {
	req := newMockRequester()
	timeout := 50 * time.Millisecond
	r := NewRemote(req, RemoteConfig{Timeout: timeout, Logger: discard})

	start := time.Now()
	_, err := r.Resolve(context.Background(), "D9")
	elapsed := time.Since(start)

	if !errors.Is(err, gwerrors.ErrResolutionTimeout) {
		t.Fatalf("Resolve() error = %v, want ErrResolutionTimeout", err)
	}
	if elapsed < timeout {
		t.Errorf("Resolve() returned after %v, before the %v deadline", elapsed, timeout)
	}
	if elapsed > time.Second {
		t.Errorf("Resolve() took %v, far beyond the %v deadline", elapsed, timeout)
	}
}

func TestRemote_RequestError(t *testing.T) {
	req := newMockRequester()
	req.err = errors.New("nats: connection closed")
	r := NewRemote(req, RemoteConfig{Clock: clock.NewMock(), Logger: discard})

	_, err := r.Resolve(context.Background(), "D1")
	if err == nil {
		t.Fatal("Expected error when the lookup cannot be issued")
	}
	if r.Pending() != 0 {
		t.Errorf("Expected no pending lookups, got %d", r.Pending())
	}
}

func TestRemote_ContextCancelled(t *testing.T) {
	req := newMockRequester()
	r := NewRemote(req, RemoteConfig{Clock: clock.NewMock(), Logger: discard})

	ctx, cancel := context.WithCancel(context.Background())
	ch := resolveAsync(r, ctx, "D1")
	l := req.next(t)
	cancel()

	res := wait(t, ch)
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("Resolve() error = %v, want context.Canceled", res.err)
	}
	if r.Complete(l.token, json.RawMessage(`{"_id":"D1"}`)) {
		t.Error("Complete() after cancellation must be a no-op")
	}
}

func TestRemote_RaceCompletesOnce(t *testing.T) {
	req := newMockRequester()
	mock := clock.NewMock()
	r := NewRemote(req, RemoteConfig{Timeout: time.Second, Clock: mock, Logger: discard})

	for i := 0; i < 20; i++ {
		ch := resolveAsync(r, context.Background(), "D1")
		l := req.next(t)

		var wg sync.WaitGroup
		var completed bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			completed = r.Complete(l.token, json.RawMessage(`{"_id":"D1"}`))
		}()
		go func() {
			defer wg.Done()
			mock.Add(time.Second)
		}()
		wg.Wait()

		res := wait(t, ch)
		if completed && res.err != nil {
			t.Errorf("Complete() won but Resolve() returned %v", res.err)
		}
		if !completed && !errors.Is(res.err, gwerrors.ErrResolutionTimeout) {
			t.Errorf("Deadline won but Resolve() returned %v", res.err)
		}
		select {
		case extra := <-ch:
			t.Errorf("Resolve() completed twice: %+v", extra)
		default:
		}
	}
	if r.Pending() != 0 {
		t.Errorf("Expected no pending lookups, got %d", r.Pending())
	}
}
