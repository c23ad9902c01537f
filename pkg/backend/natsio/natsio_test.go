// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package natsio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/edgracilla/coap-gateway/pkg/auth"
	"github.com/edgracilla/coap-gateway/pkg/backend"
	"github.com/edgracilla/coap-gateway/pkg/breaker"
	gwerrors "github.com/edgracilla/coap-gateway/pkg/errors"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

const prefix = "test-gw"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func runServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}
	t.Cleanup(srv.Shutdown)

	return srv
}

func connect(t *testing.T, srv *server.Server) (*Backend, *nats.Conn) {
	t.Helper()

	b, err := Connect(Config{URL: srv.ClientURL(), Prefix: prefix, RequestTimeout: 2 * time.Second, Logger: discard})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	peer, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(peer.Close)

	return b, peer
}

type recorder struct {
	mu       sync.Mutex
	added    []auth.Record
	removed  []auth.Record
	infos    map[string]json.RawMessage
	messages []backend.Message
	closes   int
}

func (r *recorder) OnDeviceAdded(_ context.Context, rec auth.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, rec)
}

func (r *recorder) OnDeviceRemoved(_ context.Context, rec auth.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, rec)
}

func (r *recorder) OnDeviceInfo(_ context.Context, token string, info json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.infos == nil {
		r.infos = make(map[string]json.RawMessage)
	}
	r.infos[token] = info
}

func (r *recorder) OnBackendMessage(_ context.Context, msg backend.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) OnCloseRequested(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
}

func TestBackend_ProcessData(t *testing.T) {
	srv := runServer(t)
	b, peer := connect(t, srv)

	sub, err := peer.SubscribeSync(prefix + ".data")
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	raw := []byte(`{"device":"D1","temp":21}`)
	require.NoError(t, b.ProcessData(context.Background(), "D1", raw))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "D1", msg.Header.Get(DeviceHeader))
	require.JSONEq(t, string(raw), string(msg.Data))
}

func TestBackend_Commands(t *testing.T) {
	srv := runServer(t)
	b, peer := connect(t, srv)

	unicast, err := peer.SubscribeSync(prefix + ".messages.device")
	require.NoError(t, err)
	group, err := peer.SubscribeSync(prefix + ".messages.group")
	require.NoError(t, err)
	delivered, err := peer.SubscribeSync(prefix + ".messages.delivered")
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	ctx := context.Background()
	require.NoError(t, b.SendMessageToDevice(ctx, backend.Command{Target: "D2", Message: "TURNOFF", DeviceGroup: "kitchen"}))
	require.NoError(t, b.SendMessageToGroup(ctx, backend.Command{Target: "G1", Message: "REBOOT"}))
	require.NoError(t, b.MessageDelivered(ctx, "c1", "Message sent to device D2"))

	msg, err := unicast.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"target":"D2","message":"TURNOFF","deviceGroup":"kitchen"}`, string(msg.Data))

	msg, err = group.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"group":"G1","message":"REBOOT"}`, string(msg.Data))

	msg, err = delivered.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"correlationId":"c1","status":"Message sent to device D2"}`, string(msg.Data))
}

func TestBackend_DeviceInfoRoundTrip(t *testing.T) {
	srv := runServer(t)
	b, peer := connect(t, srv)

	// Registry answering lookups through the request's reply subject.
	_, err := peer.Subscribe(prefix+".deviceinfo.request", func(m *nats.Msg) {
		var req deviceInfoRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			return
		}
		if req.Device == "D1" {
			_ = m.Respond([]byte(`{"_id":"D1","name":"thermo"}`))
			return
		}
		_ = m.Respond([]byte(`null`))
	})
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	rec := &recorder{}
	require.NoError(t, b.Subscribe(context.Background(), rec))

	require.NoError(t, b.RequestDeviceInfo(context.Background(), "tok-1", "D1"))
	require.NoError(t, b.RequestDeviceInfo(context.Background(), "tok-2", "unknown"))

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.infos) == 2
	}, 5*time.Second, 20*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.JSONEq(t, `{"_id":"D1","name":"thermo"}`, string(rec.infos["tok-1"]))
	require.Equal(t, "null", string(rec.infos["tok-2"]))
}

func TestBackend_Notifications(t *testing.T) {
	srv := runServer(t)
	b, peer := connect(t, srv)

	rec := &recorder{}
	require.NoError(t, b.Subscribe(context.Background(), rec))

	require.NoError(t, peer.Publish(prefix+".devices.added", []byte(`{"_id":"D9"}`)))
	require.NoError(t, peer.Publish(prefix+".devices.removed", []byte(`{"_id":"D8"}`)))
	require.NoError(t, peer.Publish(prefix+".devices.added", []byte(`not json`)))
	require.NoError(t, peer.Publish(prefix+".messages.outbound",
		[]byte(`{"targetDeviceId":"D1","correlationId":"c7","message":"ACTIVATE"}`)))
	require.NoError(t, peer.Publish(prefix+".control.close", nil))
	require.NoError(t, peer.Flush())

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.added) == 1 && len(rec.removed) == 1 && len(rec.messages) == 1 && rec.closes == 1
	}, 5*time.Second, 20*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, "D9", rec.added[0].ID)
	require.Equal(t, "D8", rec.removed[0].ID)
	require.Equal(t, backend.Message{TargetDeviceID: "D1", CorrelationID: "c7", Message: "ACTIVATE"}, rec.messages[0])
}

func TestBackend_RegisteredDevices(t *testing.T) {
	srv := runServer(t)
	b, peer := connect(t, srv)

	_, err := peer.Subscribe(prefix+".devices.list", func(m *nats.Msg) {
		_ = m.Respond([]byte(`[{"_id":"D1"},{"_id":"D2","metadata":{"zone":"a"}}]`))
	})
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	recs, err := b.RegisteredDevices(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "D1", recs[0].ID)
	require.JSONEq(t, `{"zone":"a"}`, string(recs[1].Metadata))
}

func TestBackend_RegisteredDevicesNoResponders(t *testing.T) {
	srv := runServer(t)
	b, _ := connect(t, srv)

	_, err := b.RegisteredDevices(context.Background())
	require.Error(t, err)
}

func TestBackend_LogAndLifecycle(t *testing.T) {
	srv := runServer(t)
	b, peer := connect(t, srv)

	logs, err := peer.SubscribeSync(prefix + ".logs")
	require.NoError(t, err)
	exceptions, err := peer.SubscribeSync(prefix + ".exceptions")
	require.NoError(t, err)
	lifecycle, err := peer.SubscribeSync(prefix + ".lifecycle.*")
	require.NoError(t, err)
	require.NoError(t, peer.Flush())

	ctx := context.Background()
	b.Log(ctx, backend.Event{Title: "CoAP Gateway - Data Received", Device: "D1"})
	b.ReportException(ctx, errors.New("boom"))
	require.NoError(t, b.NotifyReady(ctx))
	require.NoError(t, b.NotifyClose(ctx))

	msg, err := logs.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"CoAP Gateway - Data Received","device":"D1"}`, string(msg.Data))

	msg, err = exceptions.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Contains(t, string(msg.Data), `"error":"boom"`)

	msg, err = lifecycle.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, prefix+".lifecycle.ready", msg.Subject)
	msg, err = lifecycle.NextMsg(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, prefix+".lifecycle.close", msg.Subject)
}

func TestBackend_BreakerOpensWhenClosed(t *testing.T) {
	srv := runServer(t)

	b, err := Connect(Config{
		URL:     srv.ClientURL(),
		Prefix:  prefix,
		Logger:  discard,
		Breaker: breaker.Config{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	require.NoError(t, err)
	require.NoError(t, b.Ready(context.Background()))

	require.NoError(t, b.Close())
	require.Error(t, b.Ready(context.Background()))

	err = b.ProcessData(context.Background(), "D1", []byte(`{}`))
	require.ErrorIs(t, err, nats.ErrConnectionClosed)

	err = b.ProcessData(context.Background(), "D1", []byte(`{}`))
	require.ErrorIs(t, err, gwerrors.ErrBackendUnavailable)
	require.ErrorIs(t, err, breaker.ErrCircuitOpen)
}
