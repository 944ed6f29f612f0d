package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	frames := []*frame{
		{kind: frameSample, id: 42, label: "actor", payload: []byte(`{"s":[1,2]}`)},
		{kind: frameCtrl, id: 7, payload: []byte(`{"kind":"request"}`)},
		{kind: frameHello},
	}
	for _, f := range frames {
		require.NoError(t, writeFrame(w, f))
	}
	require.NoError(t, w.Flush())

	r := bufio.NewReader(&buf)
	for _, want := range frames {
		got, err := readFrame(r)
		require.NoError(t, err)
		require.Equal(t, want.kind, got.kind)
		require.Equal(t, want.id, got.id)
		require.Equal(t, want.label, got.label)
		require.Equal(t, want.payload, got.payload)
	}
}

func TestFrameRejectsHugePayload(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeFrame(w, &frame{kind: frameSample}))
	require.NoError(t, w.Flush())
	raw := buf.Bytes()
	// Corrupt the payload length prefix.
	raw[len(raw)-4] = 0xFF

	_, err := readFrame(bufio.NewReader(bytes.NewReader(raw)))
	require.ErrorContains(t, err, "exceeds")
}

type sampleRecord struct {
	clientIdx int
	lane      uint64
	label     string
	payload   []byte
}

// startTestServer runs a server that records samples and echoes control
// payloads back with an "ack:" prefix.
func startTestServer(t *testing.T, numClients int) (*Server, <-chan sampleRecord, context.CancelFunc) {
	t.Helper()
	samples := make(chan sampleRecord, 64)
	onSample := func(clientIdx int, lane uint64, label string, payload []byte) {
		samples <- sampleRecord{clientIdx: clientIdx, lane: lane, label: label, payload: payload}
	}
	onCtrl := func(clientID string, payload []byte) ([]byte, error) {
		return append([]byte("ack:"), payload...), nil
	}
	srv := NewServer(ServerOptions{Addr: "127.0.0.1:0", NumClients: numClients}, onSample, onCtrl)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		require.NoError(t, serveErr)
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)
	return srv, samples, cancel
}

func TestSampleReplyRoundTrip(t *testing.T) {
	srv, samples, _ := startTestServer(t, 2)

	client, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	require.Equal(t, 0, client.ClientIdx())
	require.Equal(t, 2, client.NumClients())

	queue := client.ReplyQueue("actor", 4)
	require.NoError(t, client.SendSample("actor", 4, []byte(`{"s":[1]}`)))

	got := <-samples
	require.Equal(t, 0, got.clientIdx)
	require.Equal(t, uint64(4), got.lane)
	require.Equal(t, "actor", got.label)
	require.JSONEq(t, `{"s":[1]}`, string(got.payload))

	require.NoError(t, srv.Reply(got.clientIdx, got.lane, got.label, []byte(`{"V":[0.5]}`)))
	select {
	case reply := <-queue:
		require.JSONEq(t, `{"V":[0.5]}`, string(reply))
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestCtrlRoundTrip(t *testing.T) {
	srv, _, _ := startTestServer(t, 1)

	client, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.Ctrl(ctx, []byte(`{"kind":"request"}`))
	require.NoError(t, err)
	require.Equal(t, `ack:{"kind":"request"}`, string(reply))

	// Correlation survives interleaving.
	reply, err = client.Ctrl(ctx, []byte(`two`))
	require.NoError(t, err)
	require.Equal(t, "ack:two", string(reply))
}

func TestClientIndexAssignment(t *testing.T) {
	srv, _, _ := startTestServer(t, 2)

	first, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = first.Close() }()
	second, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	require.ElementsMatch(t, []int{0, 1}, []int{first.ClientIdx(), second.ClientIdx()})

	// A full partition rejects further connections.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = Dial(ctx, srv.Addr().String())
	require.Error(t, err)

	// Disconnecting frees the index for the next worker.
	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return srv.NumConns() == 1 }, 2*time.Second, 10*time.Millisecond)
	third, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	defer func() { _ = third.Close() }()
	require.Equal(t, second.ClientIdx(), third.ClientIdx())
}

func TestReplyToGoneClient(t *testing.T) {
	srv, _, _ := startTestServer(t, 1)

	client, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	idx := client.ClientIdx()
	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return errors.Is(srv.Reply(idx, 0, "actor", []byte("{}")), ErrClientGone)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientCloseClosesReplyQueues(t *testing.T) {
	srv, _, _ := startTestServer(t, 1)

	client, err := Dial(context.Background(), srv.Addr().String())
	require.NoError(t, err)
	queue := client.ReplyQueue("actor", 0)
	require.NoError(t, client.Close())

	_, ok := <-queue
	require.False(t, ok)

	// Queues requested after teardown come back closed too.
	_, ok = <-client.ReplyQueue("actor", 1)
	require.False(t, ok)
}

func TestLoopbackCtrl(t *testing.T) {
	var gotID string
	loop := &LoopbackCtrl{
		ClientID: "w0",
		Handler: func(clientID string, payload []byte) ([]byte, error) {
			gotID = clientID
			var m map[string]string
			require.NoError(t, json.Unmarshal(payload, &m))
			return []byte(`{"ok":true}`), nil
		},
	}
	reply, err := loop.Ctrl(context.Background(), []byte(`{"kind":"request"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(reply))
	require.Equal(t, "w0", gotID)
}
