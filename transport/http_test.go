package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportRequestResponseRoundTrip(t *testing.T) {
	router := mux.NewRouter()
	tr := NewHTTPTransport(router, "/rpc", "http://test/rpc")
	require.NoError(t, tr.Connect(context.Background()))

	srv := httptest.NewServer(router)
	defer srv.Close()

	go func() {
		msg, err := tr.Receive(context.Background())
		if err != nil || msg == nil {
			return
		}
		_ = tr.Send(context.Background(), &Message{
			Payload:  []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
			Metadata: Metadata{CorrelationID: msg.Metadata.CorrelationID},
		})
	}()

	resp, err := http.Post(srv.URL+"/rpc", "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPTransportCapturesAuthAndDpopHeaders(t *testing.T) {
	router := mux.NewRouter()
	tr := NewHTTPTransport(router, "/rpc", "http://test/rpc")
	require.NoError(t, tr.Connect(context.Background()))

	srv := httptest.NewServer(router)
	defer srv.Close()

	received := make(chan Metadata, 1)
	go func() {
		msg, err := tr.Receive(context.Background())
		if err != nil || msg == nil {
			return
		}
		received <- msg.Metadata
		_ = tr.Send(context.Background(), &Message{
			Payload:  []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`),
			Metadata: Metadata{CorrelationID: msg.Metadata.CorrelationID},
		})
	}()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "DPoP abc123")
	req.Header.Set("DPoP", "eyJ...proof")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	select {
	case meta := <-received:
		assert.Equal(t, "DPoP abc123", meta.Headers["Authorization"])
		assert.Equal(t, "eyJ...proof", meta.Headers["DPoP"])
		assert.Equal(t, http.MethodPost, meta.Headers["Method"])
	case <-time.After(time.Second):
		t.Fatal("receive goroutine never ran")
	}
}

func TestHTTPTransportSendWithoutPendingRequestFails(t *testing.T) {
	router := mux.NewRouter()
	tr := NewHTTPTransport(router, "/rpc", "http://test/rpc")
	err := tr.Send(context.Background(), &Message{Metadata: Metadata{CorrelationID: "missing"}})
	require.Error(t, err)
}

func TestHTTPTransportPublishNotificationDoesNotBlockWithoutSubscribers(t *testing.T) {
	router := mux.NewRouter()
	tr := NewHTTPTransport(router, "/rpc", "http://test/rpc")
	done := make(chan struct{})
	go func() {
		tr.PublishNotification([]byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishNotification blocked with no SSE subscribers")
	}
}
