package corebridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sphinxkit/rrsync/internal/engine"
	"github.com/sphinxkit/rrsync/internal/rr"
)

func TestInvoke_RoundTrip(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, got.ID, r.Header.Get("X-Request-Id"))

		topic := "register/me"
		json.NewEncoder(w).Encode(Response{
			ID: got.ID,
			Result: &rr.RunReturn{
				Msgs:            []rr.Msg{{Index: "7", UUID: "u7"}},
				RegisterTopic:   &topic,
				RegisterPayload: []byte{0x01, 0x02},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 0, nil)
	r, err := c.Invoke(context.Background(), engine.Operation{
		Name:       engine.OpSend,
		Seed:       "seed",
		UniqueTime: 42,
		State:      []byte{0x80},
		Params:     map[string]any{"to": "c0"},
	})
	require.NoError(t, err)

	assert.Equal(t, engine.OpSend, got.Operation.Name)
	assert.Equal(t, uint64(42), got.Operation.UniqueTime)
	assert.Equal(t, []byte{0x80}, got.Operation.State)
	assert.Equal(t, "c0", got.Operation.Params["to"])
	assert.NotEmpty(t, got.ID)

	require.Len(t, r.Msgs, 1)
	assert.Equal(t, "u7", r.Msgs[0].UUID)
	assert.True(t, r.HasRegister())
	assert.Equal(t, []byte{0x01, 0x02}, r.RegisterPayload)
}

func TestInvoke_CoreError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Response{Error: "insufficient balance"})
	}))
	defer srv.Close()

	_, err := New(srv.URL, 0, nil).Invoke(context.Background(), engine.Operation{Name: engine.OpPay})
	require.Error(t, err)
	assert.Equal(t, "insufficient balance", err.Error())
}

func TestInvoke_HTTPFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/down":
			http.Error(w, "core offline", http.StatusServiceUnavailable)
		case "/garbage":
			w.Write([]byte("not json"))
		case "/mismatch":
			json.NewEncoder(w).Encode(Response{ID: "someone-else", Result: &rr.RunReturn{}})
		default:
			json.NewEncoder(w).Encode(Response{})
		}
	}))
	defer srv.Close()
	ctx := context.Background()
	op := engine.Operation{Name: engine.OpPing}

	_, err := New(srv.URL+"/down", 0, nil).Invoke(ctx, op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")

	_, err = New(srv.URL+"/garbage", 0, nil).Invoke(ctx, op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode ping response")

	_, err = New(srv.URL+"/mismatch", 0, nil).Invoke(ctx, op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")

	_, err = New(srv.URL+"/empty", 0, nil).Invoke(ctx, op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no result")
}

func TestClient_ImplementsCore(t *testing.T) {
	var _ engine.Core = New("http://localhost", 0, nil)
}
