package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRequestJSON(t *testing.T) {
	req := RegisterRequest{
		Address:  "http://127.0.0.1:8081",
		Identity: NewNodeIdentity("127.0.0.1", 9800, "group-a"),
	}
	data, err := json.Marshal(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "http://127.0.0.1:8081", raw["address"])
	identity, ok := raw["identity"].(map[string]any)
	require.True(t, ok, "identity is an object: %v", raw)
	assert.Equal(t, "group-a", identity["sub_group"])
	assert.Equal(t, true, identity["has_storage"])

	var decoded RegisterRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req, decoded)
}

func TestPostJSON(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reply   string
		body    any
		out     *View
		slow    bool
		wantErr bool
	}{
		{name: "decodes the reply", status: http.StatusOK, reply: `{"version":4,"members":[{"address":"n1"}]}`, body: RegisterRequest{Address: "n1"}, out: &View{}},
		{name: "no content", status: http.StatusNoContent, body: RegisterRequest{Address: "n1"}},
		{name: "server error", status: http.StatusInternalServerError, reply: "boom", body: RegisterRequest{}, wantErr: true},
		{name: "context deadline", status: http.StatusOK, reply: `{}`, body: RegisterRequest{}, slow: true, wantErr: true},
		{name: "unmarshalable body", status: http.StatusOK, body: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.slow {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.reply))
			}))
			defer srv.Close()

			ctx := context.Background()
			if tt.slow {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			var out any
			if tt.out != nil {
				out = tt.out
			}
			err := PostJSON(ctx, srv.URL, tt.body, out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.out != nil {
				assert.Equal(t, uint64(4), tt.out.Version)
				require.Len(t, tt.out.Members, 1)
				assert.Equal(t, Address("n1"), tt.out.Members[0].Address)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown member", http.StatusNotFound)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.URL, RegisterRequest{Address: "gone"}, nil)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "unknown member", se.Body)
	assert.Contains(t, err.Error(), "404")

	err = GetJSON(context.Background(), srv.URL, &View{})
	require.True(t, errors.As(err, &se))
	assert.Equal(t, srv.URL, se.URL)
}

func TestGetJSON(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		reply   string
		wantErr bool
	}{
		{name: "view", status: http.StatusOK, reply: `{"version":3,"members":[]}`},
		{name: "not found", status: http.StatusNotFound, reply: `{"error":"not found"}`, wantErr: true},
		{name: "invalid json", status: http.StatusOK, reply: `{invalid json}`, wantErr: true},
		{name: "redirect", status: http.StatusMovedPermanently, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.reply))
			}))
			defer srv.Close()

			var view View
			err := GetJSON(context.Background(), srv.URL, &view)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint64(3), view.Version)
		})
	}

	t.Run("bad urls", func(t *testing.T) {
		var view View
		assert.Error(t, GetJSON(context.Background(), "://invalid-url", &view))
		assert.Error(t, GetJSON(context.Background(), "http://localhost:99999", &view))
	})
}
