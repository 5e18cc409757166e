package advisor

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
	"go.uber.org/zap"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
		Timeout: 5 * time.Second,
	}
	return NewClient(cfg, zap.NewNop())
}

func textResponse(text string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": text}},
	})
	return body
}

func TestClient_Complete(t *testing.T) {
	var gotBody apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write(textResponse(`{"message":"ok","action":null}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	turns := []Turn{
		{Role: RoleUser, Content: "build then negotiate"},
		{Role: RoleAssistant, Content: "on it"},
		{Role: RoleNote, Content: "build exited 0"},
	}

	text, err := c.Complete(context.Background(), "you are a coach", turns)
	require.NoError(t, err)
	assert.Equal(t, `{"message":"ok","action":null}`, text)

	// History travels ordered and role-tagged; notes become annotated
	// user turns.
	require.Len(t, gotBody.Messages, 3)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.Equal(t, "assistant", gotBody.Messages[1].Role)
	assert.Equal(t, "user", gotBody.Messages[2].Role)
	assert.Contains(t, gotBody.Messages[2].Content, "[system note]")
	assert.Equal(t, "you are a coach", gotBody.System)
}

func TestClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"authentication_error","message":"bad key"}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Complete(context.Background(), "", []Turn{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnauthorized))
}

func TestClient_NoCredentials(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://unused", Model: "m", Timeout: time.Second}, zap.NewNop())
	_, err := c.Complete(context.Background(), "", nil)
	assert.True(t, errors.Is(err, ErrUnauthorized))

	c.SetAPIKey("k")
	assert.True(t, c.HasCredentials())
	c.ClearAPIKey()
	assert.False(t, c.HasCredentials())
}

func TestClient_RetriesTransientFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(textResponse("recovered"))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	text, err := c.Complete(context.Background(), "", []Turn{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, 2, attempts)
}

func TestClient_NonRetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"too long"}}`))
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.Complete(context.Background(), "", []Turn{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
}
