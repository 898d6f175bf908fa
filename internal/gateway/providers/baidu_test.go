package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatpool/gateway/internal/shared/models"
)

func TestBaiduAdapter_StreamsInOrderAndReportsUsage(t *testing.T) {
	var gotBody baiduRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.URL.Query().Get("access_token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"id":"as-1","result":"Hello","is_end":false}` + "\n\n"))
		w.Write([]byte(`data: {"id":"as-1","result":" world","is_end":true,"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}` + "\n\n"))
	}))
	defer srv.Close()

	adapter := NewBaiduAdapter(srv.URL)
	var deltas []string
	reply, err := adapter.Send(context.Background(), "hi", SendOptions{
		Secret:        "secret-token",
		Model:         "ernie-bot",
		SystemMessage: "be brief",
		History: []models.ConversationTurn{
			{Role: "user", Text: "earlier question"},
			{Role: "assistant", Text: "earlier answer"},
		},
	}, func(ev Event) {
		deltas = append(deltas, ev.Delta)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply.Text)
	assert.Equal(t, "as-1", reply.ID)
	require.NotNil(t, reply.Usage)
	assert.Equal(t, 9, reply.Usage.TotalTokens)
	assert.Equal(t, []string{"Hello", " world"}, deltas)

	// full history replay plus the new prompt, in order
	require.Len(t, gotBody.Messages, 3)
	assert.Equal(t, "earlier question", gotBody.Messages[0].Content)
	assert.Equal(t, "earlier answer", gotBody.Messages[1].Content)
	assert.Equal(t, baiduMessage{Role: "user", Content: "hi"}, gotBody.Messages[2])
	assert.Equal(t, "be brief", gotBody.System)
}

func TestBaiduAdapter_WireErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`data: {"error_code":17,"error_msg":"Open api daily request limit reached"}` + "\n\n"))
	}))
	defer srv.Close()

	adapter := NewBaiduAdapter(srv.URL)
	_, err := adapter.Send(context.Background(), "hi", SendOptions{Model: "ernie-bot"}, nil)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Contains(t, statusErr.Message, "daily request limit")
}

func TestBaiduAdapter_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no permission", http.StatusForbidden)
	}))
	defer srv.Close()

	adapter := NewBaiduAdapter(srv.URL)
	_, err := adapter.Send(context.Background(), "hi", SendOptions{Model: "ernie-bot"}, nil)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestBaiduAdapter_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider must not be contacted with a cancelled context")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter := NewBaiduAdapter(srv.URL)
	_, err := adapter.Send(ctx, "hi", SendOptions{Model: "ernie-bot"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
