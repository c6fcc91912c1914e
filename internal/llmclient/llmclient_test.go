package llmclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello there"}}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`)
	}))
	defer srv.Close()

	c := New("key", "gpt-4o-mini").WithURL(srv.URL)
	text, usage, err := c.Generate(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "hello there", text)
	require.Equal(t, 5, usage.PromptTokens)
	require.Equal(t, 2, usage.CompletionTokens)
}

func TestGenerateNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New("key", "gpt-4o-mini").WithURL(srv.URL)
	_, _, err := c.Generate(context.Background(), []ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
}

func TestStreamCompletionForwardsDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New("key", "gpt-4o-mini").WithURL(srv.URL)
	out := make(chan string, 8)
	err := c.StreamCompletion(context.Background(), "system", "user", out)
	require.NoError(t, err)

	var got string
	for tok := range out {
		got += tok
	}
	require.Equal(t, "Hello", got)
}
