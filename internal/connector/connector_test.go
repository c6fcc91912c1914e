package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pixell07/multi-tenant-ai/internal/model"
	"github.com/stretchr/testify/require"
)

func TestToolNameNormalizes(t *testing.T) {
	existing := map[string]bool{}
	name := ToolName(existing, "Get Current Page!!")
	require.Equal(t, "get_current_page", name)
}

func TestToolNamePrefixesLeadingDigit(t *testing.T) {
	name := ToolName(map[string]bool{}, "007 Lookup")
	require.True(t, name[0] == '_')
}

func TestToolNameResolvesCollision(t *testing.T) {
	existing := map[string]bool{"weather": true}
	name := ToolName(existing, "Weather")
	require.NotEqual(t, "weather", name)
	require.Contains(t, name, "weather_")
}

func TestInvokeForwardsAuthHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Connector-Auth")
		w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer srv.Close()

	conn := &model.Connector{Name: "weather", Endpoint: srv.URL, Method: http.MethodPost}
	c := NewClient()
	out, err := c.Invoke(context.Background(), conn, map[string]any{"city": "nyc"}, "token-123")
	require.NoError(t, err)
	require.Equal(t, `{"ok":true}`, out)
	require.Equal(t, "token-123", gotAuth)
}

func TestInvokeMissingRequiredArgument(t *testing.T) {
	conn := &model.Connector{
		Name:            "weather",
		Endpoint:        "http://unused",
		ParameterSchema: []model.ConnectorParam{{Name: "city", Required: true}},
	}
	c := NewClient()
	_, err := c.Invoke(context.Background(), conn, map[string]any{}, "")
	require.Error(t, err)
}

func TestInvokeNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	conn := &model.Connector{Name: "weather", Endpoint: srv.URL}
	c := NewClient()
	_, err := c.Invoke(context.Background(), conn, nil, "")
	require.Error(t, err)
}
