package tracing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerializeRoundTrip(t *testing.T) {
	root := NewRoot("retrieval")
	root.Set("query", "what is machine learning")

	lexical := root.Child("lexical")
	done := lexical.Measure()
	lexical.Set("chunk_ids", []string{"c1", "c2"})
	done()

	compressed, err := Serialize(root)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)

	back, err := Deserialize(compressed)
	require.NoError(t, err)
	require.Equal(t, "retrieval", back.Name)
	require.Len(t, back.Children, 1)
	require.Equal(t, "lexical", back.Children[0].Name)
}

func TestChildConcurrentSafe(t *testing.T) {
	root := NewRoot("retrieval")
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			root.Child("branch")
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Len(t, root.Children, 8)
}
