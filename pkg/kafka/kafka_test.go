package kafka

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	msgs, err := encode([]Event{
		{Key: "runes", Value: map[string]int{"n": 1}},
		{Key: "", Value: []string{"a"}},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "runes", string(msgs[0].Key))
	require.JSONEq(t, `{"n":1}`, string(msgs[0].Value))

	_, err = encode([]Event{{Key: "bad", Value: make(chan int)}})
	require.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Alphabet string `json:"alphabet"`
	}
	p, err := DecodeJSON[payload]([]byte(`{"alphabet":"runes"}`))
	require.NoError(t, err)
	require.Equal(t, "runes", p.Alphabet)

	_, err = DecodeJSON[payload]([]byte(`{`))
	require.ErrorIs(t, err, ErrSkip)
}
