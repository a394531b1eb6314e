package v1

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKeepsPermissionMap(t *testing.T) {
	in := IntrospectResponse{
		SessionID:   "s1",
		UserID:      "u1",
		UserState:   "active",
		Permissions: map[string][]string{"billing": {"invoice.read", "invoice.write"}},
	}
	st, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "s1", st.Fields["session_id"].GetStringValue())

	var out IntrospectResponse
	require.NoError(t, Decode(st, &out))
	assert.Equal(t, in, out)
}

func TestDecodeNilStruct(t *testing.T) {
	var out SyncRequest
	require.NoError(t, Decode(nil, &out))
	assert.Empty(t, out.Service)
}
