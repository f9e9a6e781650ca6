package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_Request(t *testing.T) {
	raw := []byte(`{"type":"req","id":"1","method":"connect","params":{"role":"operator"}}`)
	f, err := DecodeFrame(raw)
	require.Nil(t, err)
	assert.Equal(t, TypeRequest, f.Type)
	assert.Equal(t, "connect", f.Method)
}

func TestDecodeFrame_MalformedJSON(t *testing.T) {
	_, err := DecodeFrame([]byte(`{not json`))
	require.NotNil(t, err)
	assert.Equal(t, apierr.InvalidRequest, err.Code)
}

func TestDecodeFrame_OversizedRejected(t *testing.T) {
	big := []byte(`{"type":"req","id":"1","method":"x","params":"` + strings.Repeat("a", MaxFrameBytes) + `"}`)
	_, err := DecodeFrame(big)
	require.NotNil(t, err)
	assert.Equal(t, apierr.InvalidRequest, err.Code)
}

func TestParseConnectParams_RejectsBadRole(t *testing.T) {
	raw, _ := json.Marshal(ConnectParams{Role: "admin"})
	_, err := ParseConnectParams(raw)
	require.NotNil(t, err)
}

func TestParseConnectParams_AcceptsOperator(t *testing.T) {
	raw, _ := json.Marshal(ConnectParams{Role: "operator", Token: "tok"})
	p, err := ParseConnectParams(raw)
	require.Nil(t, err)
	assert.Equal(t, "operator", p.Role)
}

func TestNewErrorResponse_RoundTrips(t *testing.T) {
	f := NewErrorResponse("req-1", apierr.Invalid("bad params"))
	data, merr := json.Marshal(f)
	require.NoError(t, merr)
	assert.Contains(t, string(data), `"code":"INVALID_REQUEST"`)
}
