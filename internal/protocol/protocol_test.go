package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhtp-network/zhtp/internal/errs"
	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

func TestEncodeDecodeRequestRoundTripNoAuth(t *testing.T) {
	req := &Request{
		RequestID: [16]byte{1, 2, 3},
		Method:    MethodGET,
		URI:       "/api/v1/blockchain/tip",
		Body:      nil,
		Headers:   []byte("accept:json"),
	}
	encoded := EncodeRequest(req)
	decoded, err := DecodeRequest(encoded, false)
	require.NoError(t, err)
	require.Equal(t, req.RequestID, decoded.RequestID)
	require.Equal(t, req.Method, decoded.Method)
	require.Equal(t, req.URI, decoded.URI)
	require.Equal(t, req.Headers, decoded.Headers)
	require.Nil(t, decoded.Auth)
}

func TestEncodeDecodeRequestRoundTripWithAuth(t *testing.T) {
	appMACKey := zcrypto.BLAKE3([]byte("test-app-mac-key"))
	req := &Request{
		RequestID: [16]byte{9},
		Method:    MethodPOST,
		URI:       "/api/v1/dao/vote",
		Body:      []byte(`{"approve":true}`),
		Headers:   []byte("content-type:json"),
		Auth: &AuthContext{
			SessionID: [16]byte{4, 5, 6},
			ClientDID: identity.DID("did:zhtp:abcdef"),
			Sequence:  1,
		},
	}
	SignAuthContext(req, appMACKey)

	encoded := EncodeRequest(req)
	decoded, err := DecodeRequest(encoded, true)
	require.NoError(t, err)
	require.NotNil(t, decoded.Auth)
	require.Equal(t, req.Auth.SessionID, decoded.Auth.SessionID)
	require.Equal(t, req.Auth.ClientDID, decoded.Auth.ClientDID)
	require.Equal(t, req.Auth.Sequence, decoded.Auth.Sequence)
	require.True(t, VerifyAuthContext(decoded, appMACKey))
}

func TestVerifyAuthContextRejectsTamperedBody(t *testing.T) {
	appMACKey := zcrypto.BLAKE3([]byte("test-app-mac-key"))
	req := &Request{
		RequestID: [16]byte{1},
		Method:    MethodPUT,
		URI:       "/api/v1/dao/proposal",
		Body:      []byte("original"),
		Auth: &AuthContext{
			SessionID: [16]byte{1},
			ClientDID: identity.DID("did:zhtp:x"),
			Sequence:  1,
		},
	}
	SignAuthContext(req, appMACKey)

	req.Body = []byte("tampered")
	require.False(t, VerifyAuthContext(req, appMACKey))
}

func TestSessionSequenceTrackerRejectsReplay(t *testing.T) {
	tracker := NewSessionSequenceTracker()
	session := [16]byte{1, 1, 1}

	require.NoError(t, tracker.CheckAndAdvance(session, 1))
	require.NoError(t, tracker.CheckAndAdvance(session, 2))
	require.ErrorIs(t, tracker.CheckAndAdvance(session, 2), ErrSequenceReplay)
	require.ErrorIs(t, tracker.CheckAndAdvance(session, 1), ErrSequenceReplay)
	require.NoError(t, tracker.CheckAndAdvance(session, 3))
}

func TestValidateMutatingRequestRequiresAuthContext(t *testing.T) {
	appMACKey := zcrypto.BLAKE3([]byte("key"))
	seq := NewSessionSequenceTracker()

	req := &Request{Method: MethodDELETE, URI: "/api/v1/x"}
	err := ValidateMutatingRequest(req, appMACKey, seq)
	require.ErrorIs(t, err, ErrMissingAuthContext)
}

func TestValidateMutatingRequestPassesGET(t *testing.T) {
	appMACKey := zcrypto.BLAKE3([]byte("key"))
	seq := NewSessionSequenceTracker()
	req := &Request{Method: MethodGET, URI: "/api/v1/blockchain/tip"}
	require.NoError(t, ValidateMutatingRequest(req, appMACKey, seq))
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	resp := &Response{
		RequestID:     [16]byte{7},
		Status:        StatusZKVerificationFailed,
		StatusMessage: "zk proof verification failed",
		Headers:       []byte("content-type:json"),
		Body:          []byte(`{"error":"zk"}`),
	}
	encoded := EncodeResponse(resp)
	decoded, err := DecodeResponse(encoded)
	require.NoError(t, err)
	require.Equal(t, resp.RequestID, decoded.RequestID)
	require.Equal(t, resp.Status, decoded.Status)
	require.Equal(t, resp.StatusMessage, decoded.StatusMessage)
	require.Equal(t, resp.Body, decoded.Body)
}

func TestStatusRetryableClassification(t *testing.T) {
	require.True(t, StatusCode(429).Retryable())
	require.True(t, StatusMeshUnavailable.Retryable())
	require.True(t, StatusInternalServerError.Retryable())
	require.False(t, StatusZKVerificationFailed.Retryable())
	require.False(t, StatusOK.Retryable())
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello uhp")
	framed := WriteFrame(payload)
	out, consumed, err := ReadFrame(framed)
	require.NoError(t, err)
	require.Equal(t, payload, out)
	require.Equal(t, len(framed), consumed)
}

func TestStatusForErrorKindRoutingAndEconomic(t *testing.T) {
	require.Equal(t, StatusRoutingFailed, StatusForErrorKind(errs.KindRouting))
	require.Equal(t, StatusFeeInsufficient, StatusForErrorKind(errs.KindEconomic))
	require.True(t, StatusForErrorKind(errs.KindRouting).Retryable())
}

func TestMeshFrameRoundTripAndMACRejection(t *testing.T) {
	sessionKey := []byte("0123456789abcdef0123456789abcdef")
	f := &MeshFrame{FrameID: 42, FrameType: MeshFrameData, Payload: []byte("payload")}
	encoded := EncodeMeshFrame(f, sessionKey)

	decoded, err := DecodeMeshFrame(encoded, sessionKey)
	require.NoError(t, err)
	require.Equal(t, f.FrameID, decoded.FrameID)
	require.Equal(t, f.Payload, decoded.Payload)

	_, err = DecodeMeshFrame(encoded, []byte("wrong-key-wrong-key-wrong-key-12"))
	require.Error(t, err)
}
