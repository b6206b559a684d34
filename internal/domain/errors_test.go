package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := E(CodeNotFound, "registry.Get", "gateway gw-1 not found", nil)
	require.Equal(t, "registry.Get: NOT_FOUND: gateway gw-1 not found", err.Error())

	cause := errors.New("disk full")
	wrapped := E(CodeInternal, "store.Insert", "", cause)
	require.Contains(t, wrapped.Error(), "disk full")
	require.ErrorIs(t, wrapped, cause)
}

func TestWrapPreservesExistingError(t *testing.T) {
	inner := E(CodeConflict, "store.Insert", "name taken", nil)
	outer := Wrap(CodeInternal, "registry.Register", fmt.Errorf("insert: %w", inner))

	require.Equal(t, CodeConflict, outer.Code)
	require.Equal(t, CodeConflict, CodeFrom(outer))
}

func TestCodeFrom(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{&NotFoundError{ID: "gw-1"}, CodeNotFound},
		{&NameConflictError{Scope: "default", Name: "peer", ConflictingID: "gw-1"}, CodeConflict},
		{&RemoteError{Code: -32601, Message: "Method not found"}, CodeRemote},
		{&ConnectionError{URL: "http://peer", Kind: FailureConnect}, CodeUnavailable},
		{&ConnectionError{URL: "http://peer", Kind: FailureTimeout}, CodeDeadlineExceeded},
		{&ConnectionError{URL: "http://peer", Kind: FailureAuth}, CodeUnauthenticated},
		{&ConnectionError{URL: "http://peer", Kind: FailureProtocol}, CodeUnavailable},
		{errors.New("plain"), CodeInternal},
		{fmt.Errorf("outer: %w", &NotFoundError{ID: "gw-2"}), CodeNotFound},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CodeFrom(tc.err), "error %v", tc.err)
	}
	require.Equal(t, ErrorCode(""), CodeFrom(nil))
}

func TestConnectionErrorMessages(t *testing.T) {
	require.Contains(t, (&ConnectionError{URL: "http://p", Kind: FailureAuth}).Error(), "rejected credentials")
	require.Contains(t, (&ConnectionError{URL: "http://p", Kind: FailureTimeout}).Error(), "did not respond")
	require.Contains(t, (&ConnectionError{URL: "http://p", Kind: FailureProtocol}).Error(), "unexpected response")
	require.Contains(t, (&ConnectionError{URL: "http://p", Kind: FailureConnect}).Error(), "unreachable")
}

func TestNameConflictErrorCarriesConflictingID(t *testing.T) {
	err := &NameConflictError{Scope: "default", Name: "peer", ConflictingID: "gw-9"}
	require.Contains(t, err.Error(), "gw-9")
	require.Contains(t, err.Error(), `"peer"`)
}
