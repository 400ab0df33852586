package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"github.com/MarcoPoloResearchLab/docrelay/internal/crdt"
	"github.com/MarcoPoloResearchLab/docrelay/internal/documents"
	"github.com/go-playground/assert/v2"
)

func TestDecodeFrame(testContext *testing.T) {
	frame, err := DecodeFrame([]byte{byte(MessageUpdate), 1, 2})
	assert.Equal(testContext, err, nil)
	assert.Equal(testContext, frame.Type, MessageUpdate)
	assert.Equal(testContext, frame.Payload, []byte{1, 2})

	_, err = DecodeFrame(nil)
	assert.Equal(testContext, errors.Is(err, ErrMalformedFrame), true)
	_, err = DecodeFrame([]byte{5})
	assert.Equal(testContext, errors.Is(err, ErrUnknownMessageType), true)

	assert.Equal(testContext, EncodeFrame(MessageKeepAlive, nil), []byte{4})
	assert.Equal(testContext, MessageAwareness.String(), "awareness")
}

func TestCloseCodeFor(testContext *testing.T) {
	testCases := []struct {
		err    error
		code   int
		reason string
	}{
		{err: nil, code: CloseNormal, reason: "normal"},
		{err: access.ErrTokenExpired, code: CloseUnauthorized, reason: "token-expired"},
		{err: fmt.Errorf("wrapped: %w", access.ErrUnauthorized), code: CloseUnauthorized, reason: "unauthorized"},
		{err: access.ErrForbidden, code: CloseForbidden, reason: "forbidden"},
		{err: ErrIdleTimeout, code: CloseIdleTimeout, reason: "idle-timeout"},
		{err: ErrBackpressure, code: CloseBackpressure, reason: "backpressure"},
		{err: ErrFrameTooLarge, code: CloseFrameTooLarge, reason: "frame-too-large"},
		{err: crdt.ErrMalformedUpdate, code: CloseProtocolError, reason: "protocol-error"},
		{err: documents.ErrNotFound, code: CloseForbidden, reason: "forbidden"},
		{err: ErrShuttingDown, code: CloseGoingAway, reason: "going-away"},
		{err: access.ErrLookupFailed, code: CloseServerError, reason: "server-error"},
	}
	for _, testCase := range testCases {
		code, reason := CloseCodeFor(testCase.err)
		if code != testCase.code || reason != testCase.reason {
			testContext.Fatalf("%v: expected %d %s, got %d %s", testCase.err, testCase.code, testCase.reason, code, reason)
		}
	}
}

func TestAwarenessRoundTrip(testContext *testing.T) {
	changes := []AwarenessChange{
		{ClientID: 3, Clock: 1, State: json.RawMessage(`{"user":{"name":"ada"}}`)},
		{ClientID: 1 << 40, Clock: 7, State: nil},
	}
	decoded, err := DecodeAwareness(EncodeAwareness(changes))
	assert.Equal(testContext, err, nil)
	assert.Equal(testContext, len(decoded), 2)
	assert.Equal(testContext, string(decoded[0].State), `{"user":{"name":"ada"}}`)
	assert.Equal(testContext, decoded[1].ClientID, uint64(1<<40))
	assert.Equal(testContext, decoded[1].cleared(), true)

	_, err = DecodeAwareness(append(EncodeAwareness(changes), 0))
	assert.Equal(testContext, errors.Is(err, ErrMalformedFrame), true)
	_, err = DecodeAwareness([]byte{200})
	assert.Equal(testContext, errors.Is(err, ErrMalformedFrame), true)
}

func TestAwarenessMapOrdering(testContext *testing.T) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	alice := &Connection{id: "alice"}
	bob := &Connection{id: "bob"}
	presence := newAwarenessMap()

	accepted := presence.apply(alice, []AwarenessChange{{ClientID: 1, Clock: 2, State: json.RawMessage(`{"a":1}`)}}, now)
	assert.Equal(testContext, len(accepted), 1)

	stale := presence.apply(alice, []AwarenessChange{{ClientID: 1, Clock: 1, State: json.RawMessage(`{"a":0}`)}}, now)
	assert.Equal(testContext, len(stale), 0)

	foreign := presence.apply(bob, []AwarenessChange{{ClientID: 1, Clock: 9, State: json.RawMessage(`{"b":1}`)}}, now)
	assert.Equal(testContext, len(foreign), 0)

	cleared := presence.apply(alice, []AwarenessChange{{ClientID: 1, Clock: 2, State: json.RawMessage(`null`)}}, now)
	assert.Equal(testContext, len(cleared), 1)
	assert.Equal(testContext, len(presence.snapshot()), 0)

	claimed := presence.apply(bob, []AwarenessChange{{ClientID: 1, Clock: 3, State: json.RawMessage(`{"b":1}`)}}, now)
	assert.Equal(testContext, len(claimed), 1)

	removed := presence.removeOwner(bob)
	assert.Equal(testContext, len(removed), 1)
	assert.Equal(testContext, removed[0].Clock, uint64(4))

	presence.apply(alice, []AwarenessChange{{ClientID: 2, Clock: 1, State: json.RawMessage(`{}`)}}, now)
	expired := presence.expire(now.Add(31*time.Second), 30*time.Second)
	assert.Equal(testContext, len(expired), 1)
	assert.Equal(testContext, expired[0].ClientID, uint64(2))

	presence.expire(now.Add(4*time.Minute), 30*time.Second)
	assert.Equal(testContext, len(presence.entries), 0)
}
