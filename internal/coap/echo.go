package coap

import (
	"encoding/binary"
	"time"

	"github.com/knx-iot/gateway/internal/metrics"
)

// EchoLength is the fixed Echo option value length this stack ever
// produces or accepts: an 8-byte tick timestamp.
const EchoLength = 8

// NewEchoValue encodes now as the 8-byte Echo option value the server
// issues in a 4.01 Unauthorized challenge.
func NewEchoValue(now time.Time) []byte {
	buf := make([]byte, EchoLength)
	binary.BigEndian.PutUint64(buf, uint64(now.UnixNano()))
	return buf
}

// EchoOutcome is the result of validating a retransmitted request's
// Echo option against the freshness window.
type EchoOutcome string

const (
	EchoAccepted     EchoOutcome = "accepted"
	EchoBadLength    EchoOutcome = "bad_length"
	EchoStale        EchoOutcome = "stale"
)

// ValidateEcho checks a retransmitted request's Echo option value
// against now and the configured freshness window (nominal 10s).
func ValidateEcho(value []byte, now time.Time, freshnessWindow time.Duration) EchoOutcome {
	var outcome EchoOutcome
	switch {
	case len(value) != EchoLength:
		outcome = EchoBadLength
	default:
		issuedNanos := binary.BigEndian.Uint64(value)
		issued := time.Unix(0, int64(issuedNanos))
		if now.Sub(issued) <= freshnessWindow {
			outcome = EchoAccepted
		} else {
			outcome = EchoStale
		}
	}
	metrics.EchoChallengesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

// BuildChallenge constructs the server's 4.01 Unauthorized + Echo
// response to an unsynchronized peer's request.
func BuildChallenge(req *Message, now time.Time) *Message {
	resp := &Message{
		Type:      TypeAcknowledgement,
		Code:      CodeUnauthorized,
		MessageID: req.MessageID,
		Token:     req.Token,
	}
	resp.AddOption(OptionEcho, NewEchoValue(now))
	return resp
}

// BuildRetransmit constructs the client-side retransmit of original
// carrying the server's Echo challenge value, a fresh token and
// message id, so the caller can rewire its transaction/client-callback
// bookkeeping to (newMID, newToken) before posting it.
func BuildRetransmit(original *Message, echoValue []byte, newToken []byte, newMID uint16) *Message {
	retransmit := &Message{
		Type:      original.Type,
		Code:      original.Code,
		MessageID: newMID,
		Token:     newToken,
		Payload:   original.Payload,
	}
	for _, opt := range original.Options {
		if opt.Number == OptionEcho {
			continue // replaced below
		}
		retransmit.Options = append(retransmit.Options, opt)
	}
	retransmit.AddOption(OptionEcho, echoValue)
	return retransmit
}
