package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSeparator terminates every record of the JSON hub protocol.
const RecordSeparator byte = 0x1e

// HubProtocol is the protocol name sent in the handshake.
const HubProtocol = "json"

// MessageType identifies a hub protocol record.
type MessageType int

const (
	MessageInvocation       MessageType = 1
	MessageStreamItem       MessageType = 2
	MessageCompletion       MessageType = 3
	MessageStreamInvocation MessageType = 4
	MessageCancelInvocation MessageType = 5
	MessagePing             MessageType = 6
	MessageClose            MessageType = 7
)

// HubMessage is the wrapper for every record after the handshake.
type HubMessage struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// HandshakeRequest is the first record a client sends.
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is an empty object on success.
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

// TransportInfo describes one transport offered by negotiate.
type TransportInfo struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

// NegotiateResponse is returned by POST {hub}/negotiate.
type NegotiateResponse struct {
	ConnectionID        string          `json:"connectionId,omitempty"`
	ConnectionToken     string          `json:"connectionToken,omitempty"`
	NegotiateVersion    int             `json:"negotiateVersion"`
	AvailableTransports []TransportInfo `json:"availableTransports,omitempty"`
	URL                 string          `json:"url,omitempty"`
	AccessToken         string          `json:"accessToken,omitempty"`
	Error               string          `json:"error,omitempty"`
}

// NewInvocation builds an invocation record with JSON encoded arguments.
// An empty id makes it a fire-and-forget invocation.
func NewInvocation(id, target string, args ...any) (HubMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return HubMessage{}, fmt.Errorf("encode argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, b)
	}
	return HubMessage{
		Type:         MessageInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    raw,
	}, nil
}

// EncodeRecord marshals v and appends the record separator.
func EncodeRecord(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, RecordSeparator), nil
}

// SplitRecords splits a frame into its records, dropping empty ones.
// A WebSocket frame may carry several records.
func SplitRecords(frame []byte) [][]byte {
	parts := bytes.Split(frame, []byte{RecordSeparator})
	out := parts[:0]
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) > 0 {
			out = append(out, p)
		}
	}
	return out
}
