// Package access defines the contract with the Access Authority: the
// external service that issues session credentials, authorizes session
// recovery and accepts usage reports.
package access

import (
	"encoding/json"
	"net/netip"
	"time"
)

// SessionKeyLen is the fixed length of session keys issued by the
// authority.
const SessionKeyLen = 16

// Code is the authority-level result code carried on every response.
type Code int

const (
	CodeOk Code = iota
	CodeAccessError
	CodeSessionError
	CodeSessionClosed
	CodeUnsupportedClient
	CodeTrafficOverflow
	CodeMaintenance
)

// String returns the wire name of the code.
func (c Code) String() string {
	switch c {
	case CodeOk:
		return "ok"
	case CodeAccessError:
		return "access_error"
	case CodeSessionError:
		return "session_error"
	case CodeSessionClosed:
		return "session_closed"
	case CodeUnsupportedClient:
		return "unsupported_client"
	case CodeTrafficOverflow:
		return "traffic_overflow"
	case CodeMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// Usage is the traffic consumed by a session since the last report.
type Usage struct {
	SentBytes     int64 `json:"sent_bytes"`
	ReceivedBytes int64 `json:"received_bytes"`
}

// AccessUsage describes the authority's view of a session's quota.
type AccessUsage struct {
	ExpirationTime    *time.Time `json:"expiration_time,omitempty"`
	MaxTrafficBytes   int64      `json:"max_traffic_bytes,omitempty"`
	ActiveClientCount int        `json:"active_client_count,omitempty"`
}

// Expired reports whether the usage window has an expiration in the past.
func (u *AccessUsage) Expired(now time.Time) bool {
	return u != nil && u.ExpirationTime != nil && u.ExpirationTime.Before(now)
}

// SessionResponse is the authority's answer to a usage report.
type SessionResponse struct {
	ErrorCode    Code         `json:"error_code"`
	ErrorMessage string       `json:"error_message,omitempty"`
	AccessUsage  *AccessUsage `json:"access_usage,omitempty"`
}

// SessionResponseEx extends SessionResponse with the session credentials
// returned from create and get calls.
type SessionResponseEx struct {
	SessionResponse

	SessionID   uint64    `json:"session_id"`
	SessionKey  []byte    `json:"session_key"`
	CreatedTime time.Time `json:"created_time"`
	ExtraData   string    `json:"extra_data,omitempty"`
}

// ClientInfo identifies the connecting client software.
type ClientInfo struct {
	ClientID      string `json:"client_id"`
	ClientVersion string `json:"client_version"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// SessionRequestEx is the payload of a session-create call.
type SessionRequestEx struct {
	HostEndpoint      netip.AddrPort `json:"host_endpoint"`
	ClientIP          netip.Addr     `json:"client_ip"`
	ExtraData         string         `json:"extra_data,omitempty"`
	ClientInfo        ClientInfo     `json:"client_info"`
	EncryptedClientID []byte         `json:"encrypted_client_id,omitempty"`
	TokenID           string         `json:"token_id"`
}

// DefaultProtocolVersion is assumed when a response carries no extra
// data.
const DefaultProtocolVersion = 3

// ExtraData is the opaque blob the authority attaches to a session.
type ExtraData struct {
	ProtocolVersion int `json:"protocol_version"`
}

// ParseExtraData deserializes an extra-data blob, defaulting the protocol
// version when the blob is absent or does not carry one.
func ParseExtraData(blob string) (ExtraData, error) {
	extra := ExtraData{ProtocolVersion: DefaultProtocolVersion}
	if blob == "" {
		return extra, nil
	}
	if err := json.Unmarshal([]byte(blob), &extra); err != nil {
		return ExtraData{ProtocolVersion: DefaultProtocolVersion}, err
	}
	if extra.ProtocolVersion == 0 {
		extra.ProtocolVersion = DefaultProtocolVersion
	}
	return extra, nil
}
