// Package proto defines the relay wire protocol: JSON messages framed by a
// single NUL byte.
//
// Messages use the externally tagged form, one key naming the variant:
//
//	{"Hello":8080}  {"Accept":"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}
//	"Heartbeat"     {"Connection":"..."}  {"Error":"port already in use"}
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ClientKind enumerates control client -> relay messages.
type ClientKind int

const (
	ClientHello ClientKind = iota + 1
	ClientAccept
)

func (k ClientKind) String() string {
	switch k {
	case ClientHello:
		return "Hello"
	case ClientAccept:
		return "Accept"
	}
	return fmt.Sprintf("ClientKind(%d)", int(k))
}

// ServerKind enumerates relay -> control client messages.
type ServerKind int

const (
	ServerHello ServerKind = iota + 1
	ServerHeartbeat
	ServerConnection
	ServerError
)

func (k ServerKind) String() string {
	switch k {
	case ServerHello:
		return "Hello"
	case ServerHeartbeat:
		return "Heartbeat"
	case ServerConnection:
		return "Connection"
	case ServerError:
		return "Error"
	}
	return fmt.Sprintf("ServerKind(%d)", int(k))
}

// ClientMessage is sent by the control client. Port is set for Hello, ID for Accept.
type ClientMessage struct {
	Kind ClientKind
	Port uint16
	ID   uuid.UUID
}

// Hello asks the relay to publish port (0 lets the OS choose).
func Hello(port uint16) ClientMessage { return ClientMessage{Kind: ClientHello, Port: port} }

// Accept claims the pending visitor announced as id.
func Accept(id uuid.UUID) ClientMessage { return ClientMessage{Kind: ClientAccept, ID: id} }

// ServerMessage is sent by the relay. Port is set for Hello, ID for Connection
// and Message for Error.
type ServerMessage struct {
	Kind    ServerKind
	Port    uint16
	ID      uuid.UUID
	Message string
}

// HelloAck confirms the port actually bound.
func HelloAck(port uint16) ServerMessage { return ServerMessage{Kind: ServerHello, Port: port} }

func Heartbeat() ServerMessage { return ServerMessage{Kind: ServerHeartbeat} }

// Connection announces a registered visitor waiting to be claimed.
func Connection(id uuid.UUID) ServerMessage { return ServerMessage{Kind: ServerConnection, ID: id} }

// ErrorMessage reports a failure; the relay closes the connection after it.
func ErrorMessage(msg string) ServerMessage { return ServerMessage{Kind: ServerError, Message: msg} }

var errUnknownVariant = errors.New("unknown message variant")

func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case ClientHello:
		return json.Marshal(map[string]uint16{"Hello": m.Port})
	case ClientAccept:
		return json.Marshal(map[string]uuid.UUID{"Accept": m.ID})
	}
	return nil, fmt.Errorf("marshal %v: %w", m.Kind, errUnknownVariant)
}

func (m *ClientMessage) UnmarshalJSON(b []byte) error {
	tag, body, err := splitVariant(b)
	if err != nil {
		return err
	}
	switch tag {
	case "Hello":
		m.Kind = ClientHello
		return json.Unmarshal(body, &m.Port)
	case "Accept":
		m.Kind = ClientAccept
		return json.Unmarshal(body, &m.ID)
	}
	return fmt.Errorf("client message %q: %w", tag, errUnknownVariant)
}

func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case ServerHello:
		return json.Marshal(map[string]uint16{"Hello": m.Port})
	case ServerHeartbeat:
		return json.Marshal("Heartbeat")
	case ServerConnection:
		return json.Marshal(map[string]uuid.UUID{"Connection": m.ID})
	case ServerError:
		return json.Marshal(map[string]string{"Error": m.Message})
	}
	return nil, fmt.Errorf("marshal %v: %w", m.Kind, errUnknownVariant)
}

func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	tag, body, err := splitVariant(b)
	if err != nil {
		return err
	}
	switch tag {
	case "Hello":
		m.Kind = ServerHello
		return json.Unmarshal(body, &m.Port)
	case "Heartbeat":
		if body != nil {
			return errors.New("heartbeat carries no data")
		}
		m.Kind = ServerHeartbeat
		return nil
	case "Connection":
		m.Kind = ServerConnection
		return json.Unmarshal(body, &m.ID)
	case "Error":
		m.Kind = ServerError
		return json.Unmarshal(body, &m.Message)
	}
	return fmt.Errorf("server message %q: %w", tag, errUnknownVariant)
}

// splitVariant returns the variant name and its payload. Unit variants are
// encoded as a bare string and yield a nil payload.
func splitVariant(b []byte) (string, json.RawMessage, error) {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var tag string
		if err := json.Unmarshal(b, &tag); err != nil {
			return "", nil, err
		}
		return tag, nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return "", nil, err
	}
	if len(obj) != 1 {
		return "", nil, fmt.Errorf("expected exactly one variant key, got %d", len(obj))
	}
	var tag string
	for k := range obj {
		tag = k
	}
	return tag, obj[tag], nil
}
