package protocol

import (
	"errors"

	"utter/internal/crypto"
	"utter/internal/domain"
)

// Type is the value of a frame's "type" field.
type Type string

const (
	TypeConnected   Type = "connected"
	TypeRegister    Type = "register"
	TypeRegistered  Type = "registered"
	TypeGetDevices  Type = "get_devices"
	TypeDevices     Type = "devices"
	TypeMessage     Type = "message"
	TypeText        Type = "text"
	TypeMessageSent Type = "message_sent"
	TypeError       Type = "error"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
)

// Frame is one wire message. The unexported method keeps the set closed.
type Frame interface {
	FrameType() Type
	frame()
}

// Connected greets a new transport connection before registration.
type Connected struct {
	ConnectionID string `json:"connection_id"`
}

// Register binds a connection to a device and an owner.
type Register struct {
	SessionToken string      `json:"session_token"`
	DeviceID     string      `json:"device_id"`
	DeviceName   string      `json:"device_name"`
	Role         domain.Role `json:"role"`
	PublicKey    string      `json:"public_key,omitempty"`
	Version      string      `json:"version,omitempty"`
	Platform     string      `json:"platform,omitempty"`
	Arch         string      `json:"arch,omitempty"`
}

// Registered acknowledges a registration with the owner resolved from the token.
type Registered struct {
	DeviceID     string `json:"device_id"`
	OwnerSubject string `json:"owner_subject"`
}

// GetDevices asks for the caller's visible devices.
type GetDevices struct{}

// DeviceInfo is one entry of a Devices frame.
type DeviceInfo struct {
	DeviceID   string      `json:"device_id"`
	DeviceName string      `json:"device_name"`
	Role       domain.Role `json:"role"`
	PublicKey  string      `json:"public_key,omitempty"`
	Status     string      `json:"status"`
}

// Devices answers GetDevices.
type Devices struct {
	Devices []DeviceInfo `json:"devices"`
}

// Message carries an envelope from a sender to the device named by To.
type Message struct {
	To                 string `json:"to"`
	Content            string `json:"content"`
	Nonce              string `json:"nonce"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	Encrypted          bool   `json:"encrypted"`
}

// Text is a forwarded envelope as delivered to the target.
type Text struct {
	Content            string `json:"content"`
	Nonce              string `json:"nonce"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
	SenderPublicKey    string `json:"sender_public_key,omitempty"`
	From               string `json:"from"`
	// Encrypted is set by the relay on every forwarded frame. Endpoints
	// refuse text frames that lack it.
	Encrypted bool `json:"encrypted"`
}

// MessageSent acknowledges delivery to the target's connection.
type MessageSent struct {
	To        string `json:"to"`
	Timestamp int64  `json:"timestamp"`
}

// Error reports a router-detected failure. Code is a domain.Kind name.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Ping and Pong carry a Unix millisecond timestamp, echoed back unchanged.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

func (Connected) FrameType() Type   { return TypeConnected }
func (Register) FrameType() Type    { return TypeRegister }
func (Registered) FrameType() Type  { return TypeRegistered }
func (GetDevices) FrameType() Type  { return TypeGetDevices }
func (Devices) FrameType() Type     { return TypeDevices }
func (Message) FrameType() Type     { return TypeMessage }
func (Text) FrameType() Type        { return TypeText }
func (MessageSent) FrameType() Type { return TypeMessageSent }
func (Error) FrameType() Type       { return TypeError }
func (Ping) FrameType() Type        { return TypePing }
func (Pong) FrameType() Type        { return TypePong }

func (Connected) frame()   {}
func (Register) frame()    {}
func (Registered) frame()  {}
func (GetDevices) frame()  {}
func (Devices) frame()     {}
func (Message) frame()     {}
func (Text) frame()        {}
func (MessageSent) frame() {}
func (Error) frame()       {}
func (Ping) frame()        {}
func (Pong) frame()        {}

// ErrorFrame converts err into an error frame, keeping the kind as the code.
func ErrorFrame(err error) Error {
	out := Error{Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) && de.Err == nil {
		out.Message = de.Message
	}
	if k := domain.KindOf(err); k != domain.KindUnknown {
		out.Code = k.String()
	}
	return out
}

// NewMessage wraps env for delivery to device to.
func NewMessage(to string, env domain.Envelope) Message {
	return Message{
		To:                 to,
		Content:            crypto.B64(env.Ciphertext),
		Nonce:              crypto.B64(env.Nonce[:]),
		EphemeralPublicKey: env.EphemeralPublic.String(),
		Encrypted:          true,
	}
}

// Envelope decodes the text frame's binary fields. Any malformed field is a
// decryption error: the frame cannot be opened.
func (t Text) Envelope() (domain.Envelope, error) {
	var env domain.Envelope
	ct, err := crypto.FromB64(t.Content, 0)
	if err != nil {
		return env, domain.Wrap(domain.KindDecryption, "content", err)
	}
	nonce, err := crypto.FromB64(t.Nonce, domain.NonceSize)
	if err != nil {
		return env, domain.Wrap(domain.KindDecryption, "nonce", err)
	}
	eph, err := domain.ParseX25519Public(t.EphemeralPublicKey)
	if err != nil {
		return env, domain.Wrap(domain.KindDecryption, "ephemeral key", err)
	}
	env.Ciphertext = ct
	copy(env.Nonce[:], nonce)
	env.EphemeralPublic = eph
	if t.SenderPublicKey != "" {
		if env.SenderPublic, err = domain.ParseX25519Public(t.SenderPublicKey); err != nil {
			return env, domain.Wrap(domain.KindDecryption, "sender key", err)
		}
	}
	return env, nil
}

// Validate checks the fields the router requires before a lookup: a target
// and well-formed nonce and ephemeral key. The encrypted marker and the size
// ceiling are checked by the router first.
func (m Message) Validate() error {
	if m.To == "" {
		return domain.Errorf(domain.KindValidation, "missing target device")
	}
	if m.Content == "" {
		return domain.Errorf(domain.KindValidation, "missing content")
	}
	if _, err := crypto.FromB64(m.Nonce, domain.NonceSize); err != nil {
		return domain.Errorf(domain.KindValidation, "invalid nonce: %v", err)
	}
	if _, err := domain.ParseX25519Public(m.EphemeralPublicKey); err != nil {
		return domain.Errorf(domain.KindValidation, "invalid ephemeral key: %v", err)
	}
	return nil
}

// ParsePublicKey decodes the optional registration key. ok is false when
// the field was absent.
func (r Register) ParsePublicKey() (pub domain.X25519Public, ok bool, err error) {
	if r.PublicKey == "" {
		return pub, false, nil
	}
	pub, err = domain.ParseX25519Public(r.PublicKey)
	if err != nil {
		return pub, false, domain.Errorf(domain.KindValidation, "invalid public key: %v", err)
	}
	return pub, true, nil
}
