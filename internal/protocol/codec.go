package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"utter/internal/domain"
)

var (
	// ErrUnknownType is returned by Decode for a "type" outside the catalog.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrMissingType is returned by Decode when the "type" field is absent.
	ErrMissingType = errors.New("frame has no type")
)

// Encode marshals f as a JSON object carrying its "type" tag.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}
	tag, _ := json.Marshal(f.FrameType())
	fields["type"] = tag
	return json.Marshal(fields)
}

// Decode parses one frame. Errors are validation errors: the connection
// that sent the bytes gets an error frame and carries on.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, domain.Wrap(domain.KindValidation, "malformed frame", err)
	}

	var (
		f   Frame
		err error
	)
	switch head.Type {
	case "":
		return nil, domain.Wrap(domain.KindValidation, "malformed frame", ErrMissingType)
	case TypeConnected:
		f, err = decodeAs[Connected](data)
	case TypeRegister:
		f, err = decodeAs[Register](data)
	case TypeRegistered:
		f, err = decodeAs[Registered](data)
	case TypeGetDevices:
		return GetDevices{}, nil
	case TypeDevices:
		f, err = decodeAs[Devices](data)
	case TypeMessage:
		f, err = decodeAs[Message](data)
	case TypeText:
		f, err = decodeAs[Text](data)
	case TypeMessageSent:
		f, err = decodeAs[MessageSent](data)
	case TypeError:
		f, err = decodeAs[Error](data)
	case TypePing:
		f, err = decodeAs[Ping](data)
	case TypePong:
		f, err = decodeAs[Pong](data)
	default:
		return nil, domain.Wrap(domain.KindValidation, "malformed frame",
			fmt.Errorf("%w %q", ErrUnknownType, head.Type))
	}
	if err != nil {
		return nil, domain.Wrap(domain.KindValidation, fmt.Sprintf("malformed %s frame", head.Type), err)
	}
	return f, nil
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
