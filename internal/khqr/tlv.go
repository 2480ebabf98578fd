package khqr

import (
	"errors"
	"fmt"
)

var (
	// ErrFieldTooLong is returned when a TLV value exceeds the 2-digit length field.
	ErrFieldTooLong = errors.New("khqr: field value exceeds 99 bytes")

	// ErrMalformedTLV is returned when a payload cannot be walked as TLV fields.
	ErrMalformedTLV = errors.New("khqr: malformed tlv payload")
)

// Field is one tag/value pair of an EMV QR payload. Nested templates keep
// their inner TLV concatenation as the raw Value; callers re-invoke
// DecodeFields on it.
type Field struct {
	Tag   string
	Value string
}

// EncodeField renders tag || length || value with the length as exactly two
// ASCII decimal digits, per the EMV QR merchant presented mode format.
func EncodeField(tag, value string) (string, error) {
	if len(tag) != 2 {
		return "", fmt.Errorf("khqr: tag %q must be 2 characters", tag)
	}
	if len(value) > 99 {
		return "", fmt.Errorf("%w: tag %s carries %d bytes", ErrFieldTooLong, tag, len(value))
	}
	return fmt.Sprintf("%s%02d%s", tag, len(value), value), nil
}

// DecodeFields walks a TLV payload and returns its top-level fields in order.
func DecodeFields(payload string) ([]Field, error) {
	var fields []Field
	for i := 0; i < len(payload); {
		if len(payload)-i < 4 {
			return nil, fmt.Errorf("%w: trailing fragment %q", ErrMalformedTLV, payload[i:])
		}
		tag := payload[i : i+2]
		length := 0
		for _, c := range payload[i+2 : i+4] {
			if c < '0' || c > '9' {
				return nil, fmt.Errorf("%w: non-numeric length for tag %s", ErrMalformedTLV, tag)
			}
			length = length*10 + int(c-'0')
		}
		if len(payload)-i-4 < length {
			return nil, fmt.Errorf("%w: tag %s declares %d bytes, %d remain", ErrMalformedTLV, tag, length, len(payload)-i-4)
		}
		fields = append(fields, Field{Tag: tag, Value: payload[i+4 : i+4+length]})
		i += 4 + length
	}
	return fields, nil
}
