package utils

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/vitwit/q402/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validator returns the shared struct validator.
func Validator() *validator.Validate {
	return validate
}

// Canonicalize serializes v as JSON with object keys sorted at every
// depth. Array order and number literals are preserved.
func Canonicalize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("failed to decode value: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, tree); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case string:
		return writeString(buf, t)
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		buf.WriteByte('{')
		for i, k := range slices.Sorted(maps.Keys(t)) {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported canonical type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}

// HashCanonical returns keccak256 over the UTF-8 bytes of s.
func HashCanonical(s string) common.Hash {
	return crypto.Keccak256Hash([]byte(s))
}

// ResourceHash binds a request resource to a stable digest.
func ResourceHash(v any) (common.Hash, error) {
	s, err := Canonicalize(v)
	if err != nil {
		return common.Hash{}, err
	}
	return HashCanonical(s), nil
}

// EncodeHeader encodes v as base64 JSON for use in a header value.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

var headerEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// DecodeHeader reverses EncodeHeader into out. Any failure is reported as
// an INVALID_PAYLOAD X402Error.
func DecodeHeader(s string, out any) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: "payment header is empty",
		}
	}

	var (
		raw []byte
		err error
	)
	for _, enc := range headerEncodings {
		if raw, err = enc.DecodeString(s); err == nil {
			break
		}
	}
	if err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("invalid payment header encoding: %v", err),
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("invalid payment header json: %v", err),
		}
	}
	return nil
}

// DecodePayment decodes an x-payment header value.
func DecodePayment(header string) (*types.SignedPaymentPayload, error) {
	var p types.SignedPaymentPayload
	if err := DecodeHeader(header, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParsePayment decodes a JSON request body into a payload.
func ParsePayment(data []byte) (*types.SignedPaymentPayload, error) {
	var p types.SignedPaymentPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidPayload,
			Message: fmt.Sprintf("failed to parse payment payload: %v", err),
		}
	}
	return &p, nil
}

// ShapeReason checks that the payload carries every required part and
// returns the reason code of the first missing one, or "".
func ShapeReason(p *types.SignedPaymentPayload) string {
	if p == nil {
		return types.ErrInvalidPayload
	}

	err := validate.Struct(p)
	if err == nil {
		return ""
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.ErrInvalidPayload
	}

	reason := types.ErrInvalidWitness
	for _, fe := range verrs {
		if !strings.Contains(fe.StructNamespace(), ".PaymentDetails.Witness") {
			reason = types.ErrInvalidPayload
			break
		}
	}
	return reason
}
