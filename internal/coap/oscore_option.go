package coap

import "fmt"

// OSCOREOption is the decoded content of the OSCORE option (RFC 8613
// §6.1): a flag byte followed by an optional partial IV, an optional
// ID Context, and an optional Key ID (Sender ID).
type OSCOREOption struct {
	PIV       []byte
	IDContext []byte
	KeyID     []byte
}

// DecodeOSCOREOption parses the OSCORE option value's compressed
// flag-byte encoding.
func DecodeOSCOREOption(value []byte) (OSCOREOption, error) {
	if len(value) == 0 {
		return OSCOREOption{}, nil
	}
	flag := value[0]
	offset := 1

	n := int(flag & 0x07)
	hasKIDContext := flag&0x10 != 0
	hasKID := flag&0x08 != 0

	var opt OSCOREOption
	if n > 0 {
		if offset+n > len(value) {
			return OSCOREOption{}, fmt.Errorf("coap: oscore option PIV of length %d exceeds option", n)
		}
		opt.PIV = value[offset : offset+n]
		offset += n
	}
	if hasKIDContext {
		if offset >= len(value) {
			return OSCOREOption{}, fmt.Errorf("coap: oscore option missing ID Context length")
		}
		contextLen := int(value[offset])
		offset++
		if offset+contextLen > len(value) {
			return OSCOREOption{}, fmt.Errorf("coap: oscore option ID Context of length %d exceeds option", contextLen)
		}
		opt.IDContext = value[offset : offset+contextLen]
		offset += contextLen
	}
	if hasKID {
		opt.KeyID = value[offset:]
	}
	return opt, nil
}

// EncodeOSCOREOption packs an OSCOREOption back into its compressed
// wire form.
func EncodeOSCOREOption(opt OSCOREOption) []byte {
	if len(opt.PIV) == 0 && len(opt.IDContext) == 0 && len(opt.KeyID) == 0 {
		return nil
	}
	flag := byte(len(opt.PIV) & 0x07)
	if len(opt.IDContext) > 0 {
		flag |= 0x10
	}
	if opt.KeyID != nil {
		flag |= 0x08
	}

	out := []byte{flag}
	out = append(out, opt.PIV...)
	if len(opt.IDContext) > 0 {
		out = append(out, byte(len(opt.IDContext)))
		out = append(out, opt.IDContext...)
	}
	out = append(out, opt.KeyID...)
	return out
}

// pivToUint64 interprets a big-endian partial IV as a sequence number.
func pivToUint64(piv []byte) uint64 {
	var v uint64
	for _, b := range piv {
		v = v<<8 | uint64(b)
	}
	return v
}
