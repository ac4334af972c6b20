package coap

import (
	"bytes"
	"testing"
)

func TestMarshalParse_RoundTrip(t *testing.T) {
	msg := &Message{
		Type:      TypeConfirmable,
		Code:      CodeGET,
		MessageID: 0x1234,
		Token:     []byte{0xAA, 0xBB},
		Payload:   []byte("payload"),
	}
	msg.AddOption(OptionURIPath, []byte("dev"))
	msg.AddOption(OptionURIPath, []byte("sn"))
	msg.AddOption(OptionContentFormat, []byte{60})

	raw, err := Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.Type != msg.Type || got.Code != msg.Code || got.MessageID != msg.MessageID {
		t.Errorf("header mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Token, msg.Token) {
		t.Errorf("token mismatch: got %x want %x", got.Token, msg.Token)
	}
	if !bytes.Equal(got.Payload, msg.Payload) {
		t.Errorf("payload mismatch: got %q want %q", got.Payload, msg.Payload)
	}
	paths := got.AllOptions(OptionURIPath)
	if len(paths) != 2 || string(paths[0].Value) != "dev" || string(paths[1].Value) != "sn" {
		t.Errorf("uri-path options mismatch: got %+v", paths)
	}
}

func TestParse_TruncatedMessageFails(t *testing.T) {
	if _, err := Parse([]byte{0x40, 0x01}); err == nil {
		t.Fatal("expected error for truncated message")
	}
}

func TestParse_TokenLengthExceedsMessage(t *testing.T) {
	// version=1, type=0, tkl=4, but no token bytes follow
	data := []byte{0x44, 0x01, 0x00, 0x01}
	if _, err := Parse(data); err == nil {
		t.Fatal("expected error for token length exceeding message")
	}
}

func TestMarshal_ExtendedOptionDelta(t *testing.T) {
	msg := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 1}
	msg.AddOption(OptionEcho, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	raw, err := Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	opt := got.FindOption(OptionEcho)
	if opt == nil {
		t.Fatal("expected echo option to round-trip")
	}
	if !bytes.Equal(opt.Value, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("echo value mismatch: got %x", opt.Value)
	}
}

func TestMarshal_OptionsOutOfOrderRejected(t *testing.T) {
	msg := &Message{Type: TypeConfirmable, Code: CodeGET, MessageID: 1}
	msg.AddOption(OptionContentFormat, []byte{60})
	msg.AddOption(OptionURIPath, []byte("x")) // lower number after higher

	if _, err := Marshal(msg); err == nil {
		t.Fatal("expected error for out-of-order options")
	}
}
