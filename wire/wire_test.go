package wire

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadFrame = %q, want %q", got, payload)
	}
}

func TestFrameTooLarge(t *testing.T) {
	if err := WriteFrame(&bytes.Buffer{}, make([]byte, MaxFrameSize+1)); err != ErrFrameTooLarge {
		t.Fatalf("WriteFrame oversized: got %v, want ErrFrameTooLarge", err)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage()
	m.SetVarint(1, 42)
	m.SetString(2, "hi")
	m.SetBool(3, true)
	m.AppendStringMap(4, map[string]string{"a": "1", "b": "2"})

	raw := m.Marshal()
	got, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, ok := got.Varint(1); !ok || v != 42 {
		t.Fatalf("field 1 = %v,%v want 42,true", v, ok)
	}
	if s, ok := got.String(2); !ok || s != "hi" {
		t.Fatalf("field 2 = %q,%v want hi,true", s, ok)
	}
	if b, ok := got.Bool(3); !ok || !b {
		t.Fatalf("field 3 = %v,%v want true,true", b, ok)
	}
	mp, err := got.StringMap(4)
	if err != nil {
		t.Fatalf("StringMap: %v", err)
	}
	if mp["a"] != "1" || mp["b"] != "2" {
		t.Fatalf("StringMap = %+v", mp)
	}
}

func TestCallRequestRoundTrip(t *testing.T) {
	req := &CallRequest{
		Op:         OpDentCreate,
		ParentFd:   7,
		Name:       "msg",
		Kind:       "file",
		Label:      "T,T",
		Value:      []byte("hi"),
		Parameters: map[string]string{"x": "y"},
	}
	raw := req.Marshal()
	got, err := UnmarshalCallRequest(raw)
	if err != nil {
		t.Fatalf("UnmarshalCallRequest: %v", err)
	}
	if got.Op != OpDentCreate || got.ParentFd != 7 || got.Name != "msg" || got.Kind != "file" || got.Label != "T,T" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if string(got.Value) != "hi" {
		t.Fatalf("Value = %q", got.Value)
	}
	if got.Parameters["x"] != "y" {
		t.Fatalf("Parameters = %+v", got.Parameters)
	}
}

func TestCallResponseRoundTrip(t *testing.T) {
	resp := &CallResponse{
		Status:  StatusLabelCheckFailed,
		Label:   "alice,T",
		Entries: map[string]string{"n1": "file"},
	}
	raw := resp.Marshal()
	got, err := UnmarshalCallResponse(raw)
	if err != nil {
		t.Fatalf("UnmarshalCallResponse: %v", err)
	}
	if got.Status != StatusLabelCheckFailed || got.Label != "alice,T" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Entries["n1"] != "file" {
		t.Fatalf("Entries = %+v", got.Entries)
	}
}

func TestSchedRPCRoundTrip(t *testing.T) {
	req := &Request{
		Kind:     ReqLabeledInvoke,
		TaskID:   "t1",
		ThreadID: "slot-0",
		Invoke: &LabeledInvoke{
			Function:   Function{Memory: 128, AppImageBlob: "deadbeef"},
			Label:      "T,T",
			Payload:    []byte("payload"),
			Blobs:      map[string]string{"b1": "cafebabe"},
			Sync:       true,
			Declassify: "alice",
		},
	}
	raw := req.Marshal()
	got, err := UnmarshalRequest(raw)
	if err != nil {
		t.Fatalf("UnmarshalRequest: %v", err)
	}
	if got.Kind != ReqLabeledInvoke || got.TaskID != "t1" || got.Invoke == nil {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Invoke.Function.Memory != 128 || !got.Invoke.Sync {
		t.Fatalf("nested invoke mismatch: %+v", got.Invoke)
	}
	if got.Invoke.Blobs["b1"] != "cafebabe" {
		t.Fatalf("blobs mismatch: %+v", got.Invoke.Blobs)
	}
	if got.Invoke.Declassify != "alice" {
		t.Fatalf("declassify mismatch: %q", got.Invoke.Declassify)
	}

	resp := &Response{
		Kind:   RespSuccess,
		TaskID: "t1",
		Return: &TaskReturn{Code: ReturnSuccess, Payload: []byte("ok"), FinalLabel: "T,T"},
	}
	raw = resp.Marshal()
	gotResp, err := UnmarshalResponse(raw)
	if err != nil {
		t.Fatalf("UnmarshalResponse: %v", err)
	}
	if gotResp.Return == nil || gotResp.Return.Code != ReturnSuccess || string(gotResp.Return.Payload) != "ok" {
		t.Fatalf("return mismatch: %+v", gotResp.Return)
	}
}
