package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode_Classification(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Kind
	}{
		{name: "request", in: `{"jsonrpc":"2.0","id":1,"method":"ping"}`, want: KindRequest},
		{name: "string id request", in: `{"jsonrpc":"2.0","id":"a","method":"ping"}`, want: KindRequest},
		{name: "notification", in: `{"jsonrpc":"2.0","method":"notifications/initialized"}`, want: KindNotification},
		{name: "result", in: `{"jsonrpc":"2.0","id":1,"result":{}}`, want: KindResponse},
		{name: "error", in: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, want: KindResponse},
		{name: "error with null id", in: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, want: KindResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, err := Decode(Message(tc.in))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if want, got := tc.want, m.Type(); want != got {
				t.Fatalf("kind: want %s got %s", want, got)
			}
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":           `{`,
		"wrong version":      `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
		"method with result": `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`,
		"result and error":   `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`,
		"neither":            `{"jsonrpc":"2.0","id":1}`,
		"result without id":  `{"jsonrpc":"2.0","result":{}}`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(Message(in)); err == nil {
				t.Fatalf("want error for %s", in)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	var num, str RequestID
	if err := json.Unmarshal([]byte(`7`), &num); err != nil {
		t.Fatalf("number: %v", err)
	}
	if err := json.Unmarshal([]byte(`"7"`), &str); err != nil {
		t.Fatalf("string: %v", err)
	}
	if _, ok := num.Value().(int64); !ok {
		t.Fatalf("numeric ids decode to int64, got %T", num.Value())
	}
	if num.Equal(&str) {
		t.Fatalf("7 and \"7\" are distinct ids")
	}
	if !num.Equal(NewRequestID(7)) {
		t.Fatalf("NewRequestID(7) must equal decoded 7")
	}
	var nilID *RequestID
	if want, got := "", nilID.String(); want != got {
		t.Fatalf("nil id string: want %q got %q", want, got)
	}
	b, err := json.Marshal(nilID)
	if err != nil || string(b) != "null" {
		t.Fatalf("nil id encodes as null, got %s (%v)", b, err)
	}
}

func TestParseBatch(t *testing.T) {
	msgs, batch, err := ParseBatch([]byte(` {"jsonrpc":"2.0","id":1,"method":"ping"} `))
	if err != nil || batch || len(msgs) != 1 {
		t.Fatalf("single: msgs=%d batch=%v err=%v", len(msgs), batch, err)
	}

	msgs, batch, err = ParseBatch([]byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","method":"n"}]`))
	if err != nil || !batch {
		t.Fatalf("batch: batch=%v err=%v", batch, err)
	}
	if want, got := 2, len(msgs); want != got {
		t.Fatalf("batch size: want %d got %d", want, got)
	}
	if want, got := KindNotification, msgs[1].Type(); want != got {
		t.Fatalf("second kind: want %s got %s", want, got)
	}

	if _, _, err := ParseBatch([]byte(`[]`)); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("empty: want ErrEmptyBatch got %v", err)
	}
	if _, _, err := ParseBatch([]byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"1.0"}]`)); err == nil {
		t.Fatalf("invalid element must fail the batch")
	}
}

func TestErrorResponse(t *testing.T) {
	raw, err := Encode(NewErrorResponse(NewRequestID("r1"), ErrorCodeInvalidParams, "bad", map[string]string{"field": "x"}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Error == nil || m.Error.Code != ErrorCodeInvalidParams {
		t.Fatalf("error: %+v", m.Error)
	}
	var target *Error
	if !errors.As(error(m.Error), &target) {
		t.Fatalf("*Error must be an error")
	}
}
