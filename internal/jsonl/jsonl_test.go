package jsonl

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

func mustParse(t *testing.T, line string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		t.Fatalf("output is not valid JSON: %v\nline: %s", err, line)
	}
	return v
}

func TestSanitize_NonFiniteFloats(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"NaN", math.NaN()},
		{"PosInf", math.Inf(1)},
		{"NegInf", math.Inf(-1)},
		{"Float32NaN", float32(math.NaN())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != nil {
				t.Errorf("Sanitize(%v) = %v, want nil", tt.in, got)
			}
		})
	}
}

func TestSanitize_NestedNonFinite(t *testing.T) {
	in := map[string]any{
		"snr":    math.NaN(),
		"levels": []any{1.5, math.Inf(1), 2.0},
	}
	line := Line(in)
	parsed := mustParse(t, line).(map[string]any)

	if parsed["snr"] != nil {
		t.Errorf("snr = %v, want null", parsed["snr"])
	}
	levels := parsed["levels"].([]any)
	if levels[1] != nil {
		t.Errorf("levels[1] = %v, want null", levels[1])
	}
	if levels[0] != 1.5 || levels[2] != 2.0 {
		t.Errorf("finite values altered: %v", levels)
	}
}

func TestSanitize_BytesToHex(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"Empty", nil, ""},
		{"Single", []byte{0xAB}, "ab"},
		{"Multi", []byte{0xDE, 0xAD, 0xBE, 0xEF}, "deadbeef"},
		{"Text", []byte("hi"), "6869"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Sanitize(tt.in).(string)
			if !ok || got != tt.want {
				t.Errorf("Sanitize(%v) = %v, want %q", tt.in, Sanitize(tt.in), tt.want)
			}
			if len(got) != 2*len(tt.in) {
				t.Errorf("hex length = %d, want %d", len(got), 2*len(tt.in))
			}
			if got != strings.ToLower(got) {
				t.Errorf("hex is not lowercase: %q", got)
			}
		})
	}
}

func TestSanitize_ProtoMessage(t *testing.T) {
	pkt := &meshtastic.MeshPacket{
		Channel: 2,
		RxRssi:  -80,
	}

	got, ok := Sanitize(pkt).(map[string]any)
	if !ok {
		t.Fatalf("Sanitize(proto) = %T, want map", Sanitize(pkt))
	}
	if ch, _ := got["channel"].(float64); ch != 2 {
		t.Errorf("channel = %v, want 2", got["channel"])
	}
	// UseProtoNames keeps the snake_case proto field names.
	if rssi, _ := got["rx_rssi"].(float64); rssi != -80 {
		t.Errorf("rx_rssi = %v, want -80", got["rx_rssi"])
	}
}

func TestSanitize_NilProtoPointer(t *testing.T) {
	var pkt *meshtastic.MeshPacket
	if got := Sanitize(pkt); got != nil {
		t.Errorf("Sanitize(nil proto) = %v, want nil", got)
	}
}

func TestSanitize_MapKeysCoerced(t *testing.T) {
	in := map[int]string{3: "three"}
	got, ok := Sanitize(in).(map[string]any)
	if !ok {
		t.Fatalf("Sanitize(map[int]) = %T, want map[string]any", Sanitize(in))
	}
	if got["3"] != "three" {
		t.Errorf("got %v, want key \"3\"", got)
	}
}

func TestSanitize_Struct(t *testing.T) {
	type inner struct {
		Payload []byte `json:"payload"`
	}
	type outer struct {
		Name    string `json:"name"`
		Skipped string `json:"-"`
		Inner   inner  `json:"inner"`
	}

	got, ok := Sanitize(outer{Name: "x", Skipped: "no", Inner: inner{Payload: []byte{0xFF}}}).(map[string]any)
	if !ok {
		t.Fatalf("Sanitize(struct) did not produce a map")
	}
	if got["name"] != "x" {
		t.Errorf("name = %v", got["name"])
	}
	if _, present := got["-"]; present {
		t.Error("json:\"-\" field was not skipped")
	}
	if _, present := got["Skipped"]; present {
		t.Error("json:\"-\" field leaked under its Go name")
	}
	innerMap := got["inner"].(map[string]any)
	if innerMap["payload"] != "ff" {
		t.Errorf("nested payload = %v, want \"ff\"", innerMap["payload"])
	}
}

func TestSanitize_UnrepresentableFallsBackToString(t *testing.T) {
	ch := make(chan int)
	if _, ok := Sanitize(ch).(string); !ok {
		t.Errorf("Sanitize(chan) = %T, want string fallback", Sanitize(ch))
	}
}

func TestLine_AlwaysValidJSON(t *testing.T) {
	type weird struct {
		C chan int
		F func()
	}
	inputs := []any{
		nil,
		math.NaN(),
		map[string]any{"a": []any{math.Inf(-1), []byte{1, 2}}},
		make(chan int),
		weird{},
		map[any]any{1: "one", true: "yes"},
		&meshtastic.MeshPacket{Channel: 1},
	}
	for _, in := range inputs {
		line := Line(in)
		mustParse(t, line)
		if strings.ContainsRune(line, '\n') {
			t.Errorf("Line produced embedded newline: %q", line)
		}
	}
}

func TestLine_Scalars(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{true, "true"},
		{42, "42"},
		{"hi", `"hi"`},
		{nil, "null"},
		{1.25, "1.25"},
	}
	for _, tt := range tests {
		if got := Line(tt.in); got != tt.want {
			t.Errorf("Line(%v) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
