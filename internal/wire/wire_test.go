package wire

import (
	"encoding/json"
	"testing"

	"github.com/race-share/share/internal/model"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Kind: KindPing,
		Ping: &Ping{Sender: "A", Receiver: "B", Request: 7, Date: 1000},
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Kind != KindPing || decoded.Ping == nil || decoded.Ping.Request != 7 {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestEnvelopeRejectsMultiKey(t *testing.T) {
	var decoded Envelope
	err := json.Unmarshal([]byte(`{"ping":{},"pong":{}}`), &decoded)
	if err == nil {
		t.Fatal("expected a malformed-message error for a two-key object")
	}
}

func TestEnvelopeRejectsUnknownKind(t *testing.T) {
	var decoded Envelope
	err := json.Unmarshal([]byte(`{"bogus":{}}`), &decoded)
	if err == nil {
		t.Fatal("expected a malformed-message error for an unrecognized key")
	}
}

func TestEncodeDecodeChangeRoundTrip(t *testing.T) {
	pairs := []model.CellPair{
		{RowID: "r1", Value: model.LongValue(5, 100)},
		{RowID: "r2", Value: model.LongValue(9, 50)},
	}
	cdc, err := EncodeChange("c1", "A", 100, pairs)
	if err != nil {
		t.Fatalf("EncodeChange: %v", err)
	}
	if cdc.ChangedValues["r1"].Date != nil {
		t.Fatal("expected r1's date to be omitted (matches batch date)")
	}
	if cdc.ChangedValues["r2"].Date == nil || *cdc.ChangedValues["r2"].Date != 50 {
		t.Fatal("expected r2's date to be set (differs from batch date)")
	}

	decoded := DecodeChange(cdc, func(rowID string) (model.CellType, bool) {
		return model.TypeLong, true
	})
	if len(decoded) != 2 {
		t.Fatalf("expected 2 decoded pairs, got %d", len(decoded))
	}
	byRow := map[string]model.CellValue{}
	for _, p := range decoded {
		byRow[p.RowID] = p.Value
	}
	if byRow["r1"].Date != 100 {
		t.Fatalf("expected r1 to inherit the batch date, got %d", byRow["r1"].Date)
	}
	if byRow["r2"].Date != 50 {
		t.Fatalf("expected r2 to keep its own date, got %d", byRow["r2"].Date)
	}
}
