package wire

import (
	"encoding/json"
	"fmt"

	"github.com/race-share/share/internal/model"
)

// EncodeCellValue renders a CellValue's payload as the raw JSON value its
// cellType calls for (spec.md §6): a number, boolean, string, or array of
// numbers.
func EncodeCellValue(v model.CellValue) (json.RawMessage, error) {
	switch v.Type {
	case model.TypeLong:
		return json.Marshal(v.Long)
	case model.TypeDouble:
		return json.Marshal(v.Double)
	case model.TypeBoolean:
		b, _ := v.AsBool()
		return json.Marshal(b)
	case model.TypeString:
		return json.Marshal(v.Str)
	case model.TypeLongList:
		return json.Marshal(v.LongList)
	case model.TypeDoubleList:
		return json.Marshal(v.DoubleList)
	default:
		return nil, fmt.Errorf("wire: cannot encode cell of type %s", v.Type)
	}
}

// DecodeCellValue parses raw into a CellValue of the given declared type
// (the row's schema type drives decoding; the wire payload itself carries
// no type tag, spec.md §6).
func DecodeCellValue(raw json.RawMessage, cellType model.CellType, date int64) (model.CellValue, error) {
	switch cellType {
	case model.TypeLong:
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return model.CellValue{}, fmt.Errorf("wire: decoding Long cell: %w", err)
		}
		return model.LongValue(n, date), nil
	case model.TypeDouble:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return model.CellValue{}, fmt.Errorf("wire: decoding Double cell: %w", err)
		}
		return model.DoubleValue(f, date), nil
	case model.TypeBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return model.CellValue{}, fmt.Errorf("wire: decoding Boolean cell: %w", err)
		}
		return model.BoolValue(b, date), nil
	case model.TypeString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return model.CellValue{}, fmt.Errorf("wire: decoding String cell: %w", err)
		}
		return model.StringValue(s, date), nil
	case model.TypeLongList:
		var l []int64
		if err := json.Unmarshal(raw, &l); err != nil {
			return model.CellValue{}, fmt.Errorf("wire: decoding LongList cell: %w", err)
		}
		return model.LongListValue(l, date), nil
	case model.TypeDoubleList:
		var l []float64
		if err := json.Unmarshal(raw, &l); err != nil {
			return model.CellValue{}, fmt.Errorf("wire: decoding DoubleList cell: %w", err)
		}
		return model.DoubleListValue(l, date), nil
	default:
		return model.CellValue{}, fmt.Errorf("wire: unknown cell type %s", cellType)
	}
}

// EncodeChange builds a ColumnDataChange envelope from a CDC batch.
// Per-pair dates equal to the batch date are omitted (spec.md §6: "Per-pair
// date omitted ⇒ inherits the change's date.").
func EncodeChange(columnID, changeNodeID string, date int64, pairs []model.CellPair) (*ColumnDataChange, error) {
	cdc := &ColumnDataChange{
		ColumnID:      columnID,
		ChangeNodeID:  changeNodeID,
		Date:          date,
		ChangedValues: make(map[string]CellWire, len(pairs)),
	}
	for _, p := range pairs {
		raw, err := EncodeCellValue(p.Value)
		if err != nil {
			return nil, err
		}
		cw := CellWire{Value: raw}
		if p.Value.Date != date {
			d := p.Value.Date
			cw.Date = &d
		}
		cdc.ChangedValues[p.RowID] = cw
	}
	return cdc, nil
}

// DecodeChange converts a ColumnDataChange into CellPairs, resolving each
// row's declared cellType via typeOf (typically Node.Row). A row that
// typeOf can't resolve is skipped — the caller's admission path (engine's
// unknown-row check) re-derives the same outcome, but decoding must not
// fail the whole batch for one bad row (spec.md §7: "log + drop that
// pair").
func DecodeChange(cdc *ColumnDataChange, typeOf func(rowID string) (model.CellType, bool)) []model.CellPair {
	pairs := make([]model.CellPair, 0, len(cdc.ChangedValues))
	for rowID, cw := range cdc.ChangedValues {
		cellType, ok := typeOf(rowID)
		if !ok {
			continue
		}
		date := cdc.Date
		if cw.Date != nil {
			date = *cw.Date
		}
		v, err := DecodeCellValue(cw.Value, cellType, date)
		if err != nil {
			continue
		}
		pairs = append(pairs, model.CellPair{RowID: rowID, Value: v})
	}
	return pairs
}
