package model

import "fmt"

// CellType enumerates the admissible cell value types (spec.md §3, Row[T]).
type CellType int

const (
	// TypeUnknown is the zero value; never a valid stored cell type.
	TypeUnknown CellType = iota
	TypeLong
	TypeDouble
	TypeBoolean
	TypeString
	TypeLongList
	TypeDoubleList
)

// String implements fmt.Stringer for log lines and wire diagnostics.
func (t CellType) String() string {
	switch t {
	case TypeLong:
		return "Long"
	case TypeDouble:
		return "Double"
	case TypeBoolean:
		return "Boolean"
	case TypeString:
		return "String"
	case TypeLongList:
		return "LongList"
	case TypeDoubleList:
		return "DoubleList"
	default:
		return "Unknown"
	}
}

// CellValue is an immutable, timestamped, typed value (spec.md §3). A new
// write always produces a new CellValue rather than mutating one in place.
type CellValue struct {
	Type CellType
	// Long holds the value for TypeLong and TypeBoolean (0/1).
	Long int64
	// Double holds the value for TypeDouble.
	Double float64
	// Str holds the value for TypeString.
	Str string
	// LongList holds the value for TypeLongList.
	LongList []int64
	// DoubleList holds the value for TypeDoubleList.
	DoubleList []float64
	// Date is the write's epoch-millisecond timestamp. Ordering between two
	// CellValues for the same cell is by Date, strict less-than (spec.md §3).
	Date int64
}

// LongValue constructs a Long CellValue.
func LongValue(v, date int64) CellValue { return CellValue{Type: TypeLong, Long: v, Date: date} }

// DoubleValue constructs a Double CellValue.
func DoubleValue(v float64, date int64) CellValue {
	return CellValue{Type: TypeDouble, Double: v, Date: date}
}

// BoolValue constructs a Boolean CellValue.
func BoolValue(v bool, date int64) CellValue {
	var l int64
	if v {
		l = 1
	}
	return CellValue{Type: TypeBoolean, Long: l, Date: date}
}

// StringValue constructs a String CellValue.
func StringValue(v string, date int64) CellValue {
	return CellValue{Type: TypeString, Str: v, Date: date}
}

// LongListValue constructs a LongList CellValue.
func LongListValue(v []int64, date int64) CellValue {
	return CellValue{Type: TypeLongList, LongList: v, Date: date}
}

// DoubleListValue constructs a DoubleList CellValue.
func DoubleListValue(v []float64, date int64) CellValue {
	return CellValue{Type: TypeDoubleList, DoubleList: v, Date: date}
}

// AsLong returns the value as int64 if Type is TypeLong or TypeBoolean.
func (c CellValue) AsLong() (int64, bool) {
	if c.Type == TypeLong || c.Type == TypeBoolean {
		return c.Long, true
	}
	return 0, false
}

// AsDouble returns the value as float64 if Type is TypeDouble.
func (c CellValue) AsDouble() (float64, bool) {
	if c.Type != TypeDouble {
		return 0, false
	}
	return c.Double, true
}

// AsBool returns the value as bool if Type is TypeBoolean.
func (c CellValue) AsBool() (bool, bool) {
	if c.Type != TypeBoolean {
		return false, false
	}
	return c.Long != 0, true
}

// AsString returns the value as string if Type is TypeString.
func (c CellValue) AsString() (string, bool) {
	if c.Type != TypeString {
		return "", false
	}
	return c.Str, true
}

// Equal reports whether two CellValues carry the same type, value, and date.
func (c CellValue) Equal(o CellValue) bool {
	if c.Type != o.Type || c.Date != o.Date {
		return false
	}
	switch c.Type {
	case TypeLong, TypeBoolean:
		return c.Long == o.Long
	case TypeDouble:
		return c.Double == o.Double
	case TypeString:
		return c.Str == o.Str
	case TypeLongList:
		return int64SliceEqual(c.LongList, o.LongList)
	case TypeDoubleList:
		return float64SliceEqual(c.DoubleList, o.DoubleList)
	default:
		return true
	}
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func float64SliceEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer for debug/log output.
func (c CellValue) String() string {
	switch c.Type {
	case TypeLong:
		return fmt.Sprintf("Long(%d)@%d", c.Long, c.Date)
	case TypeBoolean:
		return fmt.Sprintf("Boolean(%t)@%d", c.Long != 0, c.Date)
	case TypeDouble:
		return fmt.Sprintf("Double(%g)@%d", c.Double, c.Date)
	case TypeString:
		return fmt.Sprintf("String(%q)@%d", c.Str, c.Date)
	case TypeLongList:
		return fmt.Sprintf("LongList(%v)@%d", c.LongList, c.Date)
	case TypeDoubleList:
		return fmt.Sprintf("DoubleList(%v)@%d", c.DoubleList, c.Date)
	default:
		return "Unknown"
	}
}
