package camera

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType はプロパティ値の型
type ValueType string

const (
	TypeBool   ValueType = "boolean"
	TypeInt    ValueType = "integer"
	TypeFloat  ValueType = "float"
	TypeEnum   ValueType = "enumerated"
	TypeString ValueType = "string"
	TypeButton ValueType = "button" // 値を持たない。Push でのみ操作する
)

// Value は型付きのプロパティ値
//
// Type に対応するフィールドだけが意味を持つ。
type Value struct {
	Type  ValueType
	Bool  bool
	Int   int64
	Float float64
	Str   string
}

// BoolValue は真偽値を作成する
func BoolValue(v bool) Value { return Value{Type: TypeBool, Bool: v} }

// IntValue は整数値を作成する
func IntValue(v int64) Value { return Value{Type: TypeInt, Int: v} }

// FloatValue は実数値を作成する
func FloatValue(v float64) Value { return Value{Type: TypeFloat, Float: v} }

// EnumValue は選択肢の値を作成する
func EnumValue(v string) Value { return Value{Type: TypeEnum, Str: v} }

// StringValue は文字列値を作成する
func StringValue(v string) Value { return Value{Type: TypeString, Str: v} }

// Any は値をGoの基本型で返す
func (v Value) Any() any {
	switch v.Type {
	case TypeBool:
		return v.Bool
	case TypeInt:
		return v.Int
	case TypeFloat:
		return v.Float
	case TypeEnum, TypeString:
		return v.Str
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeEnum, TypeString:
		return v.Str
	default:
		return ""
	}
}

type valueJSON struct {
	Type  ValueType `json:"type"`
	Value any       `json:"value,omitempty"`
}

// MarshalJSON は {"type": ..., "value": ...} 形式で出力する
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueJSON{Type: v.Type, Value: v.Any()})
}

// UnmarshalJSON は {"type": ..., "value": ...} 形式を読み込む
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type  ValueType       `json:"type"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var decoded any
	if len(raw.Value) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw.Value))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return err
		}
	}

	parsed, err := ValueFromAny(raw.Type, decoded)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueFromAny はJSONなどから得た値を指定型の Value に変換する
//
// 整数型には小数部のない実数を、実数型には整数を受け付ける。
func ValueFromAny(t ValueType, raw any) (Value, error) {
	switch t {
	case TypeBool:
		b, ok := raw.(bool)
		if !ok {
			return Value{}, fmt.Errorf("%w: %T を boolean に変換できません", ErrTypeMismatch, raw)
		}
		return BoolValue(b), nil

	case TypeInt:
		f, ok := toFloat(raw)
		if n, isNum := raw.(json.Number); isNum {
			if i, err := n.Int64(); err == nil {
				return IntValue(i), nil
			}
		}
		switch n := raw.(type) {
		case int:
			return IntValue(int64(n)), nil
		case int64:
			return IntValue(n), nil
		}
		if !ok {
			return Value{}, fmt.Errorf("%w: %v を integer に変換できません", ErrTypeMismatch, raw)
		}
		i, err := floatToInt(f)
		if err != nil {
			return Value{}, err
		}
		return IntValue(i), nil

	case TypeFloat:
		f, ok := toFloat(raw)
		if !ok {
			return Value{}, fmt.Errorf("%w: %v を float に変換できません", ErrTypeMismatch, raw)
		}
		return FloatValue(f), nil

	case TypeEnum, TypeString:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("%w: %T を %s に変換できません", ErrTypeMismatch, raw, t)
		}
		return Value{Type: t, Str: s}, nil

	case TypeButton:
		return Value{Type: TypeButton}, nil

	default:
		return Value{}, fmt.Errorf("%w: 不明な型 %q", ErrTypeMismatch, t)
	}
}

// toFloat は数値を float64 に変換する
func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// int64 で表せる実数の範囲 [-2^63, 2^63)
const (
	minInt64Float = -9223372036854775808.0
	maxInt64Float = 9223372036854775808.0
)

// floatToInt は小数部のない実数を int64 に変換する
func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %g を integer に変換できません", ErrTypeMismatch, f)
	}
	if f < minInt64Float || f >= maxInt64Float {
		return 0, fmt.Errorf("%w: %g は int64 の範囲外", ErrOutOfRange, f)
	}
	return int64(f), nil
}

// coerce は値をプロパティの型に合わせる
func coerce(t ValueType, v Value) (Value, error) {
	switch t {
	case TypeInt:
		switch v.Type {
		case TypeInt:
			return v, nil
		case TypeFloat:
			i, err := floatToInt(v.Float)
			if err != nil {
				return Value{}, err
			}
			return IntValue(i), nil
		}
	case TypeFloat:
		switch v.Type {
		case TypeFloat:
			return v, nil
		case TypeInt:
			return FloatValue(float64(v.Int)), nil
		}
	case TypeBool:
		if v.Type == TypeBool {
			return v, nil
		}
	case TypeEnum, TypeString:
		if v.Type == TypeEnum || v.Type == TypeString {
			return Value{Type: t, Str: v.Str}, nil
		}
	}
	return Value{}, fmt.Errorf("%w: %s の値を %s プロパティに設定できません", ErrTypeMismatch, v.Type, t)
}
