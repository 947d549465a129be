// Package wire はGTFS-RTバイナリペイロードのデコード機能を提供する。
//
// 標準エンティティ（車両位置・運行予測・アラート）はスキーマ生成された
// バインディングでデコードするが、実験的なトリップ変更拡張には利用可能な
// スキーマコンパイラが存在しないため、タグ/ワイヤタイプを直接解釈する
// 汎用ウォーカーとその上の型付きデコーダーを手書きで実装する。
//
// デコードは全域的かつ副作用なし: 同一バイト列には常に同一構造を返し、
// 不正・途中切断されたバッファは部分的な結果ではなくエラーを返す。
package wire

import (
	"errors"
	"fmt"
)

// ワイヤタイプ。タグvarintの下位3ビットで表現される。
const (
	// WireVarint はbase-128可変長整数。
	WireVarint = 0
	// WireFixed64 は8バイト固定長。
	WireFixed64 = 1
	// WireBytes は長さ接頭辞付きバイト列。
	WireBytes = 2
	// WireFixed32 は4バイト固定長。
	WireFixed32 = 5
)

// ErrTruncated はバッファが途中で切断されている場合のデコードエラー。
var ErrTruncated = errors.New("wire: バッファが途中で切断されています")

// ErrInvalidWireType はサポート外のワイヤタイプに遭遇した場合のデコードエラー。
var ErrInvalidWireType = errors.New("wire: 不正なワイヤタイプです")

// maxVarintBytes は64bit varintの最大バイト数。
const maxVarintBytes = 10

// RawField は1つのエンコード済みフィールドの生の値を表す。
// ワイヤタイプがWireBytesの場合はBytesに、それ以外はValueに値が入る。
type RawField struct {
	WireType int
	Value    uint64
	Bytes    []byte
}

// Message はフィールド番号から生フィールドのリストへのマップ。
// 未知のフィールド番号も破棄せず保持するため、将来のプロトコル拡張に対して
// 前方互換となる。
type Message map[int][]RawField

// DecodeVarint はbufのposからbase-128 varintを読み取り、値と次の位置を返す。
// 継続ビットが終端する前にバッファが尽きた場合はErrTruncatedを返す。
func DecodeVarint(buf []byte, pos int) (uint64, int, error) {
	var value uint64
	var shift uint
	for i := 0; i < maxVarintBytes; i++ {
		if pos >= len(buf) {
			return 0, 0, fmt.Errorf("varint (offset %d): %w", pos, ErrTruncated)
		}
		b := buf[pos]
		pos++
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, pos, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("varintが%dバイトを超えています (offset %d)", maxVarintBytes, pos)
}

// ParseField はbufのposから1フィールドを読み取る。
// タグvarintをフィールド番号（>>3）とワイヤタイプ（&0x7）に分解し、
// ワイヤタイプに応じてペイロードを読み取る。
// サポート外のワイヤタイプはErrInvalidWireTypeを返す。
func ParseField(buf []byte, pos int) (int, RawField, int, error) {
	tag, pos, err := DecodeVarint(buf, pos)
	if err != nil {
		return 0, RawField{}, 0, err
	}
	fieldNum := int(tag >> 3)
	wireType := int(tag & 0x7)
	if fieldNum == 0 {
		return 0, RawField{}, 0, fmt.Errorf("フィールド番号0は不正です (offset %d)", pos)
	}

	field := RawField{WireType: wireType}
	switch wireType {
	case WireVarint:
		field.Value, pos, err = DecodeVarint(buf, pos)
		if err != nil {
			return 0, RawField{}, 0, err
		}

	case WireFixed64:
		if pos+8 > len(buf) {
			return 0, RawField{}, 0, fmt.Errorf("fixed64 (offset %d): %w", pos, ErrTruncated)
		}
		for i := 7; i >= 0; i-- {
			field.Value = field.Value<<8 | uint64(buf[pos+i])
		}
		pos += 8

	case WireBytes:
		var length uint64
		length, pos, err = DecodeVarint(buf, pos)
		if err != nil {
			return 0, RawField{}, 0, err
		}
		if length > uint64(len(buf)-pos) {
			return 0, RawField{}, 0, fmt.Errorf("bytes長%d (offset %d): %w", length, pos, ErrTruncated)
		}
		field.Bytes = buf[pos : pos+int(length)]
		pos += int(length)

	case WireFixed32:
		if pos+4 > len(buf) {
			return 0, RawField{}, 0, fmt.Errorf("fixed32 (offset %d): %w", pos, ErrTruncated)
		}
		for i := 3; i >= 0; i-- {
			field.Value = field.Value<<8 | uint64(buf[pos+i])
		}
		pos += 4

	default:
		return 0, RawField{}, 0, fmt.Errorf("ワイヤタイプ%d (offset %d): %w", wireType, pos, ErrInvalidWireType)
	}

	return fieldNum, field, pos, nil
}

// ParseMessage はバッファが尽きるまでParseFieldを繰り返し適用し、
// フィールド番号ごとの生フィールドマップを返す。
// 未知のフィールド番号もマップに保持される。
func ParseMessage(buf []byte) (Message, error) {
	msg := Message{}
	pos := 0
	for pos < len(buf) {
		fieldNum, field, newPos, err := ParseField(buf, pos)
		if err != nil {
			return nil, err
		}
		msg[fieldNum] = append(msg[fieldNum], field)
		pos = newPos
	}
	return msg, nil
}

// Uint は指定フィールドの最初のvarint値を返す。存在しない場合はfalseを返す。
func (m Message) Uint(fieldNum int) (uint64, bool) {
	for _, f := range m[fieldNum] {
		if f.WireType == WireVarint {
			return f.Value, true
		}
	}
	return 0, false
}

// String は指定フィールドの最初の文字列値を返す。存在しない場合は空文字列を返す。
func (m Message) String(fieldNum int) string {
	for _, f := range m[fieldNum] {
		if f.WireType == WireBytes {
			return string(f.Bytes)
		}
	}
	return ""
}

// Strings は指定フィールドの全文字列値を出現順に返す。
func (m Message) Strings(fieldNum int) []string {
	var out []string
	for _, f := range m[fieldNum] {
		if f.WireType == WireBytes {
			out = append(out, string(f.Bytes))
		}
	}
	return out
}

// ByteFields は指定フィールドの全バイト列値（サブメッセージ）を出現順に返す。
func (m Message) ByteFields(fieldNum int) [][]byte {
	var out [][]byte
	for _, f := range m[fieldNum] {
		if f.WireType == WireBytes {
			out = append(out, f.Bytes)
		}
	}
	return out
}
