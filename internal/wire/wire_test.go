package wire

import (
	"bytes"
	"errors"
	"testing"
)

// appendVarint はbase-128 varintをbufに追記するテスト用エンコーダー。
func appendVarint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// appendTag はフィールド番号とワイヤタイプからタグvarintを追記する。
func appendTag(buf []byte, fieldNum, wireType int) []byte {
	return appendVarint(buf, uint64(fieldNum)<<3|uint64(wireType))
}

// appendVarintField はvarintフィールド1つをエンコードして追記する。
func appendVarintField(buf []byte, fieldNum int, v uint64) []byte {
	buf = appendTag(buf, fieldNum, WireVarint)
	return appendVarint(buf, v)
}

// appendBytesField は長さ接頭辞付きバイト列フィールドをエンコードして追記する。
func appendBytesField(buf []byte, fieldNum int, b []byte) []byte {
	buf = appendTag(buf, fieldNum, WireBytes)
	buf = appendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// appendStringField は文字列フィールドをエンコードして追記する。
func appendStringField(buf []byte, fieldNum int, s string) []byte {
	return appendBytesField(buf, fieldNum, []byte(s))
}

func TestDecodeVarint(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		pos     int
		want    uint64
		wantPos int
	}{
		{"1バイト・ゼロ", []byte{0x00}, 0, 0, 1},
		{"1バイト・最大", []byte{0x7f}, 0, 127, 1},
		{"2バイト", []byte{0xac, 0x02}, 0, 300, 2},
		{"オフセット付き", []byte{0xff, 0xff, 0x08}, 2, 8, 3},
		{"後続データあり", []byte{0x01, 0x02, 0x03}, 0, 1, 1},
		{"64bit最大値", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}, 0, ^uint64(0), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, gotPos, err := DecodeVarint(tt.buf, tt.pos)
			if err != nil {
				t.Fatalf("DecodeVarint がエラーを返した: %v", err)
			}
			if got != tt.want {
				t.Errorf("値 = %d, want %d", got, tt.want)
			}
			if gotPos != tt.wantPos {
				t.Errorf("次の位置 = %d, want %d", gotPos, tt.wantPos)
			}
		})
	}
}

func TestDecodeVarint_Truncated(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		pos  int
	}{
		{"空バッファ", []byte{}, 0},
		{"継続ビットで終端", []byte{0x80}, 0},
		{"複数バイト途中で終端", []byte{0xff, 0xff, 0x80}, 0},
		{"位置がバッファ末尾", []byte{0x01}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeVarint(tt.buf, tt.pos)
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("ErrTruncated を期待したが得られたのは: %v", err)
			}
		})
	}
}

func TestDecodeVarint_TooLong(t *testing.T) {
	// 11バイト全てに継続ビットが立っている不正なvarint
	buf := bytes.Repeat([]byte{0x80}, 11)
	_, _, err := DecodeVarint(buf, 0)
	if err == nil {
		t.Fatal("10バイト超のvarintはエラーになるべき")
	}
	if errors.Is(err, ErrTruncated) {
		t.Errorf("長さ超過はErrTruncatedではない別のエラーであるべき: %v", err)
	}
}

func TestParseField_Varint(t *testing.T) {
	buf := appendVarintField(nil, 3, 150)

	fieldNum, field, pos, err := ParseField(buf, 0)
	if err != nil {
		t.Fatalf("ParseField がエラーを返した: %v", err)
	}
	if fieldNum != 3 {
		t.Errorf("フィールド番号 = %d, want 3", fieldNum)
	}
	if field.WireType != WireVarint {
		t.Errorf("WireType = %d, want %d", field.WireType, WireVarint)
	}
	if field.Value != 150 {
		t.Errorf("Value = %d, want 150", field.Value)
	}
	if pos != len(buf) {
		t.Errorf("次の位置 = %d, want %d", pos, len(buf))
	}
}

func TestParseField_Fixed64(t *testing.T) {
	// リトルエンディアンで 0x0102030405060708
	buf := appendTag(nil, 2, WireFixed64)
	buf = append(buf, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01)

	fieldNum, field, pos, err := ParseField(buf, 0)
	if err != nil {
		t.Fatalf("ParseField がエラーを返した: %v", err)
	}
	if fieldNum != 2 {
		t.Errorf("フィールド番号 = %d, want 2", fieldNum)
	}
	if field.WireType != WireFixed64 {
		t.Errorf("WireType = %d, want %d", field.WireType, WireFixed64)
	}
	if field.Value != 0x0102030405060708 {
		t.Errorf("Value = %#x, want 0x0102030405060708", field.Value)
	}
	if pos != len(buf) {
		t.Errorf("次の位置 = %d, want %d", pos, len(buf))
	}
}

func TestParseField_Fixed32(t *testing.T) {
	// リトルエンディアンで 0x01020304
	buf := appendTag(nil, 7, WireFixed32)
	buf = append(buf, 0x04, 0x03, 0x02, 0x01)

	fieldNum, field, _, err := ParseField(buf, 0)
	if err != nil {
		t.Fatalf("ParseField がエラーを返した: %v", err)
	}
	if fieldNum != 7 {
		t.Errorf("フィールド番号 = %d, want 7", fieldNum)
	}
	if field.Value != 0x01020304 {
		t.Errorf("Value = %#x, want 0x01020304", field.Value)
	}
}

func TestParseField_Bytes(t *testing.T) {
	buf := appendStringField(nil, 1, "trip-42")

	fieldNum, field, pos, err := ParseField(buf, 0)
	if err != nil {
		t.Fatalf("ParseField がエラーを返した: %v", err)
	}
	if fieldNum != 1 {
		t.Errorf("フィールド番号 = %d, want 1", fieldNum)
	}
	if field.WireType != WireBytes {
		t.Errorf("WireType = %d, want %d", field.WireType, WireBytes)
	}
	if string(field.Bytes) != "trip-42" {
		t.Errorf("Bytes = %q, want %q", field.Bytes, "trip-42")
	}
	if pos != len(buf) {
		t.Errorf("次の位置 = %d, want %d", pos, len(buf))
	}
}

func TestParseField_EmptyBytes(t *testing.T) {
	buf := appendBytesField(nil, 4, nil)

	_, field, pos, err := ParseField(buf, 0)
	if err != nil {
		t.Fatalf("ParseField がエラーを返した: %v", err)
	}
	if len(field.Bytes) != 0 {
		t.Errorf("空バイト列フィールドのBytes長 = %d, want 0", len(field.Bytes))
	}
	if pos != len(buf) {
		t.Errorf("次の位置 = %d, want %d", pos, len(buf))
	}
}

func TestParseField_FieldNumberZero(t *testing.T) {
	// タグ0x00 はフィールド番号0・ワイヤタイプ0
	buf := []byte{0x00, 0x01}
	_, _, _, err := ParseField(buf, 0)
	if err == nil {
		t.Fatal("フィールド番号0はエラーになるべき")
	}
}

func TestParseField_InvalidWireType(t *testing.T) {
	// 廃止されたグループ型（ワイヤタイプ3・4）はサポートしない
	for _, wt := range []int{3, 4} {
		buf := appendTag(nil, 1, wt)
		_, _, _, err := ParseField(buf, 0)
		if !errors.Is(err, ErrInvalidWireType) {
			t.Errorf("ワイヤタイプ%d: ErrInvalidWireType を期待したが得られたのは: %v", wt, err)
		}
	}
}

func TestParseField_Truncated(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"fixed64の途中切断", append(appendTag(nil, 1, WireFixed64), 0x01, 0x02)},
		{"fixed32の途中切断", append(appendTag(nil, 1, WireFixed32), 0x01)},
		{"bytes長がバッファを超過", append(appendTag(nil, 1, WireBytes), 0x05, 0xaa)},
		{"varint値の途中切断", append(appendTag(nil, 1, WireVarint), 0x80)},
		{"bytes長varintの途中切断", append(appendTag(nil, 1, WireBytes), 0x80)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := ParseField(tt.buf, 0)
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("ErrTruncated を期待したが得られたのは: %v", err)
			}
		})
	}
}

func TestParseMessage(t *testing.T) {
	buf := appendVarintField(nil, 1, 7)
	buf = appendStringField(buf, 2, "first")
	buf = appendStringField(buf, 2, "second")
	buf = appendVarintField(buf, 99, 1) // 未知のフィールド番号

	msg, err := ParseMessage(buf)
	if err != nil {
		t.Fatalf("ParseMessage がエラーを返した: %v", err)
	}

	if v, ok := msg.Uint(1); !ok || v != 7 {
		t.Errorf("Uint(1) = (%d, %v), want (7, true)", v, ok)
	}

	// 繰り返しフィールドは出現順に全て保持される
	got := msg.Strings(2)
	want := []string{"first", "second"}
	if len(got) != len(want) {
		t.Fatalf("Strings(2) の要素数 = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Strings(2)[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// 未知のフィールド番号も破棄されない
	if v, ok := msg.Uint(99); !ok || v != 1 {
		t.Errorf("未知フィールド99: Uint = (%d, %v), want (1, true)", v, ok)
	}
}

func TestParseMessage_Empty(t *testing.T) {
	msg, err := ParseMessage(nil)
	if err != nil {
		t.Fatalf("空バッファでエラーを返した: %v", err)
	}
	if msg == nil {
		t.Fatal("空バッファでも非nilのMessageを返すべき")
	}
	if len(msg) != 0 {
		t.Errorf("空バッファのフィールド数 = %d, want 0", len(msg))
	}
}

func TestParseMessage_PropagatesError(t *testing.T) {
	// 正常なフィールドの後に切断されたフィールドが続く
	buf := appendVarintField(nil, 1, 5)
	buf = append(buf, appendTag(nil, 2, WireBytes)...)
	buf = append(buf, 0x10) // 長さ16を宣言するがペイロードがない

	msg, err := ParseMessage(buf)
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("ErrTruncated を期待したが得られたのは: %v", err)
	}
	if msg != nil {
		t.Error("エラー時は部分的な結果を返すべきではない")
	}
}

func TestMessage_Uint_Missing(t *testing.T) {
	msg := Message{}
	if _, ok := msg.Uint(1); ok {
		t.Error("存在しないフィールドでUintはfalseを返すべき")
	}
}

func TestMessage_Uint_SkipsNonVarint(t *testing.T) {
	buf := appendStringField(nil, 1, "not-a-varint")
	msg, err := ParseMessage(buf)
	if err != nil {
		t.Fatalf("ParseMessage がエラーを返した: %v", err)
	}
	if _, ok := msg.Uint(1); ok {
		t.Error("bytesフィールドしかない場合、Uintはfalseを返すべき")
	}
}

func TestMessage_String(t *testing.T) {
	buf := appendStringField(nil, 3, "alpha")
	buf = appendStringField(buf, 3, "beta")
	msg, err := ParseMessage(buf)
	if err != nil {
		t.Fatalf("ParseMessage がエラーを返した: %v", err)
	}

	// 複数ある場合は最初の値を返す
	if got := msg.String(3); got != "alpha" {
		t.Errorf("String(3) = %q, want %q", got, "alpha")
	}
	if got := msg.String(4); got != "" {
		t.Errorf("存在しないフィールドのString = %q, want 空文字列", got)
	}
}

func TestMessage_ByteFields(t *testing.T) {
	sub1 := appendVarintField(nil, 1, 10)
	sub2 := appendVarintField(nil, 1, 20)
	buf := appendBytesField(nil, 5, sub1)
	buf = appendBytesField(buf, 5, sub2)

	msg, err := ParseMessage(buf)
	if err != nil {
		t.Fatalf("ParseMessage がエラーを返した: %v", err)
	}

	raws := msg.ByteFields(5)
	if len(raws) != 2 {
		t.Fatalf("ByteFields(5) の要素数 = %d, want 2", len(raws))
	}
	if !bytes.Equal(raws[0], sub1) || !bytes.Equal(raws[1], sub2) {
		t.Error("ByteFields はサブメッセージを出現順にそのまま返すべき")
	}

	if got := msg.ByteFields(6); got != nil {
		t.Errorf("存在しないフィールドのByteFields = %v, want nil", got)
	}
}
