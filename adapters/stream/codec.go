package stream

import (
	"encoding/base64"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrPointerType = errors.New("pointer type is not allowed")
	ErrClosed      = errors.New("stream worker is closed")
)

// entryField 是 stream entry 中存放編碼後內容的欄位名稱
const entryField = "payload"

// EncodeValues 把 struct 編碼成可以寫入 stream 的欄位集合
// 先以 msgpack 序列化再做 base64，避免二進位內容在 redis 欄位中出問題
func EncodeValues[T any](data T) (map[string]any, error) {
	if reflect.TypeOf(data).Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	raw, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}

	return map[string]any{
		entryField: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// DecodeValues 把 stream entry 的欄位集合還原成 struct
func DecodeValues[T any](values map[string]any) (T, error) {
	var result T
	if reflect.TypeOf(result).Kind() == reflect.Ptr {
		return result, ErrPointerType
	}
	if len(values) == 0 {
		return result, nil
	}

	encoded, ok := values[entryField].(string)
	if !ok {
		return result, fmt.Errorf("field %q not found or invalid type", entryField)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return result, fmt.Errorf("base64 decode error: %w", err)
	}
	if err := msgpack.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}
