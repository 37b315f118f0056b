package bencode

import (
	"crypto/sha256"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Serialize a value to its canonical bencode encoding.
func Serialize(v interface{}) ([]byte, error) {
	e := &encoder{}
	if err := e.value(reflect.ValueOf(v)); err != nil {
		return nil, err
	}
	return e.buf, nil
}

// Digest returns the SHA-256 of the canonical encoding of v.
func Digest(v interface{}) ([32]byte, error) {
	b, err := Serialize(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) bytes(b []byte) {
	e.buf = strconv.AppendInt(e.buf, int64(len(b)), 10)
	e.buf = append(e.buf, bytesLengthSep)
	e.buf = append(e.buf, b...)
}

func (e *encoder) int(n int64) {
	e.buf = append(e.buf, numberStart)
	e.buf = strconv.AppendInt(e.buf, n, 10)
	e.buf = append(e.buf, bencodeEnd)
}

func (e *encoder) uint(n uint64) {
	e.buf = append(e.buf, numberStart)
	e.buf = strconv.AppendUint(e.buf, n, 10)
	e.buf = append(e.buf, bencodeEnd)
}

func (e *encoder) value(v reflect.Value) error {
	if !v.IsValid() {
		return fmt.Errorf("bencode: cannot encode invalid value")
	}
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			e.uint(1)
		} else {
			e.uint(0)
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.int(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.uint(v.Uint())
	case reflect.String:
		e.bytes([]byte(v.String()))
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			e.bytes(b)
			return nil
		}
		e.buf = append(e.buf, listStart)
		for i := 0; i != v.Len(); i++ {
			if err := e.value(v.Index(i)); err != nil {
				return err
			}
		}
		e.buf = append(e.buf, bencodeEnd)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("bencode: map keys must be strings, got %s", v.Type().Key())
		}
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		e.buf = append(e.buf, dictStart)
		for _, k := range keys {
			e.bytes([]byte(k.String()))
			if err := e.value(v.MapIndex(k)); err != nil {
				return err
			}
		}
		e.buf = append(e.buf, bencodeEnd)
	case reflect.Struct:
		return e.structValue(v)
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return fmt.Errorf("bencode: cannot encode nil %s", v.Type())
		}
		return e.value(v.Elem())
	default:
		return fmt.Errorf("bencode: unsupported type %s", v.Type())
	}
	return nil
}

type field struct {
	name      string
	index     int
	omitEmpty bool
}

func (e *encoder) structValue(v reflect.Value) error {
	ty := v.Type()
	fields := make([]field, 0, ty.NumField())
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		if tag == "" {
			return fmt.Errorf("bencode: expected tag on %s.%s", ty.Name(), f.Name)
		}
		name, opts, _ := strings.Cut(tag, ",")
		fields = append(fields, field{name, i, opts == "omitempty"})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	e.buf = append(e.buf, dictStart)
	for _, f := range fields {
		fv := v.Field(f.index)
		if f.omitEmpty && fv.IsZero() {
			continue
		}
		e.bytes([]byte(f.name))
		if err := e.value(fv); err != nil {
			return err
		}
	}
	e.buf = append(e.buf, bencodeEnd)
	return nil
}
