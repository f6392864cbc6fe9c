// Package codec holds the serializers a deployment can select for task
// messages and result records. The choice is fixed by configuration; it is
// never negotiated per message.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	JSON = "json"
	YAML = "yaml"
	CBOR = "cbor"
)

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	switch name {
	case JSON, "":
		return jsonCodec{}, nil
	case YAML:
		return yamlCodec{}, nil
	case CBOR:
		return newCBOR()
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}

// Convert re-encodes src and decodes it into dst, turning the generic values
// produced by decoding into the concrete type dst points to.
func Convert(c Codec, src, dst any) error {
	data, err := c.Marshal(NormalizeNumbers(src))
	if err != nil {
		return err
	}
	return c.Unmarshal(data, dst)
}

type jsonCodec struct{}

func (jsonCodec) Name() string                  { return JSON }
func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal keeps integers exact: numbers landing in interface values become
// int64 when integral and float64 otherwise, never a lossy float64 of a large int.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	normalize(reflect.ValueOf(v))
	return nil
}

type yamlCodec struct{}

func (yamlCodec) Name() string                       { return YAML }
func (yamlCodec) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (yamlCodec) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBOR() (Codec, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, err
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: enc, dec: dec}, nil
}

func (cborCodec) Name() string                         { return CBOR }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// NormalizeNumbers replaces json.Number values (as produced by a decoder with
// UseNumber) with int64 when integral and float64 otherwise, recursively.
// Slices and maps are rewritten in place.
func NormalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = NormalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = NormalizeNumbers(t[k])
		}
		return t
	}
	return v
}

// normalize walks a decoded value and applies NormalizeNumbers to every
// settable interface it reaches.
func normalize(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			normalize(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.CanSet() {
				normalize(f)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			normalize(v.Index(i))
		}
	case reflect.Interface:
		if v.IsNil() || !v.CanSet() {
			return
		}
		if nv := reflect.ValueOf(NormalizeNumbers(v.Interface())); nv.Type().AssignableTo(v.Type()) {
			v.Set(nv)
		}
	case reflect.Map:
		if v.IsNil() || v.Type().Elem().Kind() != reflect.Interface {
			return
		}
		iter := v.MapRange()
		for iter.Next() {
			if iter.Value().IsNil() {
				continue
			}
			if nv := reflect.ValueOf(NormalizeNumbers(iter.Value().Interface())); nv.Type().AssignableTo(v.Type().Elem()) {
				v.SetMapIndex(iter.Key(), nv)
			}
		}
	}
}
