package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"slices"
)

// Tensor is a dense float32 tensor to be stored as Type.
type Tensor struct {
	Name   string
	Shape  []int // row-major
	Type   GGMLType
	Values []float32
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

// WriteFile creates path and writes a GGUF v3 file to it.
func WriteFile(path string, kv map[string]interface{}, ts []*Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := Write(bw, kv, ts); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Write encodes kv and ts as GGUF v3. Keys are written sorted; tensors keep
// their order. general.architecture must be set.
func Write(w io.Writer, kv map[string]interface{}, ts []*Tensor) error {
	if arch, _ := kv["general.architecture"].(string); arch == "" {
		return fmt.Errorf("architecture not set")
	}
	alignment := uint64(DefaultAlignment)
	if a, ok := kv["general.alignment"].(uint32); ok && a > 0 {
		alignment = uint64(a)
	}

	payloads := make([][]byte, len(ts))
	for i, t := range ts {
		b, err := encode(t)
		if err != nil {
			return err
		}
		payloads[i] = b
	}

	cw := &countingWriter{w: w}
	for _, v := range []interface{}{uint32(GGUFMagic), uint32(GGUFVersion), uint64(len(ts)), uint64(len(kv))} {
		if err := binary.Write(cw, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if err := writeKV(cw, k, kv[k]); err != nil {
			return err
		}
	}

	var off uint64
	for i, t := range ts {
		if err := writeTensorInfo(cw, t, off); err != nil {
			return err
		}
		off += uint64(len(payloads[i]))
		off += padding(off, alignment)
	}

	if err := pad(cw, alignment); err != nil {
		return err
	}
	start := cw.n
	for _, p := range payloads {
		if _, err := cw.Write(p); err != nil {
			return err
		}
		if err := padFrom(cw, start, alignment); err != nil {
			return err
		}
	}
	return nil
}

func pad(cw *countingWriter, align uint64) error {
	return padFrom(cw, 0, align)
}

func padFrom(cw *countingWriter, base, align uint64) error {
	n := padding(cw.n-base, align)
	if n == 0 {
		return nil
	}
	_, err := cw.Write(make([]byte, n))
	return err
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeTyped(w io.Writer, t GGUFMetadataValueType, v interface{}) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(t)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeArray(w io.Writer, t GGUFMetadataValueType, n int, v interface{}) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(GGUFMetadataValueTypeArray)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(n)); err != nil {
		return err
	}
	if ss, ok := v.([]string); ok {
		for _, s := range ss {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		return nil
	}
	return binary.Write(w, binary.LittleEndian, v)
}

func writeKV(w io.Writer, k string, v interface{}) error {
	if err := writeString(w, k); err != nil {
		return err
	}
	switch v := v.(type) {
	case uint8:
		return writeTyped(w, GGUFMetadataValueTypeUint8, v)
	case int32:
		return writeTyped(w, GGUFMetadataValueTypeInt32, v)
	case int64:
		return writeTyped(w, GGUFMetadataValueTypeInt64, v)
	case uint32:
		return writeTyped(w, GGUFMetadataValueTypeUint32, v)
	case uint64:
		return writeTyped(w, GGUFMetadataValueTypeUint64, v)
	case float32:
		return writeTyped(w, GGUFMetadataValueTypeFloat32, v)
	case float64:
		return writeTyped(w, GGUFMetadataValueTypeFloat64, v)
	case bool:
		var b uint8
		if v {
			b = 1
		}
		return writeTyped(w, GGUFMetadataValueTypeBool, b)
	case string:
		if err := binary.Write(w, binary.LittleEndian, uint32(GGUFMetadataValueTypeString)); err != nil {
			return err
		}
		return writeString(w, v)
	case []int32:
		return writeArray(w, GGUFMetadataValueTypeInt32, len(v), v)
	case []uint32:
		return writeArray(w, GGUFMetadataValueTypeUint32, len(v), v)
	case []float32:
		return writeArray(w, GGUFMetadataValueTypeFloat32, len(v), v)
	case []string:
		return writeArray(w, GGUFMetadataValueTypeString, len(v), v)
	default:
		return fmt.Errorf("improper type %T for '%s'", v, k)
	}
}

func writeTensorInfo(w io.Writer, t *Tensor, off uint64) error {
	if err := writeString(w, t.Name); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return err
	}
	for i := len(t.Shape) - 1; i >= 0; i-- {
		if err := binary.Write(w, binary.LittleEndian, uint64(t.Shape[i])); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t.Type)); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, off)
}
