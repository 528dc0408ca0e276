package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-lens/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers and metadata.
// Tensor data aliases the mapping until Close.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.unmap = func() error { return syscall.Munmap(data) }
	return file, nil
}

// Parse decodes a GGUF image held in memory.
func Parse(data []byte) (*GGUFFile, error) {
	d := &decoder{data: data}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	var err error
	if file.Header.Magic, err = d.u32(); err != nil {
		return nil, err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	if file.Header.Version, err = d.u32(); err != nil {
		return nil, err
	}
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	if file.Header.TensorCount, err = d.u64(); err != nil {
		return nil, err
	}
	if file.Header.KVCount, err = d.u64(); err != nil {
		return nil, err
	}

	logger.Log.Debug("gguf header",
		"version", file.Header.Version,
		"tensors", file.Header.TensorCount,
		"kv", file.Header.KVCount)

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, err := d.str()
		if err != nil {
			return nil, err
		}
		typ, err := d.u32()
		if err != nil {
			return nil, err
		}
		val, err := d.value(GGUFMetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("kv %s: %w", k, err)
		}
		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		dims, err := d.u32()
		if err != nil {
			return nil, err
		}
		if dims > 8 {
			return nil, fmt.Errorf("tensor %s: %d dimensions", name, dims)
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			if dimArr[j], err = d.u64(); err != nil {
				return nil, err
			}
		}
		typ, err := d.u32()
		if err != nil {
			return nil, err
		}
		off, err := d.u64()
		if err != nil {
			return nil, err
		}
		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       GGMLType(typ),
			Offset:     off,
		})
	}

	alignment := uint64(file.Uint("general.alignment", DefaultAlignment))
	if alignment == 0 {
		return nil, fmt.Errorf("invalid alignment 0")
	}
	file.DataOffset = d.off + padding(d.off, alignment)

	for _, t := range file.Tensors {
		size := t.SizeBytes()
		start := file.DataOffset + t.Offset
		if size == 0 {
			// Unsupported types keep their tail so callers can still report them.
			if start > uint64(len(data)) {
				return nil, fmt.Errorf("tensor %s: offset out of bounds", t.Name)
			}
			t.Data = data[start:]
			continue
		}
		if start+size > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: offset out of bounds", t.Name)
		}
		t.Data = data[start : start+size]
	}
	return file, nil
}

func (f *GGUFFile) Close() error {
	if f.unmap == nil {
		return nil
	}
	err := f.unmap()
	f.unmap = nil
	return err
}

// Lookup finds a tensor by name.
func (f *GGUFFile) Lookup(name string) (*TensorInfo, error) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
}

type decoder struct {
	data []byte
	off  uint64
}

func (d *decoder) need(n uint64) error {
	if d.off+n > uint64(len(d.data)) || d.off+n < d.off {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (d *decoder) u8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.data[d.off]
	d.off++
	return v, nil
}

func (d *decoder) u16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.data[d.off:])
	d.off += 2
	return v, nil
}

func (d *decoder) u32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u64()
	if err != nil {
		return "", err
	}
	if err := d.need(n); err != nil {
		return "", err
	}
	s := string(d.data[d.off : d.off+n])
	d.off += n
	return s, nil
}

func (d *decoder) value(typ GGUFMetadataValueType) (interface{}, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return d.u8()
	case GGUFMetadataValueTypeInt8:
		v, err := d.u8()
		return int8(v), err
	case GGUFMetadataValueTypeUint16:
		return d.u16()
	case GGUFMetadataValueTypeInt16:
		v, err := d.u16()
		return int16(v), err
	case GGUFMetadataValueTypeUint32:
		return d.u32()
	case GGUFMetadataValueTypeInt32:
		v, err := d.u32()
		return int32(v), err
	case GGUFMetadataValueTypeFloat32:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case GGUFMetadataValueTypeBool:
		v, err := d.u8()
		return v != 0, err
	case GGUFMetadataValueTypeString:
		return d.str()
	case GGUFMetadataValueTypeArray:
		at, err := d.u32()
		if err != nil {
			return nil, err
		}
		n, err := d.u64()
		if err != nil {
			return nil, err
		}
		// Every element takes at least one byte.
		if err := d.need(n); err != nil {
			return nil, err
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := d.value(GGUFMetadataValueType(at))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case GGUFMetadataValueTypeUint64:
		return d.u64()
	case GGUFMetadataValueTypeInt64:
		v, err := d.u64()
		return int64(v), err
	case GGUFMetadataValueTypeFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func padding(offset, align uint64) uint64 {
	return (align - offset%align) % align
}
