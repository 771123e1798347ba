package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"

	"github.com/born-ml/saliency/internal/tensor"
)

// NPY format:
// [6 bytes: "\x93NUMPY"]
// [1 byte major, 1 byte minor]
// [header_len: uint16 LE (v1) or uint32 LE (v2, v3)]
// [header_len bytes: Python dict literal, space padded]
// [array data]

// npyPreambleSize is the magic, the version and the shortest length field.
const npyPreambleSize = 10

var (
	float32Type = reflect.TypeOf(float32(0))
	float64Type = reflect.TypeOf(float64(0))
	uint8Type   = reflect.TypeOf(uint8(0))
)

// ReadNpy reads a float32, float64 or uint8 NPY array (C order) as a float32 tensor.
func ReadNpy(path string) (*tensor.Tensor, error) {
	//nolint:gosec // G304: File path comes from user input
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy: %w", err)
	}
	t, err := decodeNpy(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// DecodeNpy decodes an NPY stream.
func DecodeNpy(r io.Reader) (*tensor.Tensor, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: npy: %v", ErrInvalidFormat, err)
	}
	return decodeNpy(raw)
}

func decodeNpy(raw []byte) (*tensor.Tensor, error) {
	raw, err := checkNpyPreamble(raw)
	if err != nil {
		return nil, err
	}

	data := bytes.NewReader(raw)
	r, err := newNpyReader(data)
	if err != nil {
		return nil, err
	}
	descr := r.Header.Descr
	if descr.Fortran {
		return nil, ErrFortranOrder
	}

	var itemSize int
	switch npyio.TypeFrom(descr.Type) {
	case float32Type:
		itemSize = 4
	case float64Type:
		itemSize = 8
	case uint8Type:
		itemSize = 1
	default:
		return nil, fmt.Errorf("%w: npy descr %q", ErrUnsupportedDType, descr.Type)
	}

	shape := tensor.Shape(descr.Shape)
	if len(shape) == 0 {
		shape = tensor.Shape{1}
	}
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: npy shape: %v", ErrInvalidFormat, err)
	}
	n, err := npyElements(shape, itemSize, data.Len())
	if err != nil {
		return nil, err
	}

	values := make([]float32, n)
	switch itemSize {
	case 4:
		err = r.Read(&values)
	case 8:
		f64 := make([]float64, n)
		if err = r.Read(&f64); err == nil {
			for i, v := range f64 {
				values[i] = float32(v)
			}
		}
	case 1:
		u8 := make([]uint8, n)
		if err = r.Read(&u8); err == nil {
			for i, v := range u8 {
				values[i] = float32(v)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: npy data: %v", ErrInvalidFormat, err)
	}

	return tensor.FromSlice(values, shape)
}

// checkNpyPreamble validates the magic, the version and the header length.
// A v3 header differs from v2 only in its text encoding, so it is relabelled
// as v2 for npyio.
func checkNpyPreamble(raw []byte) ([]byte, error) {
	if len(raw) < npyPreambleSize || !bytes.Equal(raw[:len(npyio.Magic)], npyio.Magic[:]) {
		return nil, fmt.Errorf("%w: missing NPY magic", ErrInvalidFormat)
	}

	var headerLen, lenField int
	switch major := raw[6]; major {
	case 1:
		headerLen, lenField = int(binary.LittleEndian.Uint16(raw[8:])), 2
	case 2, 3:
		if len(raw) < npyPreambleSize+2 {
			return nil, fmt.Errorf("%w: npy preamble truncated", ErrInvalidFormat)
		}
		headerLen, lenField = int(binary.LittleEndian.Uint32(raw[8:])), 4
	default:
		return nil, fmt.Errorf("%w: npy version %d", ErrInvalidFormat, major)
	}
	if headerLen > len(raw)-8-lenField {
		return nil, fmt.Errorf("%w: npy header length %d exceeds file", ErrInvalidFormat, headerLen)
	}

	if raw[6] == 3 {
		raw = bytes.Clone(raw)
		raw[6] = 2
	}
	return raw, nil
}

// newNpyReader parses the header. npyio slices the header dict without
// bounds checks, so its panics on malformed input are turned into errors.
func newNpyReader(r io.Reader) (rr *npyio.Reader, err error) {
	defer func() {
		if p := recover(); p != nil {
			rr, err = nil, fmt.Errorf("%w: malformed npy header: %v", ErrInvalidFormat, p)
		}
	}()
	rr, err = npyio.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: npy header: %v", ErrInvalidFormat, err)
	}
	return rr, nil
}

// npyElements returns the element count of shape, failing on overflow or
// when the data section holds fewer than count*itemSize bytes.
func npyElements(shape tensor.Shape, itemSize, avail int) (int, error) {
	limit := avail / itemSize
	n := 1
	for _, dim := range shape {
		if n > limit/dim {
			return 0, fmt.Errorf("%w: npy shape %v needs more than the %d data bytes present", ErrInvalidFormat, shape, avail)
		}
		n *= dim
	}
	return n, nil
}

// LoadMean reads a per-channel mean from an NPY file.
//
// A [C, H, W] array (a per-pixel mean image such as ilsvrc_2012_mean.npy)
// is averaged over both spatial axes; a [C] array is used as is.
// The result has shape [C].
func LoadMean(path string) (*tensor.Tensor, error) {
	arr, err := ReadNpy(path)
	if err != nil {
		return nil, err
	}
	mean, err := ChannelMean(arr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mean, nil
}

// ChannelMean reduces a [C] or [C, H, W] array to a [C] vector.
func ChannelMean(arr *tensor.Tensor) (*tensor.Tensor, error) {
	s := arr.Shape()
	switch len(s) {
	case 1:
		return arr.Clone(), nil
	case 3:
		c, plane := s[0], s[1]*s[2]
		mean := tensor.Zeros(tensor.Shape{c})
		data := arr.Data()
		for ch := 0; ch < c; ch++ {
			var sum float64
			for _, v := range data[ch*plane : (ch+1)*plane] {
				sum += float64(v)
			}
			mean.Data()[ch] = float32(sum / float64(plane))
		}
		if !mean.IsFinite() {
			return nil, fmt.Errorf("%w: non-finite mean", ErrInvalidFormat)
		}
		return mean, nil
	default:
		return nil, fmt.Errorf("%w: got %v", ErrBadMeanShape, s)
	}
}

// EncodeNpy writes a float32 tensor as an NPY v1 stream.
//
// npyio.Write derives the shape from nested Go arrays, so a flat tensor of
// any rank gets its header written here.
func EncodeNpy(w io.Writer, t *tensor.Tensor) error {
	dims := make([]string, len(t.Shape()))
	for i, d := range t.Shape() {
		dims[i] = strconv.Itoa(d)
	}
	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}

	dict := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shape)
	// Pad so data starts on a 64-byte boundary; the dict ends with '\n'
	total := len(npyio.Magic) + 2 + 2 + len(dict) + 1
	if rem := total % 64; rem != 0 {
		dict += strings.Repeat(" ", 64-rem)
	}
	dict += "\n"
	if len(dict) > math.MaxUint16 {
		return fmt.Errorf("%w: npy header too long", ErrInvalidFormat)
	}

	buf := bytes.NewBuffer(nil)
	buf.Write(npyio.Magic[:])
	buf.Write([]byte{1, 0})
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(dict))) //nolint:gosec // G115: checked above
	buf.WriteString(dict)
	if err := binary.Write(buf, binary.LittleEndian, t.Data()); err != nil {
		return err
	}

	_, err := w.Write(buf.Bytes())
	return err
}
