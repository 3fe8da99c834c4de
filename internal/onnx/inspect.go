// Package onnx reads the header of an ONNX model without decoding tensors.
//
// Only the fields needed to sanity-check an export are read from the
// ModelProto wire format: IR version, producer, opset imports, and for the
// graph its name, node count and declared inputs.
package onnx

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrNotONNX is returned when the data is not a ModelProto with a graph.
var ErrNotONNX = errors.New("not an ONNX model")

// ModelProto field numbers.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8
)

// GraphProto, ValueInfoProto, TypeProto and shape field numbers.
const (
	graphNode      protowire.Number = 1
	graphName      protowire.Number = 2
	graphInput     protowire.Number = 11
	graphOutput    protowire.Number = 12
	valueInfoName  protowire.Number = 1
	valueInfoType  protowire.Number = 2
	typeTensor     protowire.Number = 1
	tensorElemType protowire.Number = 1
	tensorShape    protowire.Number = 2
	shapeDim       protowire.Number = 1
	dimValue       protowire.Number = 1
	dimParam       protowire.Number = 2
	opsetDomain    protowire.Number = 1
	opsetVersion   protowire.Number = 2
)

// Summary describes an ONNX model.
type Summary struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Opsets          []Opset
	GraphName       string
	NodeCount       int
	Inputs          []Tensor
	Outputs         []Tensor
}

// Opset is an operator set import. The empty domain is the default ai.onnx set.
type Opset struct {
	Domain  string
	Version int64
}

// Tensor is a graph input or output.
type Tensor struct {
	Name     string
	ElemType int32
	Dims     []Dim
}

// Dim is a tensor dimension, either fixed or symbolic.
type Dim struct {
	Value int64
	Param string
}

func (d Dim) String() string {
	if d.Param != "" {
		return d.Param
	}
	return strconv.FormatInt(d.Value, 10)
}

// Shape renders the dimensions as pnnx writes input shapes, e.g. [1,3,640,640].
func (t Tensor) Shape() string {
	parts := make([]string, len(t.Dims))
	for i, d := range t.Dims {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// DefaultOpset returns the version of the default domain import, or 0.
func (s *Summary) DefaultOpset() int64 {
	for _, o := range s.Opsets {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

// InputShapes renders every input shape joined by commas, the pnnx
// inputshape format for multi-input models.
func (s *Summary) InputShapes() string {
	shapes := make([]string, len(s.Inputs))
	for i, in := range s.Inputs {
		shapes[i] = in.Shape()
	}
	return strings.Join(shapes, ",")
}

// InspectFile reads and inspects the ONNX model at path.
func InspectFile(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	return Inspect(data)
}

// Inspect decodes the summary from a serialized ModelProto.
func Inspect(data []byte) (*Summary, error) {
	s := &Summary{}
	var hasGraph bool

	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			s.IRVersion = int64(n)
		case num == modelProducerName && typ == protowire.BytesType:
			s.ProducerName = string(v)
		case num == modelProducerVersion && typ == protowire.BytesType:
			s.ProducerVersion = string(v)
		case num == modelOpsetImport && typ == protowire.BytesType:
			o, err := parseOpset(v)
			if err != nil {
				return err
			}
			s.Opsets = append(s.Opsets, o)
		case num == modelGraph && typ == protowire.BytesType:
			hasGraph = true
			return parseGraph(v, s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotONNX, err)
	}

	if !hasGraph || s.IRVersion == 0 {
		return nil, ErrNotONNX
	}

	return s, nil
}

func parseOpset(data []byte) (Opset, error) {
	var o Opset
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == opsetDomain && typ == protowire.BytesType:
			o.Domain = string(v)
		case num == opsetVersion && typ == protowire.VarintType:
			o.Version = int64(n)
		}
		return nil
	})
	return o, err
}

func parseGraph(data []byte, s *Summary) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}

		switch num {
		case graphNode:
			s.NodeCount++
		case graphName:
			s.GraphName = string(v)
		case graphInput, graphOutput:
			t, err := parseValueInfo(v)
			if err != nil {
				return err
			}
			if num == graphInput {
				s.Inputs = append(s.Inputs, t)
			} else {
				s.Outputs = append(s.Outputs, t)
			}
		}
		return nil
	})
}

func parseValueInfo(data []byte) (Tensor, error) {
	var t Tensor
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == valueInfoName && typ == protowire.BytesType:
			t.Name = string(v)
		case num == valueInfoType && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num != typeTensor || typ != protowire.BytesType {
					return nil
				}
				return parseTensorType(v, &t)
			})
		}
		return nil
	})
	return t, err
}

func parseTensorType(data []byte, t *Tensor) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == tensorElemType && typ == protowire.VarintType:
			t.ElemType = int32(n)
		case num == tensorShape && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num != shapeDim || typ != protowire.BytesType {
					return nil
				}
				d, err := parseDim(v)
				if err != nil {
					return err
				}
				t.Dims = append(t.Dims, d)
				return nil
			})
		}
		return nil
	})
}

func parseDim(data []byte) (Dim, error) {
	var d Dim
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == dimValue && typ == protowire.VarintType:
			d.Value = int64(n)
		case num == dimParam && typ == protowire.BytesType:
			d.Param = string(v)
		}
		return nil
	})
	return d, err
}

// walk visits every field of one message. Bytes fields pass their payload in
// v, varints pass their value in n; other wire types are skipped.
func walk(data []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		data = data[tagLen:]

		var (
			v   []byte
			n   uint64
			val int
		)
		switch typ {
		case protowire.VarintType:
			n, val = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			v, val = protowire.ConsumeBytes(data)
		default:
			val = protowire.ConsumeFieldValue(num, typ, data)
		}
		if val < 0 {
			return protowire.ParseError(val)
		}
		data = data[val:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := visit(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}
