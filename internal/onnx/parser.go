package onnx

import (
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ParseFile parses an ONNX model from file.
//
//nolint:gosec // G304: the model path is provided by the user.
func ParseFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse parses an ONNX model from bytes. Fields the engine does not use
// are skipped.
func Parse(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	if err := readModelProto(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return m, nil
}

// field is one decoded wire field. Scalars are in u, length delimited
// payloads in b.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func (f field) str() string { return string(f.b) }

func (f field) int64() int64 { return int64(f.u) }

func forEachField(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.u, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.u = uint64(v)
		case protowire.Fixed64Type:
			f.u, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

// appendVarints handles both packed and unpacked repeated varints.
func appendVarints(dst []int64, f field) ([]int64, error) {
	if f.typ == protowire.VarintType {
		return append(dst, int64(f.u)), nil
	}
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, int64(v))
		b = b[n:]
	}
	return dst, nil
}

func appendFloats(dst []float32, f field) ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return append(dst, math.Float32frombits(uint32(f.u))), nil
	}
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, math.Float32frombits(v))
		b = b[n:]
	}
	return dst, nil
}

func appendDoubles(dst []float64, f field) ([]float64, error) {
	if f.typ == protowire.Fixed64Type {
		return append(dst, math.Float64frombits(f.u)), nil
	}
	b := f.b
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		dst = append(dst, math.Float64frombits(v))
		b = b[n:]
	}
	return dst, nil
}

func readModelProto(b []byte, m *ModelProto) error {
	return forEachField(b, func(f field) error {
		switch f.num {
		case 1: // ir_version
			m.IRVersion = f.int64()
		case 2: // producer_name
			m.ProducerName = f.str()
		case 3: // producer_version
			m.ProducerVersion = f.str()
		case 4: // domain
			m.Domain = f.str()
		case 5: // model_version
			m.ModelVersion = f.int64()
		case 7: // graph
			m.Graph = &GraphProto{}
			return readGraphProto(f.b, m.Graph)
		case 8: // opset_import
			var opset OperatorSetID
			if err := readOperatorSetID(f.b, &opset); err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, opset)
		case 14: // metadata_props
			var e StringStringEntry
			if err := readStringStringEntry(f.b, &e); err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, e)
		}
		return nil
	})
}

func readGraphProto(b []byte, g *GraphProto) error {
	return forEachField(b, func(f field) error {
		switch f.num {
		case 1: // node
			var n NodeProto
			if err := readNodeProto(f.b, &n); err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2: // name
			g.Name = f.str()
		case 5: // initializer
			var t TensorProto
			if err := readTensorProto(f.b, &t); err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 11, 12: // input, output
			var v ValueInfoProto
			if err := readValueInfoProto(f.b, &v); err != nil {
				return err
			}
			if f.num == 11 {
				g.Inputs = append(g.Inputs, v)
			} else {
				g.Outputs = append(g.Outputs, v)
			}
		}
		return nil
	})
}

func readNodeProto(b []byte, n *NodeProto) error {
	return forEachField(b, func(f field) error {
		switch f.num {
		case 1: // input
			n.Inputs = append(n.Inputs, f.str())
		case 2: // output
			n.Outputs = append(n.Outputs, f.str())
		case 3: // name
			n.Name = f.str()
		case 4: // op_type
			n.OpType = f.str()
		case 5: // attribute
			var a AttributeProto
			if err := readAttributeProto(f.b, &a); err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 7: // domain
			n.Domain = f.str()
		}
		return nil
	})
}

func readTensorProto(b []byte, t *TensorProto) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // dims
			t.Dims, err = appendVarints(t.Dims, f)
		case 2: // data_type
			t.DataType = int32(f.u)
		case 4: // float_data
			t.FloatData, err = appendFloats(t.FloatData, f)
		case 5: // int32_data
			var v []int64
			v, err = appendVarints(nil, f)
			for _, x := range v {
				t.Int32Data = append(t.Int32Data, int32(x))
			}
		case 8: // name
			t.Name = f.str()
		case 9: // raw_data
			t.RawData = f.b
		case 10: // double_data
			t.DoubleData, err = appendDoubles(t.DoubleData, f)
		}
		return err
	})
}

func readValueInfoProto(b []byte, v *ValueInfoProto) error {
	return forEachField(b, func(f field) error {
		switch f.num {
		case 1: // name
			v.Name = f.str()
		case 2: // type
			return readTypeProto(f.b, v)
		}
		return nil
	})
}

// readTypeProto reads TypeProto.tensor_type straight into v.
func readTypeProto(b []byte, v *ValueInfoProto) error {
	return forEachField(b, func(f field) error {
		if f.num != 1 { // tensor_type
			return nil
		}
		return forEachField(f.b, func(f field) error {
			switch f.num {
			case 1: // elem_type
				v.ElemType = int32(f.u)
			case 2: // shape
				v.Shape = []DimensionProto{}
				return forEachField(f.b, func(f field) error {
					if f.num != 1 { // dim
						return nil
					}
					var d DimensionProto
					if err := readDimensionProto(f.b, &d); err != nil {
						return err
					}
					v.Shape = append(v.Shape, d)
					return nil
				})
			}
			return nil
		})
	})
}

func readDimensionProto(b []byte, d *DimensionProto) error {
	return forEachField(b, func(f field) error {
		switch f.num {
		case 1: // dim_value
			d.DimValue = f.int64()
		case 2: // dim_param
			d.DimParam = f.str()
		}
		return nil
	})
}

func readAttributeProto(b []byte, a *AttributeProto) error {
	return forEachField(b, func(f field) error {
		var err error
		switch f.num {
		case 1: // name
			a.Name = f.str()
		case 2: // f
			a.F = math.Float32frombits(uint32(f.u))
		case 3: // i
			a.I = f.int64()
		case 4: // s
			a.S = f.b
		case 7: // floats
			a.Floats, err = appendFloats(a.Floats, f)
		case 8: // ints
			a.Ints, err = appendVarints(a.Ints, f)
		case 20: // type
			a.Type = int32(f.u)
		}
		return err
	})
}

func readOperatorSetID(b []byte, o *OperatorSetID) error {
	return forEachField(b, func(f field) error {
		switch f.num {
		case 1: // domain
			o.Domain = f.str()
		case 2: // version
			o.Version = f.int64()
		}
		return nil
	})
}

func readStringStringEntry(b []byte, e *StringStringEntry) error {
	return forEachField(b, func(f field) error {
		switch f.num {
		case 1:
			e.Key = f.str()
		case 2:
			e.Value = f.str()
		}
		return nil
	})
}
