package checkpoints

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// The binary layout is a protobuf message. Weight records reuse the field
// numbers of ONNX TensorProto (dims=1, data_type=2, float_data=4, name=8,
// doc_string=12) so standard protobuf tooling can inspect them.
//
//	message Checkpoint {
//	  repeated TensorProto weights = 1;
//	  TrainingState state = 2;
//	  Metadata metadata = 3;
//	  OptimizerState optimizer = 4;
//	}
const (
	fieldWeights  protowire.Number = 1
	fieldState    protowire.Number = 2
	fieldMetadata protowire.Number = 3
	fieldOptim    protowire.Number = 4

	tensorDims      protowire.Number = 1
	tensorDataType  protowire.Number = 2
	tensorFloatData protowire.Number = 4
	tensorName      protowire.Number = 8
	tensorLayer     protowire.Number = 12
	tensorKind      protowire.Number = 13

	stateEpoch    protowire.Number = 1
	stateStep     protowire.Number = 2
	stateLR       protowire.Number = 3
	stateMIoU     protowire.Number = 4
	stateSek      protowire.Number = 5
	stateFscd     protowire.Number = 6
	stateAccuracy protowire.Number = 7
	stateLoss     protowire.Number = 8

	metaVersion     protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaNetName     protowire.Number = 3
	metaCreatedAt   protowire.Number = 4 // unix nanoseconds
	metaDescription protowire.Number = 5

	optimType   protowire.Number = 1
	optimParam  protowire.Number = 2 // map<string, double>
	optimTensor protowire.Number = 3

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	dataTypeFloat = 1 // TensorProto.FLOAT
)

// ErrMalformed is returned for binary checkpoints that cannot be parsed
var ErrMalformed = errors.New("malformed checkpoint")

// MarshalBinary encodes a checkpoint in protobuf wire format
func MarshalBinary(cp *Checkpoint) ([]byte, error) {
	var b []byte
	for _, w := range cp.Weights {
		if err := validateWeight(w); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w))
	}
	b = protowire.AppendTag(b, fieldState, protowire.BytesType)
	b = protowire.AppendBytes(b, appendState(nil, cp.TrainingState))
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, cp.Metadata))
	if cp.OptimizerState != nil {
		optim, err := appendOptimizer(nil, cp.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldOptim, protowire.BytesType)
		b = protowire.AppendBytes(b, optim)
	}
	return b, nil
}

func validateWeight(w WeightTensor) error {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	if n != len(w.Data) {
		return fmt.Errorf("weight %s: shape %v holds %d values, got %d", w.Name, w.Shape, n, len(w.Data))
	}
	return nil
}

func appendTensor(b []byte, w WeightTensor) []byte {
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, dataTypeFloat)

	data := make([]byte, 0, 4*len(w.Data))
	for _, v := range w.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, tensorFloatData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)

	b = appendString(b, tensorName, w.Name)
	b = appendString(b, tensorLayer, w.Layer)
	b = appendString(b, tensorKind, w.Type)
	return b
}

func appendState(b []byte, s TrainingState) []byte {
	b = protowire.AppendTag(b, stateEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.Epoch)))
	b = protowire.AppendTag(b, stateStep, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(s.Step)))
	for _, f := range []struct {
		num protowire.Number
		v   float64
	}{
		{stateLR, s.LearningRate},
		{stateMIoU, s.MIoU},
		{stateSek, s.Sek},
		{stateFscd, s.Fscd},
		{stateAccuracy, s.Accuracy},
		{stateLoss, s.Loss},
	} {
		b = protowire.AppendTag(b, f.num, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(f.v))
	}
	return b
}

func appendMetadata(b []byte, m CheckpointMetadata) []byte {
	b = appendString(b, metaVersion, m.Version)
	b = appendString(b, metaFramework, m.Framework)
	b = appendString(b, metaNetName, m.NetName)
	b = protowire.AppendTag(b, metaCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	b = appendString(b, metaDescription, m.Description)
	return b
}

func appendOptimizer(b []byte, o *OptimizerState) ([]byte, error) {
	b = appendString(b, optimType, o.Type)
	keys := make([]string, 0, len(o.Parameters))
	for k := range o.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = protowire.AppendTag(entry, entryValue, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(o.Parameters[k]))
		b = protowire.AppendTag(b, optimParam, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	for _, w := range o.StateData {
		if err := validateWeight(w); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, optimTensor, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, w))
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// UnmarshalBinary decodes a checkpoint written by MarshalBinary
func UnmarshalBinary(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldWeights:
			w, err := parseTensor(v)
			if err != nil {
				return err
			}
			cp.Weights = append(cp.Weights, w)
		case fieldState:
			s, err := parseState(v)
			if err != nil {
				return err
			}
			cp.TrainingState = s
		case fieldMetadata:
			m, err := parseMetadata(v)
			if err != nil {
				return err
			}
			cp.Metadata = m
		case fieldOptim:
			o, err := parseOptimizer(v)
			if err != nil {
				return err
			}
			cp.OptimizerState = o
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func parseTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == tensorDims && typ == protowire.BytesType:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return fmt.Errorf("%w: bad dims: %v", ErrMalformed, protowire.ParseError(n))
				}
				w.Shape = append(w.Shape, int(d))
				v = v[n:]
			}
		case num == tensorDataType && typ == protowire.VarintType:
			if x != dataTypeFloat {
				return fmt.Errorf("%w: unsupported tensor data type %d", ErrMalformed, x)
			}
		case num == tensorFloatData && typ == protowire.BytesType:
			if len(v)%4 != 0 {
				return fmt.Errorf("%w: float data length %d", ErrMalformed, len(v))
			}
			w.Data = make([]float32, 0, len(v)/4)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
				}
				w.Data = append(w.Data, math.Float32frombits(bits))
				v = v[n:]
			}
		case num == tensorName && typ == protowire.BytesType:
			w.Name = string(v)
		case num == tensorLayer && typ == protowire.BytesType:
			w.Layer = string(v)
		case num == tensorKind && typ == protowire.BytesType:
			w.Type = string(v)
		}
		return nil
	})
	if err != nil {
		return w, err
	}
	return w, validateWeight(w)
}

func parseState(b []byte) (TrainingState, error) {
	var s TrainingState
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, _ []byte, x uint64) error {
		switch typ {
		case protowire.VarintType:
			switch num {
			case stateEpoch:
				s.Epoch = int(protowire.DecodeZigZag(x))
			case stateStep:
				s.Step = int(protowire.DecodeZigZag(x))
			}
		case protowire.Fixed64Type:
			f := math.Float64frombits(x)
			switch num {
			case stateLR:
				s.LearningRate = f
			case stateMIoU:
				s.MIoU = f
			case stateSek:
				s.Sek = f
			case stateFscd:
				s.Fscd = f
			case stateAccuracy:
				s.Accuracy = f
			case stateLoss:
				s.Loss = f
			}
		}
		return nil
	})
	return s, err
}

func parseMetadata(b []byte) (CheckpointMetadata, error) {
	var m CheckpointMetadata
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == metaCreatedAt && typ == protowire.VarintType:
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(x))
		case typ != protowire.BytesType:
		case num == metaVersion:
			m.Version = string(v)
		case num == metaFramework:
			m.Framework = string(v)
		case num == metaNetName:
			m.NetName = string(v)
		case num == metaDescription:
			m.Description = string(v)
		}
		return nil
	})
	return m, err
}

func parseOptimizer(b []byte) (*OptimizerState, error) {
	o := &OptimizerState{Parameters: make(map[string]float64)}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case optimType:
			o.Type = string(v)
		case optimParam:
			var key string
			var value float64
			err := walkFields(v, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
				switch {
				case num == entryKey && typ == protowire.BytesType:
					key = string(v)
				case num == entryValue && typ == protowire.Fixed64Type:
					value = math.Float64frombits(x)
				}
				return nil
			})
			if err != nil {
				return err
			}
			o.Parameters[key] = value
		case optimTensor:
			w, err := parseTensor(v)
			if err != nil {
				return err
			}
			o.StateData = append(o.StateData, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// walkFields calls fn for every top-level field of a message. Length-delimited
// fields arrive as v, varint and fixed fields as x.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(b)
			x = uint64(x32)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}
