package tensor

// Parameter is a named trainable tensor. Gradients accumulate in Value.Grad.
type Parameter struct {
	Name  string
	Layer string
	Kind  string // "weight", "bias"
	Value *Tensor
}

// CloneParameters deep-copies a parameter list, dropping gradients
func CloneParameters(params []*Parameter) []*Parameter {
	out := make([]*Parameter, len(params))
	for i, p := range params {
		out[i] = &Parameter{Name: p.Name, Layer: p.Layer, Kind: p.Kind, Value: p.Value.Clone()}
	}
	return out
}
