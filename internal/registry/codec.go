package registry

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Invocation is the payload carried for a remote method call. A host-side
// Call carries the handler Result; a remote Invoke carries Args.
type Invocation struct {
	Method string `json:"method"`
	Args   []any  `json:"args,omitempty"`
	Result any    `json:"result,omitempty"`
}

// Result answers an Invocation.
type Result struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

const codeMethodNotFound = "method_not_found"

func EncodeInvocation(inv Invocation) ([]byte, error) {
	return json.Marshal(inv)
}

func DecodeInvocation(payload []byte) (Invocation, error) {
	var inv Invocation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return Invocation{}, err
	}
	return inv, nil
}

func EncodeResult(res Result) ([]byte, error) {
	return json.Marshal(res)
}

func DecodeResult(payload []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, err
	}
	return res, nil
}
