package envelope

import (
	"strings"

	"github.com/goccy/go-json"
)

// Payload methods used by the bridge in req/ans data.
const (
	MethodInvoke = "invoke"
	MethodReturn = "return"
	MethodError  = "error"
)

// Call is the data of an "invoke" request.
type Call struct {
	Method    string            `json:"method"`
	Object    json.RawMessage   `json:"object,omitempty"`
	Function  string            `json:"function"`
	Arguments []json.RawMessage `json:"arguments"`
}

// Return is the data of an answer: either a result or an error.
type Return struct {
	Method string          `json:"method"`
	Result json.RawMessage `json:"result,omitempty"`
	Code   int             `json:"code,omitempty"`
	Text   string          `json:"text,omitempty"`
}

// Callable references a local function the peer may invoke back.
type Callable struct {
	Type     string `json:"type"`
	Function string `json:"function"`
}

// NewCall builds an invoke payload, encoding each argument.
func NewCall(object json.RawMessage, function string, args ...any) (Call, error) {
	call := Call{
		Method:    MethodInvoke,
		Object:    object,
		Function:  function,
		Arguments: make([]json.RawMessage, 0, len(args)),
	}
	for _, arg := range args {
		raw, err := MarshalData(arg)
		if err != nil {
			return Call{}, err
		}
		call.Arguments = append(call.Arguments, raw)
	}
	return call, nil
}

func NewCallable(function string) Callable {
	return Callable{Type: "callable", Function: function}
}

func NewReturn(result any) (Return, error) {
	raw, err := MarshalData(result)
	if err != nil {
		return Return{}, err
	}
	return Return{Method: MethodReturn, Result: raw}, nil
}

func (c Call) IsInvoke() bool {
	return strings.EqualFold(c.Method, MethodInvoke)
}

func (r Return) IsError() bool {
	return strings.EqualFold(r.Method, MethodError)
}

// DecodeCall reads the invoke payload of a request envelope.
func DecodeCall(e Envelope) (Call, error) {
	var c Call
	if err := DecodeData(e, &c); err != nil {
		return Call{}, err
	}
	return c, nil
}

// DecodeReturn reads the payload of an answer envelope.
func DecodeReturn(e Envelope) (Return, error) {
	var r Return
	if err := DecodeData(e, &r); err != nil {
		return Return{}, err
	}
	return r, nil
}
