package registry

import (
	"encoding/json"
	"fmt"
)

// apiVersion is sent with every call so the server does not warn about
// missing version negotiation.
const apiVersion = "2.251"

// Fault codes returned by the directory server in the JSON-RPC error body.
const (
	FaultACIError        = 2100
	FaultValidationError = 3009
	FaultNotFound        = 4001
	FaultDuplicateEntry  = 4002
)

// rpcRequest is a single JSON-RPC call. Params is always a two element
// array: positional arguments followed by an options map.
type rpcRequest struct {
	Method string `json:"method"`
	Params [2]any `json:"params"`
	ID     int    `json:"id"`
}

func newRPCRequest(id int, method string, args []string, options map[string]any) rpcRequest {
	if args == nil {
		args = []string{}
	}
	if options == nil {
		options = make(map[string]any)
	}
	options["version"] = apiVersion
	return rpcRequest{
		Method: method,
		Params: [2]any{args, options},
		ID:     id,
	}
}

// Fault is the structured error the server returns in place of a result.
// Callers switch on Code to decide whether a fault is benign.
type Fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Name    string `json:"name"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s (%d): %s", f.Name, f.Code, f.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *Fault          `json:"error"`
	ID     int             `json:"id"`
}

// batchItemResult is one entry of a batch call's result list. Failed items
// carry the fault fields inline instead of a nested error object.
type batchItemResult struct {
	Error     string          `json:"error"`
	ErrorCode int             `json:"error_code"`
	ErrorName string          `json:"error_name"`
	Result    json.RawMessage `json:"result"`
}

type batchResult struct {
	Count   int               `json:"count"`
	Results []batchItemResult `json:"results"`
}
