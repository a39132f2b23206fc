package registry

import (
	"context"
	"encoding/json"
	"fmt"
)

// batchItem is one queued command inside a batch call.
type batchItem struct {
	Method string `json:"method"`
	Params [2]any `json:"params"`
}

// Batch accumulates commands and sends them as a single batch RPC. Not safe
// for concurrent use; build one per logical operation.
type Batch struct {
	client *Client
	items  []batchItem
}

// NewBatch creates an empty batch bound to the client.
func (c *Client) NewBatch() *Batch {
	return &Batch{client: c}
}

// Add queues a command for the next Flush.
func (b *Batch) Add(method string, args []string, options map[string]any) {
	if args == nil {
		args = []string{}
	}
	if options == nil {
		options = make(map[string]any)
	}
	options["version"] = apiVersion
	b.items = append(b.items, batchItem{
		Method: method,
		Params: [2]any{args, options},
	})
}

// Len returns the number of queued commands.
func (b *Batch) Len() int {
	return len(b.items)
}

// Flush sends the queued commands and clears the batch. Per-item faults are
// logged and swallowed; batch callers queue operations that tolerate the
// entry already being in the target state. Transport failures are returned.
func (b *Batch) Flush(ctx context.Context) error {
	if len(b.items) == 0 {
		return nil
	}
	items := b.items
	b.items = nil

	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	var methods []any
	if err := json.Unmarshal(payload, &methods); err != nil {
		return fmt.Errorf("failed to build batch arguments: %w", err)
	}

	raw, err := b.client.Call(ctx, "batch", nil, map[string]any{
		"methods": methods,
	})
	if err != nil {
		return b.client.wrapFault(err, "batch call failed")
	}

	var result batchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to decode batch result: %w", err)
	}

	for i, item := range result.Results {
		if item.Error == "" {
			continue
		}
		method := "unknown"
		if i < len(items) {
			method = items[i].Method
		}
		b.client.logger.Warn("batch item failed",
			"method", method, "code", item.ErrorCode, "name", item.ErrorName, "error", item.Error)
	}

	return nil
}
