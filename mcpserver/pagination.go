package mcpserver

import (
	"strconv"

	"github.com/ggoodman/mcp-protocol-go/jsonrpc"
)

// Page is a single page of results with the cursor of the next one. Items
// is never nil.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// paginate slices all from the offset encoded in cursor. Cursors are opaque
// to clients; an unparseable or out of range cursor is an invalid params
// error.
func paginate[T any](all []T, cursor string, size int) (Page[T], error) {
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(all) {
			return Page[T]{}, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid cursor"}
		}
		start = n
	}
	end := min(start+size, len(all))
	items := make([]T, end-start)
	copy(items, all[start:end])
	p := Page[T]{Items: items}
	if end < len(all) {
		p.NextCursor = strconv.Itoa(end)
	}
	return p, nil
}
