// Package buffer implements the buffer pool manager: a bounded cache of
// disk pages backed by a fixed frame array, a free list, and a replacement
// policy for eviction.
package buffer

import "github.com/sushant-115/pageengine/storage/page"

// Pool is the contract both a single Instance and a Parallel pool satisfy,
// so index structures never need to know which one they were handed.
type Pool interface {
	FetchPage(id page.ID) (*page.Frame, error)
	NewPage() (*page.Frame, page.ID, error)
	UnpinPage(id page.ID, isDirty bool) bool
	FlushPage(id page.ID) bool
	FlushAllPages()
	DeletePage(id page.ID) bool
	PageSize() int
}
