package state

import "sync"

// Cursor is the high-water mark of mailbox UIDs that have been fully
// handled. It only moves forward.
type Cursor struct {
	mu          sync.Mutex
	last        uint32
	uidValidity uint32
}

func NewCursor() *Cursor {
	return &Cursor{}
}

// Value returns the last processed UID.
func (c *Cursor) Value() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Advance raises the cursor to uid and reports whether it moved. Values at or
// below the current position are ignored.
func (c *Cursor) Advance(uid uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uid <= c.last {
		return false
	}
	c.last = uid
	return true
}

// UIDValidity returns the mailbox UIDVALIDITY the cursor was seeded under,
// or zero if it has not been bound yet.
func (c *Cursor) UIDValidity() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uidValidity
}

// Bind records the UIDVALIDITY the cursor positions refer to. It returns false
// if the cursor is already bound to a different value.
func (c *Cursor) Bind(uidValidity uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uidValidity == 0 {
		c.uidValidity = uidValidity
		return true
	}
	return c.uidValidity == uidValidity
}
