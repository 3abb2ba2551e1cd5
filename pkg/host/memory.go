package host

import (
	"context"
	"fmt"
)

// maxCStringLen bounds the NUL scan over guest memory.
const maxCStringLen = 64 << 20

// memory pairs every guest allocation with exactly one free.
type memory struct {
	g      guest
	malloc string
	free   string
}

// allocate allocates memory in WASM and returns the pointer.
func (m *memory) allocate(ctx context.Context, size uint32) (uint32, error) {
	if size == 0 {
		size = 1
	}
	results, err := m.g.call(ctx, m.malloc, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

// deallocate frees memory in WASM. It runs even when ctx is already cancelled.
func (m *memory) deallocate(ctx context.Context, ptr uint32) error {
	if _, err := m.g.call(context.WithoutCancel(ctx), m.free, uint64(ptr)); err != nil {
		return fmt.Errorf("free failed: %w", err)
	}
	return nil
}

// withBytes copies data into a fresh guest buffer, passes it to fn and frees it on every path.
func (m *memory) withBytes(ctx context.Context, data []byte, fn func(ptr, size uint32) error) (err error) {
	ptr, err := m.allocate(ctx, uint32(len(data)))
	if err != nil {
		return fmt.Errorf("failed to allocate WASM memory: %w", err)
	}
	defer func() {
		if ferr := m.deallocate(ctx, ptr); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if len(data) > 0 && !m.g.write(ptr, data) {
		return fmt.Errorf("failed to write %d bytes to WASM memory", len(data))
	}
	return fn(ptr, uint32(len(data)))
}

// withCString is withBytes for a NUL-terminated copy of s.
func (m *memory) withCString(ctx context.Context, s string, fn func(ptr uint32) error) error {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return m.withBytes(ctx, buf, func(ptr, _ uint32) error {
		return fn(ptr)
	})
}

// takeCString copies the NUL-terminated string the engine returned at ptr and frees it.
// A zero pointer is the engine's null and is reported with ok false.
func (m *memory) takeCString(ctx context.Context, ptr uint32) (s string, ok bool, err error) {
	if ptr == 0 {
		return "", false, nil
	}
	defer func() {
		if ferr := m.deallocate(ctx, ptr); ferr != nil && err == nil {
			err = ferr
		}
	}()

	n, err := m.cstrlen(ptr)
	if err != nil {
		return "", false, err
	}
	view, rok := m.g.read(ptr, n)
	if !rok {
		return "", false, fmt.Errorf("failed to read string at 0x%x from WASM memory", ptr)
	}
	// view aliases linear memory; the conversion copies it out before the deferred free.
	return string(view), true, nil
}

func (m *memory) cstrlen(ptr uint32) (uint32, error) {
	for n := uint32(0); n < maxCStringLen; n++ {
		b, ok := m.g.readByte(ptr + n)
		if !ok {
			return 0, fmt.Errorf("unterminated string at 0x%x", ptr)
		}
		if b == 0 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("string at 0x%x exceeds %d bytes", ptr, maxCStringLen)
}
