package host

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// guest is the view of an instantiated engine module the adapter needs.
type guest interface {
	// exports reports whether the module exports a function called name.
	exports(name string) bool

	// call invokes the exported function name.
	call(ctx context.Context, name string, params ...uint64) ([]uint64, error)

	// read returns a view of size bytes of linear memory at ptr.
	read(ptr, size uint32) ([]byte, bool)

	// write copies data into linear memory at ptr.
	write(ptr uint32, data []byte) bool

	// readByte returns the byte at ptr.
	readByte(ptr uint32) (byte, bool)
}

// wazeroGuest adapts an api.Module.
type wazeroGuest struct {
	module api.Module
	memory api.Memory
}

func newWazeroGuest(module api.Module) (*wazeroGuest, error) {
	memory := module.Memory()
	if memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	return &wazeroGuest{module: module, memory: memory}, nil
}

func (g *wazeroGuest) exports(name string) bool {
	return g.module.ExportedFunction(name) != nil
}

// call looks the function up on every invocation: api.Function is not safe for
// concurrent use and the run export executes on its own goroutine.
func (g *wazeroGuest) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	fn := g.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("WASM module does not export %s function", name)
	}
	return fn.Call(ctx, params...)
}

func (g *wazeroGuest) read(ptr, size uint32) ([]byte, bool) {
	return g.memory.Read(ptr, size)
}

func (g *wazeroGuest) write(ptr uint32, data []byte) bool {
	return g.memory.Write(ptr, data)
}

func (g *wazeroGuest) readByte(ptr uint32) (byte, bool) {
	return g.memory.ReadByte(ptr)
}
