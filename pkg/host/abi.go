package host

import "fmt"

// ExportNames maps the engine entry points to the symbols a module exports.
//
// Signatures (all pointers are guest addresses of NUL-terminated strings unless noted):
//
//	precache(name_ptr, data_ptr, data_len)
//	init(data_path_ptr) -> i32        ; 0 = success
//	run_async(command_ptr)            ; returns once the command is started
//	output() -> ptr                   ; owned by the caller, 0 = null
//	error() -> ptr                    ; owned by the caller, 0 = null
//	thread_status() -> i32            ; 0 uninitialized, 1 started, 2 user interrupt, 3 finished
//	stop()
//	destroy()
//	status() -> ptr                   ; optional human-readable status
type ExportNames struct {
	Malloc       string `yaml:"malloc"`
	Free         string `yaml:"free"`
	Precache     string `yaml:"precache"`
	Init         string `yaml:"init"`
	RunAsync     string `yaml:"run_async"`
	Output       string `yaml:"output"`
	Error        string `yaml:"error"`
	ThreadStatus string `yaml:"thread_status"`
	Stop         string `yaml:"stop"`
	Destroy      string `yaml:"destroy"`
	Status       string `yaml:"status,omitempty"`
}

// DefaultExports is the generic engine ABI.
var DefaultExports = ExportNames{
	Malloc:       "malloc",
	Free:         "free",
	Precache:     "precache_file_data",
	Init:         "init",
	RunAsync:     "run_command_async",
	Output:       "get_output",
	Error:        "get_error",
	ThreadStatus: "get_thread_status",
	Stop:         "stop_command",
	Destroy:      "destroy",
	Status:       "get_status",
}

// MagpieExports is the ABI of the MAGPIE crossword engine build.
var MagpieExports = ExportNames{
	Malloc:       "malloc",
	Free:         "free",
	Precache:     "precache_file_data",
	Init:         "wasm_magpie_init",
	RunAsync:     "wasm_run_command_async",
	Output:       "wasm_get_output",
	Error:        "wasm_get_error",
	ThreadStatus: "wasm_get_thread_status",
	Stop:         "wasm_stop_command",
	Destroy:      "wasm_magpie_destroy",
	Status:       "wasm_get_status",
}

// ExportPreset returns the named export table.
func ExportPreset(name string) (ExportNames, error) {
	switch name {
	case "", "default":
		return DefaultExports, nil
	case "magpie":
		return MagpieExports, nil
	default:
		return ExportNames{}, fmt.Errorf("unknown export preset: %s", name)
	}
}

// required lists the entry points a module must export, keyed by role.
func (e ExportNames) required() []struct{ role, name string } {
	return []struct{ role, name string }{
		{"malloc", e.Malloc},
		{"free", e.Free},
		{"precache", e.Precache},
		{"init", e.Init},
		{"run_async", e.RunAsync},
		{"output", e.Output},
		{"error", e.Error},
		{"thread_status", e.ThreadStatus},
		{"stop", e.Stop},
		{"destroy", e.Destroy},
	}
}

// Merge returns e with every empty field filled from base.
func (e ExportNames) Merge(base ExportNames) ExportNames {
	pick := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	return ExportNames{
		Malloc:       pick(e.Malloc, base.Malloc),
		Free:         pick(e.Free, base.Free),
		Precache:     pick(e.Precache, base.Precache),
		Init:         pick(e.Init, base.Init),
		RunAsync:     pick(e.RunAsync, base.RunAsync),
		Output:       pick(e.Output, base.Output),
		Error:        pick(e.Error, base.Error),
		ThreadStatus: pick(e.ThreadStatus, base.ThreadStatus),
		Stop:         pick(e.Stop, base.Stop),
		Destroy:      pick(e.Destroy, base.Destroy),
		Status:       pick(e.Status, base.Status),
	}
}
