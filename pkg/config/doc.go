// Package config loads enginebridge configuration and evaluates batch scripts.
//
// # Configuration
//
// Configuration is YAML, overlaid on Default and then on ENGINEBRIDGE_*
// environment variables, and validated with struct tags:
//
//	engine:
//	  kind: wasm
//	  manifest: engines/magpie/engine.yaml
//	poll:
//	  grace: 50ms
//	  interval: 100ms
//	journal:
//	  enabled: true
//	  path: enginebridge.db
//	telemetry:
//	  logging:
//	    level: info
//
// Relative paths resolve against the directory of the config file.
// EngineConfig.Resolve turns the engine section into an engine.Binder, either
// the simulator or a WASM module loaded directly or through a manifest.
//
// Watcher reloads the file on change. Only settings that can change at runtime
// (the log level) are applied by the worker; the rest take effect on restart.
//
// # Batch scripts
//
// A batch script is Starlark. It defines the command list for one session and
// optionally the resources to precache and the init data path:
//
//	depth = 4
//	resources = [{"name": "english.kwg", "url": "/data/english.kwg"}]
//	commands = ["position startpos"] + ["go depth %d" % d for d in range(1, depth + 1)]
//
// Evaluation is bounded by a timeout and cancelled with its context.
package config
