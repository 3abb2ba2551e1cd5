package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/enginebridge/pkg/host"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

// Batch is the run plan produced by a batch script.
type Batch struct {
	// Commands is the ordered command list for one run session.
	Commands []string

	// Resources are precached before init, in order.
	Resources []host.ManifestResource

	// DataPath overrides the configured init data path when set.
	DataPath string

	// Globals holds the remaining public globals, converted to Go values.
	Globals map[string]interface{}

	ExecutionTime time.Duration
}

// BatchEvaluator runs Starlark batch scripts. A script must define a global
// "commands" list of strings and may define "resources" (a list of dicts or
// structs with name and url) and "data_path".
type BatchEvaluator struct {
	timeout time.Duration
	logger  *telemetry.Logger
}

// NewBatchEvaluator creates a batch evaluator. print() output goes to logger.
func NewBatchEvaluator(timeout time.Duration, logger *telemetry.Logger) *BatchEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &BatchEvaluator{
		timeout: timeout,
		logger:  logger.NewComponentLogger("batch"),
	}
}

// Evaluate executes script with args predeclared and extracts the batch.
func (be *BatchEvaluator) Evaluate(ctx context.Context, filename, script string, args map[string]interface{}) (*Batch, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, be.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "enginebridge",
		Print: func(_ *starlark.Thread, msg string) {
			be.logger.WithField("script", filename).Info(msg)
		},
	}

	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(evalCtx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
	for key, val := range args {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if ctxErr := evalCtx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("batch script timed out after %v", be.timeout)
			}
			return nil, fmt.Errorf("batch script cancelled: %w", ctxErr)
		}
		return nil, fmt.Errorf("batch script failed: %w", err)
	}

	batch, err := extractBatch(globals)
	if err != nil {
		return nil, err
	}
	batch.ExecutionTime = time.Since(start)
	return batch, nil
}

func extractBatch(globals starlark.StringDict) (*Batch, error) {
	raw, ok := globals["commands"]
	if !ok {
		return nil, fmt.Errorf("batch script must define commands")
	}
	commands, err := stringList("commands", raw)
	if err != nil {
		return nil, err
	}

	batch := &Batch{
		Commands: commands,
		Globals:  make(map[string]interface{}),
	}

	if v, ok := globals["data_path"]; ok {
		s, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("data_path must be a string, got %s", v.Type())
		}
		batch.DataPath = s
	}

	if v, ok := globals["resources"]; ok {
		batch.Resources, err = resourceList(v)
		if err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch {
		case name == "commands" || name == "resources" || name == "data_path":
			continue
		case name[0] == '_':
			continue
		}
		if _, isFunc := globals[name].(starlark.Callable); isFunc {
			continue
		}
		goVal, err := fromStarlarkValue(globals[name])
		if err != nil {
			return nil, fmt.Errorf("failed to convert global %s: %w", name, err)
		}
		batch.Globals[name] = goVal
	}

	return batch, nil
}

func stringList(name string, v starlark.Value) ([]string, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %s", name, v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	out := []string{}
	var item starlark.Value
	for i := 0; iter.Next(&item); i++ {
		s, ok := starlark.AsString(item)
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a string, got %s", name, i, item.Type())
		}
		out = append(out, s)
	}
	return out, nil
}

func resourceList(v starlark.Value) ([]host.ManifestResource, error) {
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("resources must be a list, got %s", v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var out []host.ManifestResource
	var item starlark.Value
	for i := 0; iter.Next(&item); i++ {
		attrs, ok := item.(starlark.HasAttrs)
		var name, url starlark.Value
		switch {
		case ok && !isDict(item):
			name, _ = attrs.Attr("name")
			url, _ = attrs.Attr("url")
		case isDict(item):
			d := item.(*starlark.Dict)
			name, _, _ = d.Get(starlark.String("name"))
			url, _, _ = d.Get(starlark.String("url"))
		default:
			return nil, fmt.Errorf("resources[%d] must be a dict or struct, got %s", i, item.Type())
		}

		n, okName := asString(name)
		u, okURL := asString(url)
		if !okName || !okURL || n == "" || u == "" {
			return nil, fmt.Errorf("resources[%d] needs string name and url", i)
		}
		out = append(out, host.ManifestResource{Name: n, URL: u})
	}
	return out, nil
}

func isDict(v starlark.Value) bool {
	_, ok := v.(*starlark.Dict)
	return ok
}

func asString(v starlark.Value) (string, bool) {
	if v == nil {
		return "", false
	}
	return starlark.AsString(v)
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			gv, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = gv
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				return nil, err
			}
			gv, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = gv
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
