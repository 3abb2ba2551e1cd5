package fake

import (
	"fmt"
	"strings"
	"time"
)

// NewSimulator returns an engine that understands a few toy commands:
//
//	sleep <duration>   runs for the duration, no output
//	echo <text>        prints text
//	fail <text>        reports text as an error
//
// Anything else takes step and prints an acknowledgement.
func NewSimulator(step time.Duration) *Engine {
	e := New()
	e.Default = func(cmd string) Script {
		verb, arg, _ := strings.Cut(strings.TrimSpace(cmd), " ")
		switch verb {
		case "sleep":
			d, err := time.ParseDuration(arg)
			if err != nil {
				return Script{Error: fmt.Sprintf("sleep: %v", err)}
			}
			return Script{Duration: d}
		case "echo":
			return Script{Duration: step, Output: arg}
		case "fail":
			return Script{Duration: step, Error: arg}
		default:
			return Script{Duration: step, Output: fmt.Sprintf("ok: %s", cmd)}
		}
	}
	return e
}
