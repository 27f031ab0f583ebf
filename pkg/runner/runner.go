package runner

import (
	"bytes"
	"context"
	"log/slog"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	// OnStart runs before the runner reports running. An error aborts Run.
	OnStart func(ctx context.Context) error
	OnStop  func()
	Logger  *slog.Logger
}

type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a plain function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// Drainers drains each in order and returns the first error.
func Drainers(ds ...Drainer) Drainer {
	return DrainerFunc(func() error {
		var first error
		for _, d := range ds {
			if d == nil {
				continue
			}
			if err := d.Drain(); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// EngineVersion is set at build time with -ldflags "-X".
var EngineVersion = "dev"

// Quiet disables the startup banner, for tests and embedded use.
var Quiet bool

func PrintBanner() {
	if Quiet {
		return
	}
	tpl := "{{ .Title \"AVATAR\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
