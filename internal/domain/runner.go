package domain

import "context"

// Options configures a single compile call.
// The zero value compiles with the fixed command and no extras.
type Options struct {
	// LinkLibraries are appended to the compile step as -l<name>.
	LinkLibraries []string `json:"link_libraries,omitempty"`

	// Includes are headers prepended to the source as #include lines.
	Includes []string `json:"includes,omitempty"`
}

// Merge returns o followed by extra. Neither input is modified.
func (o Options) Merge(extra Options) Options {
	return Options{
		LinkLibraries: concat(o.LinkLibraries, extra.LinkLibraries),
		Includes:      concat(o.Includes, extra.Includes),
	}
}

func concat(a, b []string) []string {
	if len(a)+len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

// Compiler defines the contract for compiling and running a C++ translation unit.
// Implementations talk to a remote compile service or a local container runtime.
type Compiler interface {
	// Compile starts one compile-and-run of source and returns immediately.
	// Progress and the final output are delivered through the returned Compilation.
	// Failures never surface as a Go error here: they resolve the Compilation with StateError.
	Compile(ctx context.Context, source string, opts Options) *Compilation
}

// Job represents a unit of work to be executed.
// It carries the source payload and per-job compile options.
type Job struct {
	ID      string  `json:"id"`
	Source  string  `json:"source"`
	Options Options `json:"options"`

	// RawID is the internal Stream ID from Redis (e.g. 1700000-0).
	// We need this to Acknowledge the message later.
	RawID string `json:"-"`
}

// JobUpdate is an Update addressed to the job that produced it.
type JobUpdate struct {
	JobID  string `json:"job_id"`
	State  State  `json:"state"`
	Output string `json:"output"`
}

// Terminal reports whether this is the last update the job will produce.
func (u JobUpdate) Terminal() bool {
	return u.State.Terminal()
}
