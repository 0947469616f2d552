// Package symtab resolves program counters to function, file and line
// for diagnostics and error reports.
package symtab

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Frame is one resolved stack frame.
type Frame struct {
	PC       uintptr
	Function string
	File     string
	Line     int
}

func (f Frame) String() string {
	fn := f.Function
	if fn == "" {
		fn = "unknown"
	}
	return fmt.Sprintf("%s\n\t%s:%d", fn, f.File, f.Line)
}

// Symbolizer resolves program counters, caching results because hot
// diagnostic paths symbolize the same frames over and over.
type Symbolizer struct {
	mu    sync.Mutex
	cache map[uintptr]Frame
}

// New creates an empty symbolizer.
func New() *Symbolizer {
	return &Symbolizer{cache: make(map[uintptr]Frame)}
}

// Resolve maps one program counter to its frame.
func (s *Symbolizer) Resolve(pc uintptr) Frame {
	s.mu.Lock()
	if f, ok := s.cache[pc]; ok {
		s.mu.Unlock()
		return f
	}
	s.mu.Unlock()

	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	f := Frame{PC: pc, Function: fr.Function, File: fr.File, Line: fr.Line}

	s.mu.Lock()
	s.cache[pc] = f
	s.mu.Unlock()
	return f
}

// ResolveAll maps a slice of program counters in order.
func (s *Symbolizer) ResolveAll(pcs []uintptr) []Frame {
	frames := make([]Frame, 0, len(pcs))
	for _, pc := range pcs {
		frames = append(frames, s.Resolve(pc))
	}
	return frames
}

// Stack captures and resolves the calling goroutine's stack, skipping
// the given number of frames above the caller.
func (s *Symbolizer) Stack(skip int) []Frame {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	return s.ResolveAll(pcs[:n])
}

// Format renders frames in the runtime's panic layout.
func Format(frames []Frame) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// CacheSize returns the number of cached frames.
func (s *Symbolizer) CacheSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// Release drops the cached frames.
func (s *Symbolizer) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[uintptr]Frame)
}
