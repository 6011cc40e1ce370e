package stacktrace

import (
	"log/slog"
	"runtime/debug"
	"strings"
)

// InternalPaths returns the file:line locations of the frames under an
// internal/ directory, trimmed to start at "internal/". Frames of the
// runtime and of dependencies are dropped.
func InternalPaths(stack []byte) []string {
	var paths []string
	for line := range strings.Lines(string(stack)) {
		file, _, _ := strings.Cut(strings.TrimSpace(line), " ")
		_, rel, ok := strings.Cut(file, "/internal/")
		if !ok || !strings.Contains(rel, ".go:") {
			continue
		}
		paths = append(paths, "internal/"+rel)
	}
	return paths
}

// Attr captures the current stack as a "stack" log attribute: the internal
// frames when there are any, the whole dump otherwise.
func Attr() slog.Attr {
	return attr(debug.Stack())
}

func attr(stack []byte) slog.Attr {
	if paths := InternalPaths(stack); len(paths) > 0 {
		return slog.Any("stack", paths)
	}
	return slog.String("stack", string(stack))
}
