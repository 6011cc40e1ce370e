package stacktrace

import (
	"log/slog"
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternalPaths(t *testing.T) {
	t.Parallel()

	stack := []byte(`goroutine 7 [running]:
runtime/debug.Stack()
	/usr/local/go/src/runtime/debug/stack.go:26 +0x5e
github.com/shandysiswandi/unimq/internal/pkg/goroutine.(*Manager).Go.func1()
	/src/unimq/internal/pkg/goroutine/goroutine.go:71 +0x1d
github.com/segmentio/kafka-go.(*Reader).FetchMessage(...)
	/go/pkg/mod/github.com/segmentio/kafka-go@v0.4.49/reader.go:900
github.com/shandysiswandi/unimq/internal/pkg/messaging.(*Subscription).dispatch(...)
	/src/unimq/internal/pkg/messaging/subscription.go:212
`)

	assert.Equal(t, []string{
		"internal/pkg/goroutine/goroutine.go:71",
		"internal/pkg/messaging/subscription.go:212",
	}, InternalPaths(stack))
	assert.Empty(t, InternalPaths(nil))
}

func TestInternalPathsOfLiveStack(t *testing.T) {
	t.Parallel()

	paths := InternalPaths(debug.Stack())
	if assert.NotEmpty(t, paths) {
		assert.True(t, strings.HasPrefix(paths[0], "internal/pkg/stacktrace/stacktrace_test.go:"), paths[0])
	}
}

func TestAttr(t *testing.T) {
	t.Parallel()

	a := Attr()
	assert.Equal(t, "stack", a.Key)
	assert.Equal(t, slog.KindAny, a.Value.Kind())

	raw := attr([]byte("goroutine 1 [running]:\nmain.main()\n\t/app/main.go:9\n"))
	assert.Equal(t, slog.KindString, raw.Value.Kind())
	assert.Contains(t, raw.Value.String(), "main.go:9")
}
