// Package toolchaintest provides a mock CommandRunner for tests.
package toolchaintest

import (
	"context"
	"io"
	"strings"

	"github.com/stretchr/testify/mock"
)

// MockRunner is a testify mock implementing toolchain.CommandRunner.
type MockRunner struct {
	mock.Mock
}

// Run records the call and returns the configured stdout, stderr and error.
func (m *MockRunner) Run(ctx context.Context, dir, name string, args []string, stdin io.Reader) (stdout, stderr []byte, err error) {
	ret := m.Called(ctx, dir, name, args, stdin)

	var out, errOut []byte
	if s, ok := ret.Get(0).(string); ok {
		out = []byte(s)
	}
	if s, ok := ret.Get(1).(string); ok {
		errOut = []byte(s)
	}

	return out, errOut, ret.Error(2)
}

// ArgsWith matches an argument list containing every given fragment in order.
func ArgsWith(fragments ...string) any {
	return mock.MatchedBy(func(args []string) bool {
		joined := strings.Join(args, "\x00")
		pos := 0
		for _, f := range fragments {
			i := strings.Index(joined[pos:], f)
			if i < 0 {
				return false
			}
			pos += i + len(f)
		}
		return true
	})
}
