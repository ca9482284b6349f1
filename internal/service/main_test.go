package service_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"
)

// runner scripts, written before any test forks a process
var (
	echoScript  string
	failScript  string
	sleepScript string
	slowScript  string
	wrapScript  string
)

var scripts = map[*string]string{
	&echoScript:  "echo \"args: $*\"\necho 'to stderr' 1>&2\npwd\n",
	&failScript:  "echo failing\nexit 3\n",
	&sleepScript: "echo sleeping\nexec sleep 30\n",
	// the child holds the output pipe, sh does not exec it
	&wrapScript:  "echo sleeping\nsleep 30\necho done\n",
	&slowScript:  "for i in 1 2 3 4 5; do echo \"line $i\"; sleep 0.05; done\n",
}

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "planrun-service-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	i := 0
	for dest, body := range scripts {
		i++
		path := filepath.Join(dir, fmt.Sprintf("runner%d.sh", i))
		if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		*dest = path
	}

	goleak.VerifyTestMain(m, goleak.Cleanup(func(code int) {
		_ = os.RemoveAll(dir)
		os.Exit(code)
	}))
}
