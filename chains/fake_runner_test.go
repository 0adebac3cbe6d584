package chains_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// fakeRunner is a scriptable stand-in for kernel.Runner. Save/list output is
// static; restore behaviour is driven by a caller-supplied hook so each test
// can script exactly the failures it needs (commit conflicts, structural
// errors affecting one chain, ...).
type fakeRunner struct {
	mu sync.Mutex

	saveOutput string
	listOutput string

	// restoreHook is called for every iptables-restore invocation, in
	// order (1-indexed call number). If nil, every restore succeeds.
	restoreHook func(call int, stdin string) (stdout, stderr string, err error)

	restoreCalls []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string, stdin string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasSuffix(name, "-save"):
		return f.saveOutput, "", nil
	case strings.HasSuffix(name, "-restore"):
		f.restoreCalls = append(f.restoreCalls, stdin)
		call := len(f.restoreCalls)
		if f.restoreHook == nil {
			return "", "", nil
		}
		return f.restoreHook(call, stdin)
	default:
		// iptables / ip6tables --list
		return f.listOutput, "", nil
	}
}

func (f *fakeRunner) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.restoreCalls...)
}

// restoreErr builds the (stdout, stderr, err) triple a real failed
// iptables-restore produces: a non-nil error and a "line N failed" stderr
// message naming the 1-indexed line within stdin.
func restoreErr(stdin string, lineNumber int) (string, string, error) {
	lines := strings.Split(strings.TrimRight(stdin, "\n"), "\n")
	var offending string
	if lineNumber-1 >= 0 && lineNumber-1 < len(lines) {
		offending = lines[lineNumber-1]
	}
	return "", fmt.Sprintf("ip6tables-restore: line %d failed: %s", lineNumber, offending), errors.New("exit status 1")
}

// commitLineNumber finds the 1-indexed line number of the COMMIT line
// closing the current transaction's input, so a test can fail exactly that
// line without hard-coding offsets that would break if the batch's content
// changes.
func commitLineNumber(stdin string) int {
	lines := strings.Split(strings.TrimRight(stdin, "\n"), "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) == "COMMIT" {
			return i + 1
		}
	}
	return -1
}

// lineContaining finds the 1-indexed line number of the first line
// containing needle.
func lineContaining(stdin, needle string) int {
	lines := strings.Split(strings.TrimRight(stdin, "\n"), "\n")
	for i, l := range lines {
		if strings.Contains(l, needle) {
			return i + 1
		}
	}
	return -1
}
