// Copyright (c) 2016-2017 Tigera, Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kernel invokes the external save/list/restore commands and
// parses their textual output. It holds no state of its own; everything
// it needs is passed in by the caller.
package kernel

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Runner executes one external command, feeding it stdin and capturing
// stdout/stderr, the same shim seam the teacher's cmdFactory provided for
// exec.Command.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin string) (stdout, stderr string, err error)
}

// RealRunner runs commands via os/exec.
type RealRunner struct{}

func (RealRunner) Run(ctx context.Context, name string, args []string, stdin string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewBufferString(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("%s %v: %w", name, args, err)
	}
	return stdout.String(), stderr.String(), err
}

// commandNames returns the save/list/restore executable names for the
// given IP version, e.g. iptables-save/iptables/iptables-restore for v4
// and the ip6tables equivalents for v6.
func commandNames(ipVersion uint8) (save, list, restore string) {
	if ipVersion == 6 {
		return "ip6tables-save", "ip6tables", "ip6tables-restore"
	}
	return "iptables-save", "iptables", "iptables-restore"
}

// Adapter wraps a Runner with the fixed command names for one IP version.
type Adapter struct {
	runner             Runner
	saveCmd            string
	listCmd            string
	restoreCmd         string
}

// NewAdapter builds an Adapter for the given IP version (4 or 6).
func NewAdapter(ipVersion uint8, runner Runner) *Adapter {
	save, list, restore := commandNames(ipVersion)
	return &Adapter{runner: runner, saveCmd: save, listCmd: list, restoreCmd: restore}
}

// RestoreCommand returns the name of the restore executable (for logging).
func (a *Adapter) RestoreCommand() string { return a.restoreCmd }

// RunRestore executes a single, non-retried iptables-restore attempt over
// the given input (already newline-joined, ending in "COMMIT\n").
func (a *Adapter) RunRestore(ctx context.Context, input string) (stdout, stderr string, err error) {
	return a.runner.Run(ctx, a.restoreCmd, []string{"--noflush", "--verbose"}, input)
}

// Save runs the save command for table and returns the set of chain names
// under that table whose name begins with prefix.
func (a *Adapter) Save(ctx context.Context, table, prefix string) (map[string]struct{}, error) {
	stdout, stderr, err := a.runner.Run(ctx, a.saveCmd, []string{"--table", table}, "")
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", a.saveCmd, err, stderr)
	}
	return parseSaveOutput(table, prefix, stdout), nil
}

// ListUnreferenced runs the list command for table and returns the set of
// owned (prefix-matching), zero-reference, non-root chains.
func (a *Adapter) ListUnreferenced(ctx context.Context, table, prefix string) (map[string]struct{}, error) {
	stdout, stderr, err := a.runner.Run(ctx, a.listCmd, []string{"--wait", "--list", "--table", table}, "")
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w (stderr: %s)", a.listCmd, err, stderr)
	}
	return parseListOutput(prefix, stdout), nil
}
