package main

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test; it is re-executed as a
// subprocess by runSubprocess below, the standard Go idiom for testing
// os.Exit-calling code paths (the same technique os/exec's own test
// suite uses for TestHelperProcess). Every fatal condition in spec.md §7
// terminates the process directly from internal/trampoline or
// internal/gc, so observing its exit code and stderr needs a real
// process boundary, not an in-process call.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SANYA_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Exit(run(os.Args[len(os.Args)-1:], os.Stdin, os.Stdout, os.Stderr))
}

type subprocessResult struct {
	stdout, stderr string
	exitCode       int
}

func runSubprocess(t *testing.T, src string) subprocessResult {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "sanya-*.sanya")
	require.NoError(t, err)
	_, err = f.WriteString(src)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", f.Name())
	cmd.Env = append(os.Environ(), "SANYA_WANT_HELPER_PROCESS=1")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	code := 0
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if runErr != nil {
		t.Fatalf("sanya subprocess failed to start: %v", runErr)
	}
	return subprocessResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: code}
}

// TestNotAClosureTrapsAndExitsNonZero is spec.md §8 scenario 5.
func TestNotAClosureTrapsAndExitsNonZero(t *testing.T) {
	res := runSubprocess(t, `(define main (lambda () ((quote not-a-closure))))`)
	assert.NotEqual(t, 0, res.exitCode)
	assert.Contains(t, strings.ToLower(res.stderr), "procedure")
	assert.Contains(t, strings.ToLower(res.stderr), "backtrace")
}

// TestArityMismatchTrapsAndNamesFunctionAndArgc is spec.md §8 scenario 6.
func TestArityMismatchTrapsAndNamesFunctionAndArgc(t *testing.T) {
	res := runSubprocess(t, `
(define f (lambda (x) x))
(define main (lambda () (f 1 2)))`)
	assert.NotEqual(t, 0, res.exitCode)
	assert.Contains(t, res.stderr, "f")
	assert.Contains(t, res.stderr, "2")
}

func TestUserErrorPrintsValueAndExitsNonZero(t *testing.T) {
	res := runSubprocess(t, `(define main (lambda () (error# 42)))`)
	assert.NotEqual(t, 0, res.exitCode)
	assert.Contains(t, res.stderr, "42")
}

func TestMissingMainAbortsWithNonZeroExit(t *testing.T) {
	res := runSubprocess(t, `(define f (lambda () 1))`)
	assert.NotEqual(t, 0, res.exitCode)
	assert.Contains(t, strings.ToLower(res.stderr), "main")
}

func TestParseFailureExitsNonZero(t *testing.T) {
	res := runSubprocess(t, `(define main (lambda () (`)
	assert.NotEqual(t, 0, res.exitCode)
	assert.Contains(t, strings.ToLower(res.stderr), "parse error")
}

func TestSuccessfulProgramExitsZeroAndPrintsResult(t *testing.T) {
	res := runSubprocess(t, `(define main (lambda () (+# 40 2)))`)
	assert.Equal(t, 0, res.exitCode)
	assert.Equal(t, "42", strings.TrimSpace(res.stdout))
}

func TestStackCheckEnvVarCanBeDisabled(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sanya-*.sanya")
	require.NoError(t, err)
	_, err = f.WriteString(`(define main (lambda () 1))`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", f.Name())
	cmd.Env = append(os.Environ(), "SANYA_WANT_HELPER_PROCESS=1", "SANYA_STACKCHECK=NO")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Run())
	assert.Equal(t, "1", strings.TrimSpace(stdout.String()))
}

// TestTailCallOptEnvVarDisablesTCO runs the deep tail recursion of
// spec.md §8 scenario 3 with SANYA_TCO=NO: every self-call becomes a
// normal call, the frames pile up, and the (still enabled) stack probe
// must catch the overflow instead of the program terminating with 1.
func TestTailCallOptEnvVarDisablesTCO(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sanya-*.sanya")
	require.NoError(t, err)
	_, err = f.WriteString(`
(define fact (lambda (n) (if (<# n 2) 1 (fact (-# n 1)))))
(define main (lambda () (fact 1000000)))`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", f.Name())
	cmd.Env = append(os.Environ(), "SANYA_WANT_HELPER_PROCESS=1", "SANYA_TCO=NO")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitErr, ok := runErr.(*exec.ExitError)
	require.True(t, ok, "expected a non-zero exit, got %v", runErr)
	assert.NotEqual(t, 0, exitErr.ExitCode())
	assert.Contains(t, strings.ToLower(stderr.String()), "stack overflow")
}

// TestStackOverflowTrapsCleanlyWhenEnabled exercises the
// SANYA_STACKCHECK prologue probe: deep *non*-tail recursion (every call
// nested inside a pending +#, so no tail-call rewrite applies) runs the
// native stack dry, and the probe must trap with a diagnostic rather
// than let the process run off the end of the mmap'd native stack.
func TestStackOverflowTrapsCleanlyWhenEnabled(t *testing.T) {
	res := runSubprocess(t, `
(define count (lambda (n) (if (<# n 1) 0 (+# 1 (count (-# n 1))))))
(define main (lambda () (count 1000000)))`)
	assert.NotEqual(t, 0, res.exitCode)
	assert.Contains(t, strings.ToLower(res.stderr), "stack overflow")
}
