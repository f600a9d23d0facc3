// Command sanya is the whole-program compiler/runtime entry point
// (spec.md §7): parse a source file (or stdin), compile every top-level
// define, and invoke main. Grounded on
// _examples/tinyrange-rtg/std/compiler/main.go's debug-logging shape,
// cut down to this runtime's much smaller surface (no flags: spec.md §6).
package main

import (
	"fmt"
	"io"
	"os"

	"sanya/internal/codegen"
	"sanya/internal/config"
	"sanya/internal/heap"
	"sanya/internal/parser"
	"sanya/internal/trampoline"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run implements the CLI surface (spec.md §6): one optional positional
// source-file argument, stdin fallback, no flags. Exit code 0 on success;
// 1 on parse failure, missing main, or any runtime error short of a fatal
// trap (those terminate the process directly from internal/trampoline,
// per spec.md §7's "no recoverable error surface"). Heap sizing beyond
// spec.md's fixed default is not a CLI concern — tests that need a
// smaller heap call heap.New directly instead of going through run.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var srcPath string
	for _, a := range args {
		if srcPath != "" {
			fmt.Fprintf(stderr, "sanya: unexpected argument %q\n", a)
			return 1
		}
		srcPath = a
	}

	var src io.Reader
	if srcPath == "" || srcPath == "-" {
		src = stdin
	} else {
		f, err := os.Open(srcPath)
		if err != nil {
			fmt.Fprintf(stderr, "sanya: %v\n", err)
			return 1
		}
		defer f.Close()
		src = f
	}

	ts, err := heap.New(0)
	if err != nil {
		fmt.Fprintf(stderr, "sanya: %v\n", err)
		return 1
	}
	defer ts.Close()
	ts.LogInfo = config.Global.LogInfo

	forms, err := parser.New(ts, src).ParseAll()
	if err != nil {
		fmt.Fprintf(stderr, "sanya: parse error: %v\n", err)
		return 1
	}
	if config.Global.LogInfo {
		fmt.Fprintf(stderr, "sanya: parsed %d top-level form(s)\n", len(forms))
	}

	rt, err := trampoline.New(ts)
	if err != nil {
		fmt.Fprintf(stderr, "sanya: %v\n", err)
		return 1
	}
	defer rt.Close()

	mod := codegen.NewCGModule(ts, rt.Hooks())
	mainClo, err := mod.GenModule(forms)
	if err != nil {
		fmt.Fprintf(stderr, "sanya: compile error: %v\n", err)
		return 1
	}
	if config.Global.LogInfo {
		fmt.Fprintf(stderr, "sanya: compiled, invoking main\n")
	}

	// rt.Call never returns on a fatal trap (arity mismatch, not-a-closure,
	// user error, stack overflow, heap exhaustion): the handlers in
	// internal/trampoline print diagnostics and call os.Exit(1) directly,
	// matching spec.md §7's unconditional-termination error model.
	result := rt.Call(mainClo)
	fmt.Fprintln(stdout, ts.Display(result))
	return 0
}
