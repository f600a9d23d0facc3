// Package config holds the process-wide Option flags read from
// environment variables, grounded on original_source/runtime.hpp's
// Option struct and its global()/init() singleton.
package config

import "os"

// Option mirrors runtime.hpp's Option fields. There is exactly one
// instance, Global, populated once by Init.
type Option struct {
	TailCallOpt      bool
	InsertStackCheck bool
	LogInfo          bool
}

var Global Option

func init() {
	Init()
}

// Init reads SANYA_TCO, SANYA_STACKCHECK and SANYA_LOGINFO per spec.md
// §6's environment table and populates Global. Safe to call more than
// once (e.g. from tests that mutate the environment).
func Init() {
	Global = Option{
		TailCallOpt:      os.Getenv("SANYA_TCO") != "NO",
		InsertStackCheck: os.Getenv("SANYA_STACKCHECK") != "NO",
		LogInfo:          os.Getenv("SANYA_LOGINFO") == "YES",
	}
}
