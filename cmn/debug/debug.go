// Package debug provides lightweight, toggleable assertions.
/*
 * Adapted from the cmn/debug build-tagged on/off pair: here a single
 * runtime switch (set via VFS_DEBUG=1) replaces the build-tag flavor
 * so the same binary can be flipped on for diagnosis without a rebuild.
 */
package debug

import (
	"fmt"
	"os"
)

var enabled = os.Getenv("VFS_DEBUG") != ""

// ON reports whether assertions are active.
func ON() bool { return enabled }

// Assert panics with msg (or a default message) if cond is false.
func Assert(cond bool, msg ...any) {
	if !enabled || cond {
		return
	}
	panic(assertMsg(msg...))
}

// Assertf is Assert with a format string.
func Assertf(cond bool, format string, a ...any) {
	if !enabled || cond {
		return
	}
	panic(fmt.Sprintf(format, a...))
}

// AssertNoErr panics with err if err != nil.
func AssertNoErr(err error) {
	if !enabled || err == nil {
		return
	}
	panic(err)
}

func assertMsg(msg ...any) string {
	if len(msg) == 0 {
		return "assertion failed"
	}
	return fmt.Sprint(msg...)
}
