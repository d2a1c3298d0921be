//go:build !debug

// Package dbg provides build-tag-gated assertions: a no-op in release
// builds, wired to panic in builds tagged "debug".
/*
 * Copyright (c) 2026, SimQ Authors. All rights reserved.
 */
package dbg

func ON() bool { return false }

func Assert(_ bool, _ ...any)            {}
func Assertf(_ bool, _ string, _ ...any) {}
func AssertNoErr(_ error)                {}
