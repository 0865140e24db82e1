// Copyright (c) 2017-2025 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sampleconfig provides the commented example configuration file for
// dcrsyncd.
package sampleconfig

import (
	_ "embed"
)

// sampleDcrsyncdConf is a string containing the commented example config for
// dcrsyncd.
//
//go:embed sample-dcrsyncd.conf
var sampleDcrsyncdConf string

// Dcrsyncd returns a string containing the commented example config for
// dcrsyncd.
func Dcrsyncd() string {
	return sampleDcrsyncdConf
}
