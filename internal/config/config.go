// Package config implements a reflection-based binder (Map) on top of
// internal/cfgparser's directive tree, used to declare every component's
// configuration schema close to the Go fields it populates.
package config

import (
	"io"

	"github.com/spfbld/spfbld/internal/cfgparser"
)

// Node is the directive tree node type produced by cfgparser.Read.
type Node = cfgparser.Node

// NodeErr formats an error tagged with node's source location.
func NodeErr(node Node, f string, args ...interface{}) error {
	return cfgparser.NodeErr(node, f, args...)
}

// Read parses r (a directive file) into a tree of Nodes, expanding
// snippets, macros, imports and {env:...} references.
func Read(r io.Reader, location string) ([]Node, error) {
	return cfgparser.Read(r, location)
}
