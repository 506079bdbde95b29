// Package topology is the Topology Rewriter (C9): substitutes port
// placeholders into a lab topology document ahead of import, preserving
// document ordering and comments. Built on gopkg.in/yaml.v3's Node tree
// rather than a line-oriented string replace that would lose comments
// and formatting.
package topology
