// Copyright 2025 Tom Barlow
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

// Package ref parses and evaluates @-references in workflow templates.
//
// A reference literal starts with @ and names a value from the execution
// context: @input, @output, @item, @index, or @<stepName>, each optionally
// followed by a dotted path. Numeric path tokens index arrays, all others
// index objects. The historical "output." prefix on step paths is stripped:
// @step.output.foo is equivalent to @step.foo.
package ref

import (
	"fmt"
	"strings"
)

// Root identifies what a reference resolves against.
type Root int

const (
	// RootStep resolves against a completed step's output.
	RootStep Root = iota
	// RootInput resolves against the workflow input.
	RootInput
	// RootOutput resolves against the finalized workflow output (triggers only).
	RootOutput
	// RootItem resolves against the current forEach item.
	RootItem
	// RootIndex resolves against the current forEach index.
	RootIndex
)

// String returns the root's source spelling.
func (r Root) String() string {
	switch r {
	case RootInput:
		return "input"
	case RootOutput:
		return "output"
	case RootItem:
		return "item"
	case RootIndex:
		return "index"
	default:
		return "step"
	}
}

// Ref is the parsed form of a reference literal.
type Ref struct {
	// Root identifies the resolution target.
	Root Root

	// Step is the referenced step name when Root is RootStep.
	Step string

	// Path is the dotted path applied after the root, already split
	// into tokens.
	Path []string

	// Raw is the literal source text, including the leading @.
	Raw string
}

// Parse parses a complete reference literal. The entire input must be
// consumed; trailing characters are an error (use Scan for strings that
// merely contain references).
func Parse(literal string) (*Ref, error) {
	r, rest, err := parsePrefix(literal)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("invalid reference %q: trailing characters after %q", literal, r.Raw)
	}
	return r, nil
}

// parsePrefix parses the longest reference at the start of s and returns the
// unconsumed remainder.
func parsePrefix(s string) (*Ref, string, error) {
	if len(s) < 2 || s[0] != '@' {
		return nil, "", fmt.Errorf("invalid reference %q: must start with @", s)
	}

	name, rest := readToken(s[1:])
	if name == "" {
		return nil, "", fmt.Errorf("invalid reference %q: missing name after @", s)
	}

	var path []string
	for len(rest) >= 2 && rest[0] == '.' && isTokenStart(rest[1]) {
		var tok string
		tok, rest = readToken(rest[1:])
		path = append(path, tok)
	}

	r := &Ref{Path: path}
	switch name {
	case "input":
		r.Root = RootInput
	case "output":
		r.Root = RootOutput
	case "item":
		r.Root = RootItem
	case "index":
		r.Root = RootIndex
	default:
		r.Root = RootStep
		r.Step = name
		// Historical alias: @step.output.foo means @step.foo.
		if len(r.Path) > 0 && r.Path[0] == "output" {
			r.Path = r.Path[1:]
		}
	}

	consumed := len(s) - len(rest)
	r.Raw = s[:consumed]
	return r, rest, nil
}

// readToken consumes a name token: letters, digits, underscores, hyphens.
func readToken(s string) (string, string) {
	i := 0
	for i < len(s) && isTokenChar(s[i]) {
		i++
	}
	return s[:i], s[i:]
}

func isTokenStart(c byte) bool {
	return isTokenChar(c)
}

func isTokenChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// Scan finds every reference embedded in a string, in order of appearance.
// Text that merely looks like an email address or malformed reference is
// skipped.
func Scan(s string) []*Ref {
	var refs []*Ref
	for i := 0; i < len(s); i++ {
		if s[i] != '@' {
			continue
		}
		// An @ preceded by a token character is part of a word
		// (e.g. an email address), not a reference.
		if i > 0 && isTokenChar(s[i-1]) {
			continue
		}
		r, rest, err := parsePrefix(s[i:])
		if err != nil {
			continue
		}
		refs = append(refs, r)
		i = len(s) - len(rest) - 1
	}
	return refs
}

// IsLiteral reports whether the whole string is exactly one reference.
func IsLiteral(s string) bool {
	s = strings.TrimSpace(s)
	_, err := Parse(s)
	return err == nil
}
