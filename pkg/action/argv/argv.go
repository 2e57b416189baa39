// Copyright 2025 UMH Systems GmbH
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

// Package argv turns an action's command line into an argument vector.
//
// The grammar is deliberately small: words are separated by unquoted whitespace,
// a single quote toggles quoting and a backslash makes the next character literal
// (both inside and outside quotes). There is no variable expansion, no double quotes
// and no globbing. Empty words are dropped.
package argv

import "strings"

type state int

const (
	stateInWord state = iota
	stateInQuote
)

// Tokenizer is the explicit state machine behind Split.
// The zero value is ready to use.
type Tokenizer struct {
	state  state
	escape bool
	word   strings.Builder
	argv   []string
}

// Feed consumes one character.
func (t *Tokenizer) Feed(r rune) {
	if t.escape {
		t.escape = false
		t.word.WriteRune(r)

		return
	}

	switch {
	case r == '\\':
		t.escape = true
	case r == '\'':
		if t.state == stateInQuote {
			t.state = stateInWord
		} else {
			t.state = stateInQuote
		}
	case isSpace(r) && t.state == stateInWord:
		t.flush()
	default:
		t.word.WriteRune(r)
	}
}

// Finish flushes the pending word and returns the argument vector.
// A dangling backslash is dropped and an unterminated quote keeps what it collected.
// The Tokenizer is reset afterwards.
func (t *Tokenizer) Finish() []string {
	t.flush()
	argv := t.argv
	*t = Tokenizer{}

	return argv
}

// InQuote reports whether the input so far ends inside a quote.
func (t *Tokenizer) InQuote() bool {
	return t.state == stateInQuote
}

func (t *Tokenizer) flush() {
	if t.word.Len() == 0 {
		return
	}

	t.argv = append(t.argv, t.word.String())
	t.word.Reset()
}

// Split tokenizes cmd. For example `echo 'a b' c\ d` yields ["echo", "a b", "c d"].
func Split(cmd string) []string {
	var t Tokenizer
	for _, r := range cmd {
		t.Feed(r)
	}

	return t.Finish()
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
