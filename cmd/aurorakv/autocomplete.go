package main

import (
	"strings"

	"github.com/nconghau/AuroraKV/internal/engine"
)

// maxKeySuggestions bounds the scan behind key completion.
const maxKeySuggestions = 50

// completer implements readline.AutoCompleter.
type completer struct {
	db engine.Engine
}

var keyCommands = map[string]bool{"get": true, "delete": true, "del": true, "put": true}

// Do completes the token under the cursor: a command name first, then a
// strategy for start or an existing key for key commands.
func (c completer) Do(line []rune, pos int) ([][]rune, int) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(line) {
		pos = len(line)
	}
	prefix := string(line[:pos])
	fields := strings.Fields(prefix)

	var token string
	tokenIndex := len(fields)
	if prefix != "" && !strings.HasSuffix(prefix, " ") && !strings.HasSuffix(prefix, "\t") && len(fields) > 0 {
		token = fields[len(fields)-1]
		tokenIndex = len(fields) - 1
	}

	if tokenIndex == 0 {
		return matchAndExpand(allCommands, token), len([]rune(token))
	}
	if tokenIndex != 1 {
		return nil, 0
	}

	cmd := strings.ToLower(fields[0])
	switch {
	case cmd == "start":
		return matchAndExpand([]string{"leveling", "tiering"}, token), len([]rune(token))
	case keyCommands[cmd] && c.db != nil:
		return matchAndExpand(c.keysWithPrefix(token), token), len([]rune(token))
	}
	return nil, 0
}

func (c completer) keysWithPrefix(prefix string) []string {
	it, err := c.db.Scan([]byte(prefix), nil)
	if err != nil {
		return nil
	}
	defer it.Close()
	var keys []string
	for it.Next() && len(keys) < maxKeySuggestions {
		k := string(it.Key())
		if !strings.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	return keys
}

// matchAndExpand returns the options starting with prefix, ignoring case.
// Readline replaces the token itself, so only the suffixes are returned.
func matchAndExpand(options []string, prefix string) [][]rune {
	lpre := strings.ToLower(prefix)
	var out [][]rune
	for _, o := range options {
		if strings.HasPrefix(strings.ToLower(o), lpre) {
			out = append(out, []rune(o[len(prefix):]))
		}
	}
	return out
}
