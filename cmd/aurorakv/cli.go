package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/cockroachdb/errors"
)

const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// RunShell reads commands until exit, EOF or interrupt.
func RunShell(s *session, rl *readline.Instance) {
	for {
		line, err := rl.Readline()
		if err != nil {
			// Ctrl+D / Ctrl+C
			fmt.Fprintln(s.out)
			return
		}
		quit, err := s.exec(line)
		if err != nil {
			slog.Debug("Shell command failed", "component", "cli", "line", line, "error", err)
			fmt.Fprintln(s.out, ColorRed+"Error: "+err.Error()+ColorReset)
		}
		if quit {
			fmt.Fprintln(s.out, "Bye!")
			return
		}
	}
}

func newReadline(s *session) (*readline.Instance, error) {
	history := filepath.Join(os.TempDir(), "aurorakv.history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ColorYellow + "aurorakv> " + ColorReset,
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer{db: s.db},
	})
	if err != nil {
		return nil, errors.Wrap(err, "init readline")
	}
	return rl, nil
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, ColorCyan+"Commands:"+ColorReset)
	fmt.Fprintln(w, "  put <key> <value>            store a value")
	fmt.Fprintln(w, "  get <key>                    read a value")
	fmt.Fprintln(w, "  delete <key>                 delete a key")
	fmt.Fprintln(w, "  scan [start] [end]           list live pairs in [start, end)")
	fmt.Fprintln(w, "  flush                        write the memtable to level 0")
	fmt.Fprintln(w, "  compact                      run one compaction pass")
	fmt.Fprintln(w, "  start <leveling|tiering>     set the compaction strategy")
	fmt.Fprintln(w, "  stats                        engine counters")
	fmt.Fprintln(w, "  levels                       sstables per level")
	fmt.Fprintln(w, "  dump <file> [json|raw]       export all pairs")
	fmt.Fprintln(w, "  restore <file> [json|raw]    import a dump")
	fmt.Fprintln(w, "  exit")
}
