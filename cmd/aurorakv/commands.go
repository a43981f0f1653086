package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/engine"
	"github.com/olekukonko/tablewriter"
	"github.com/shirou/gopsutil/v3/disk"
)

// session runs commands against an open engine. The one-shot CLI and the
// interactive shell share it.
type session struct {
	db      engine.Engine
	out     io.Writer
	dataDir string
}

// errUsage marks a malformed command line.
var errUsage = errors.New("usage")

func usageErr(format string) error {
	return errors.Mark(errors.Newf("usage: %s", format), errUsage)
}

var allCommands = []string{
	"put", "get", "delete", "scan", "flush", "stats", "levels",
	"compact", "start", "dump", "restore", "help", "exit",
}

// exec runs one shell line. It reports true when the shell should exit.
func (s *session) exec(line string) (bool, error) {
	cmd, rest := splitCmdRest(strings.TrimSpace(line))
	args := strings.Fields(rest)
	switch strings.ToLower(cmd) {
	case "":
		return false, nil
	case "put":
		key, value := splitCmdRest(rest)
		if key == "" {
			return false, usageErr("put <key> <value>")
		}
		return false, s.put(key, value)
	case "get":
		if len(args) != 1 {
			return false, usageErr("get <key>")
		}
		return false, s.get(args[0])
	case "delete", "del":
		if len(args) != 1 {
			return false, usageErr("delete <key>")
		}
		return false, s.delete(args[0])
	case "scan":
		if len(args) > 2 {
			return false, usageErr("scan [start] [end]")
		}
		start, end := "", ""
		if len(args) > 0 {
			start = args[0]
		}
		if len(args) > 1 {
			end = args[1]
		}
		return false, s.scan(start, end, 0)
	case "flush":
		return false, s.flush()
	case "stats":
		return false, s.stats()
	case "levels":
		return false, s.levels()
	case "compact":
		return false, s.compact()
	case "start":
		if len(args) != 1 {
			return false, usageErr("start <leveling|tiering>")
		}
		return false, s.start(args[0])
	case "dump":
		if len(args) < 1 || len(args) > 2 {
			return false, usageErr("dump <file> [json|raw]")
		}
		return false, s.dump(args[0], formatArg(args))
	case "restore":
		if len(args) < 1 || len(args) > 2 {
			return false, usageErr("restore <file> [json|raw]")
		}
		return false, s.restore(args[0], formatArg(args))
	case "help":
		printHelp(s.out)
		return false, nil
	case "exit", "quit":
		return true, nil
	default:
		return false, errors.Newf("unknown command %q (try help)", cmd)
	}
}

func formatArg(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return formatJSON
}

func (s *session) put(key, value string) error {
	if err := s.db.Put([]byte(key), []byte(value)); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *session) get(key string) error {
	val, err := s.db.Get([]byte(key))
	if errors.Is(err, engine.ErrNotFound) {
		fmt.Fprintln(s.out, "(not found)")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(val))
	return nil
}

func (s *session) delete(key string) error {
	if err := s.db.Delete([]byte(key)); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

// scan prints key=value lines; limit <= 0 prints everything.
func (s *session) scan(start, end string, limit int) error {
	it, err := s.db.Scan([]byte(start), []byte(end))
	if err != nil {
		return err
	}
	n := 0
	for it.Next() {
		if limit > 0 && n >= limit {
			fmt.Fprintf(s.out, "... (truncated at %d)\n", limit)
			break
		}
		fmt.Fprintf(s.out, "%s=%s\n", it.Key(), it.Value())
		n++
	}
	if err := errors.CombineErrors(it.Error(), it.Close()); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d entries)\n", n)
	return nil
}

func (s *session) flush() error {
	if err := s.db.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Flushed")
	return nil
}

func (s *session) compact() error {
	if err := s.db.Compact(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Compaction pass complete")
	return nil
}

func (s *session) start(name string) error {
	strategy, err := engine.ParseStrategy(name)
	if err != nil {
		return err
	}
	if err := s.db.SetCompactionStrategy(strategy); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Compaction strategy:", strategy)
	return nil
}

func (s *session) stats() error {
	st := s.db.Stats()
	var total uint64
	for _, l := range s.db.Levels() {
		total += l.Bytes
	}

	tbl := tablewriter.NewWriter(s.out)
	tbl.SetHeader([]string{"Metric", "Value"})
	rows := [][]string{
		{"strategy", s.db.CompactionStrategy().String()},
		{"puts", u64(st.Puts)},
		{"gets", u64(st.Gets)},
		{"deletes", u64(st.Deletes)},
		{"flushes", u64(st.Flushes)},
		{"compactions", u64(st.Compactions)},
		{"bytes written", u64(st.BytesWritten)},
		{"compaction bytes", u64(st.CompactionBytes)},
		{"sstables read", u64(st.SSTablesRead)},
		{"sstables per get (mean)", strconv.FormatFloat(st.SSTablesPerGetMean, 'f', 2, 64)},
		{"sstables per get (p99)", strconv.FormatInt(st.SSTablesPerGetP99, 10)},
		{"sstables per get (max)", strconv.FormatInt(st.SSTablesPerGetMax, 10)},
		{"sstable bytes", u64(total)},
	}
	if s.dataDir != "" {
		if usage, err := disk.Usage(s.dataDir); err == nil {
			rows = append(rows,
				[]string{"disk used", fmt.Sprintf("%.1f%%", usage.UsedPercent)},
				[]string{"disk free", u64(usage.Free)},
			)
		}
	}
	tbl.AppendBulk(rows)
	tbl.Render()
	return nil
}

func (s *session) levels() error {
	tbl := tablewriter.NewWriter(s.out)
	tbl.SetHeader([]string{"Level", "File", "Min Key", "Max Key", "Size"})
	for _, l := range s.db.Levels() {
		lvl := strconv.Itoa(l.Level)
		if len(l.Files) == 0 {
			tbl.Append([]string{lvl, "-", "", "", "0"})
			continue
		}
		for _, f := range l.Files {
			tbl.Append([]string{lvl, f.Name, f.MinKey, f.MaxKey, u64(f.Size)})
		}
	}
	tbl.Render()

	for _, l := range s.db.Levels() {
		fmt.Fprintf(s.out, "L%d: %d files, %s / %s bytes\n", l.Level, len(l.Files), u64(l.Bytes), u64(l.MaxBytes))
	}
	return nil
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// splitCmdRest extracts the first token and the rest of the line (raw).
func splitCmdRest(line string) (cmd, rest string) {
	for i, r := range line {
		if r == ' ' || r == '\t' {
			return line[:i], strings.TrimSpace(line[i+1:])
		}
	}
	return line, ""
}
