package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/nconghau/AuroraKV/internal/storage"
)

const (
	formatJSON = "json"
	formatRaw  = "raw"
)

// dump writes every live pair to path. The json format is one object of
// string values; raw keeps arbitrary bytes intact.
func (s *session) dump(path, format string) error {
	var (
		n   int
		err error
	)
	switch format {
	case formatJSON:
		n, err = s.dumpJSON(path)
	case formatRaw:
		n, err = s.dumpRaw(path)
	default:
		return errors.Newf("unknown dump format %q", format)
	}
	if err != nil {
		return errors.Wrapf(err, "dump %s", path)
	}
	fmt.Fprintf(s.out, "Dumped %d entries to %s\n", n, path)
	return nil
}

func (s *session) dumpJSON(path string) (n int, err error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.CombineErrors(err, f.Close()) }()

	it, err := s.db.Scan(nil, nil)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.CombineErrors(err, it.Close()) }()

	w := bufio.NewWriter(f)
	w.WriteString("{")
	for it.Next() {
		k, _ := json.Marshal(string(it.Key()))
		v, _ := json.Marshal(string(it.Value()))
		if n > 0 {
			w.WriteString(",")
		}
		w.WriteString("\n  ")
		w.Write(k)
		w.WriteString(": ")
		w.Write(v)
		n++
	}
	if err := it.Error(); err != nil {
		return n, err
	}
	w.WriteString("\n}\n")
	return n, w.Flush()
}

func (s *session) dumpRaw(path string) (n int, err error) {
	w, err := storage.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.CombineErrors(err, w.Close()) }()

	it, err := s.db.Scan(nil, nil)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.CombineErrors(err, it.Close()) }()

	for it.Next() {
		if err := w.Append(it.Key(), it.Value()); err != nil {
			return w.Count(), err
		}
	}
	return w.Count(), it.Error()
}

// restore puts every pair from a dump file. Existing keys are overwritten.
func (s *session) restore(path, format string) error {
	var (
		n   int
		err error
	)
	switch format {
	case formatJSON:
		n, err = s.restoreJSON(path)
	case formatRaw:
		n, err = storage.Iterate(path, func(key, value []byte) error {
			return s.db.Put(key, value)
		})
	default:
		return errors.Newf("unknown dump format %q", format)
	}
	if err != nil {
		return errors.Wrapf(err, "restore %s after %d entries", path, n)
	}
	fmt.Fprintf(s.out, "Restored %d entries from %s\n", n, path)
	return nil
}

// restoreJSON streams the object so large dumps are not held in memory.
func (s *session) restoreJSON(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return 0, errors.New("dump must be a JSON object")
	}
	n := 0
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return n, err
		}
		key, ok := tok.(string)
		if !ok {
			return n, errors.Newf("unexpected token %v", tok)
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return n, errors.Wrapf(err, "value of %q", key)
		}
		if err := s.db.Put([]byte(key), []byte(value)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
