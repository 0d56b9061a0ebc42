package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/loqalabs/loqa-dialogue/internal/grammar"
)

var version = "0.1.0-dev"

func main() {
	var grammarPath string
	newFlags := func(name string) *flag.FlagSet {
		fs := flag.NewFlagSet(name, flag.ExitOnError)
		fs.StringVar(&grammarPath, "file", "", "Path to grammar file (empty for the built-in table)")
		return fs
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'lookup', 'dump' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		fs := newFlags("validate")
		fs.Parse(os.Args[2:])
		table, err := grammar.LoadOrDefault(grammarPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("grammar valid (%d keywords)\n", table.Len())
	case "lookup":
		fs := newFlags("lookup")
		fs.Parse(os.Args[2:])
		if fs.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: grammarctl lookup [-file grammar.yaml] <utterance>")
			os.Exit(2)
		}
		if err := runLookup(grammarPath, strings.Join(fs.Args(), " ")); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "dump":
		fs := newFlags("dump")
		fs.Parse(os.Args[2:])
		if err := runDump(grammarPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runLookup(path, utterance string) error {
	table, err := grammar.LoadOrDefault(path)
	if err != nil {
		return err
	}
	entry := table.Lookup(utterance)
	if entry.Empty() {
		return fmt.Errorf("no grammar entry for %q", utterance)
	}
	fmt.Println(describe(entry))
	return nil
}

func describe(e grammar.Entry) string {
	var parts []string
	if e.Person != "" {
		parts = append(parts, "person="+e.Person)
	}
	if e.Day != "" {
		parts = append(parts, "day="+e.Day)
	}
	if e.Time != "" {
		parts = append(parts, "time="+e.Time)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%t", *e.Value))
	}
	if e.Type != "" {
		parts = append(parts, "type="+e.Type)
	}
	return strings.Join(parts, " ")
}

func runDump(path string) error {
	table, err := grammar.LoadOrDefault(path)
	if err != nil {
		return err
	}
	data, err := table.Marshal()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
