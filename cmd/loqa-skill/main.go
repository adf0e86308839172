package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/skills/manifest"
	cli "github.com/spf13/pflag"
)

var version = "0.1.0-dev"

const usage = `usage: loqa-skill <command> [flags]

commands:
  validate  check a skill manifest (--file)
  actions   list the actions declared by every skill under --dir
  version   print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		flags := cli.NewFlagSet("validate", cli.ExitOnError)
		path := flags.StringP("file", "f", "skill.yaml", "Path to skill manifest")
		_ = flags.Parse(os.Args[2:])
		if err := runValidate(*path); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("manifest valid")
	case "actions":
		flags := cli.NewFlagSet("actions", cli.ExitOnError)
		dir := flags.StringP("dir", "d", "./skills", "Skills directory")
		_ = flags.Parse(os.Args[2:])
		if err := listActions(os.Stdout, *dir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
}

func runValidate(path string) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	return manifest.Validate(m)
}

// listActions prints one line per declared action, skipping invalid
// manifests with a note.
func listActions(w io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type row struct{ action, skill, args, desc string }
	var rows []row
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), "skill.yaml")
		m, err := manifest.Load(path)
		if err != nil {
			continue
		}
		if err := manifest.Validate(m); err != nil {
			fmt.Fprintf(w, "# %s: %v\n", entry.Name(), err)
			continue
		}
		for _, a := range m.Actions {
			rows = append(rows, row{a.Name, m.Metadata.Name, strings.Join(a.Args, ","), a.Description})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].action < rows[j].action })
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t(%s)\t%s\n", r.action, r.skill, r.args, r.desc)
	}
	return nil
}
