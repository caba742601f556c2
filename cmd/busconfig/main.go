package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const DefaultConfigFile = "doc/config.md"

var (
	Debug = flag.Bool("debug", false, "Enable debug log")
	Path  = flag.String("path", DefaultConfigFile, "Path to the generated markdown config table file")
	Root  = flag.String("root", ".", "Root directory of the go module")
)

func main() {
	flag.Usage = func() {
		printlnf("\nbusconfig - generate configuration tables and default values based on misoconfig-* comments\n")
		printlnf("Usage of %s:", os.Args[0])
		flag.PrintDefaults()
		printlnf(`
For example, in conf.go:

  // misoconfig-section: RabbitMQ Configuration
  const (

	  // misoconfig-prop: name of the exchange used for events | shopbus
	  // misoconfig-env: EXCHANGE_NAME
	  PropRabbitMqExchangeName = "rabbitmq.exchange.name"
  )

  // misoconfig-default-start
  // misoconfig-default-end

In ./doc/config.md:

  <!-- misoconfig-table-start -->
  <!-- misoconfig-table-end -->
`)
	}
	flag.Parse()

	if err := run(*Root, *Path); err != nil {
		printlnf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(root string, tablePath string) error {
	files, err := WalkGoFiles(root)
	if err != nil {
		return fmt.Errorf("failed to walk %v, %w", root, err)
	}

	var decls []Decl
	for _, f := range files {
		d, err := ParseFile(f, nil)
		if err != nil {
			return err
		}
		if *Debug && len(d) > 0 {
			printlnf("[DEBUG] Found %d props in %v", len(d), f)
		}
		decls = append(decls, d...)
	}
	if len(decls) < 1 {
		printlnf("No misoconfig-prop found")
		return nil
	}

	if err := writeTable(tablePath, GroupSections(decls)); err != nil {
		return err
	}

	bySrc := map[string][]Decl{}
	var srcs []string
	for _, d := range decls {
		if _, ok := bySrc[d.Source]; !ok {
			srcs = append(srcs, d.Source)
		}
		bySrc[d.Source] = append(bySrc[d.Source], d)
	}
	for _, src := range srcs {
		if err := writeDefaults(src, bySrc[src]); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(path string, sections []Section) error {
	table := RenderTable(sections)
	out := "# Configurations\n" + table

	if b, err := os.ReadFile(path); err == nil {
		if v, ok := Embed(string(b), table, TableEmbedStart, TableEmbedEnd); ok {
			out = v
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dir for %v, %w", path, err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write config table file %v, %w", path, err)
	}
	printlnf("Generated config table to %v", path)
	return nil
}

func writeDefaults(src string, decls []Decl) error {
	code := RenderDefaults(decls)
	if code == "" {
		return nil
	}
	b, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %v, %w", src, err)
	}
	v, ok := Embed(string(b), code, DefaultEmbedStart, DefaultEmbedEnd)
	if !ok || v == string(b) {
		return nil
	}
	if err := os.WriteFile(src, []byte(v), 0o644); err != nil {
		return fmt.Errorf("failed to write %v, %w", src, err)
	}
	printlnf("Generated default config code in %v", src)
	return nil
}

func printlnf(pat string, args ...any) {
	fmt.Printf(strings.TrimSuffix(pat, "\n")+"\n", args...)
}
