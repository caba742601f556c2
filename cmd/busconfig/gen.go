package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/curtisnewbie/shopbus/util/strutil"
	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
	"github.com/dave/dst/dstutil"
)

const (
	TagPrefix = "misoconfig-"

	tagSection = "section"
	tagProp    = "prop"
	tagEnv     = "env"
	tagDocOnly = "doc-only"

	TableEmbedStart   = "<!-- misoconfig-table-start -->"
	TableEmbedEnd     = "<!-- misoconfig-table-end -->"
	DefaultEmbedStart = "// misoconfig-default-start"
	DefaultEmbedEnd   = "// misoconfig-default-end"

	generalSection = "General"
)

var (
	digits    = regexp.MustCompile(`^[0-9]+$`)
	codeBlock = regexp.MustCompile("^`(.*)`$")
)

type Tag struct {
	Command string
	Body    string
}

// Prop declared with misoconfig-* comments.
type Decl struct {
	Source       string
	Package      string
	Name         string
	ConstName    string
	Description  string
	DefaultValue string
	Section      string
	Env          []string
	DocOnly      bool
}

type Section struct {
	Name  string
	Decls []Decl
}

// Parse 'misoconfig-*' tags in comment lines.
func parseTags(comments dst.Decorations) []Tag {
	var tags []Tag
	for _, s := range comments {
		s = strings.TrimSpace(s)
		s, _ = strings.CutPrefix(s, "//")
		s = strings.TrimSpace(s)
		m, ok := strings.CutPrefix(s, TagPrefix)
		if !ok {
			continue
		}
		if cmd, body, found := strings.Cut(m, ":"); found {
			tags = append(tags, Tag{Command: strings.TrimSpace(cmd), Body: strings.TrimSpace(body)})
		} else {
			tags = append(tags, Tag{Command: strings.TrimSpace(m), Body: strings.TrimSpace(m)})
		}
	}
	return tags
}

// Parse prop declarations in go source, src is read from path if it's nil.
func ParseFile(path string, src any) ([]Decl, error) {
	f, err := decorator.ParseFile(token.NewFileSet(), path, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %v, %w", path, err)
	}

	var decls []Decl
	section := ""
	dstutil.Apply(f, func(c *dstutil.Cursor) bool {
		switch n := c.Node().(type) {
		case *dst.GenDecl:
			for _, t := range parseTags(n.Decs.Start) {
				if t.Command == tagSection {
					section = t.Body
				}
			}
		case *dst.ValueSpec:
			if d, ok := parseDecl(n, path, f.Name.Name, section); ok {
				decls = append(decls, d)
			}
		}
		return true
	}, nil)
	return decls, nil
}

func parseDecl(n *dst.ValueSpec, path string, pkg string, section string) (Decl, bool) {
	tags := parseTags(n.Decs.Start)
	if len(tags) < 1 || len(n.Names) < 1 {
		return Decl{}, false
	}
	d := Decl{Source: path, Package: pkg, ConstName: n.Names[len(n.Names)-1].Name}
	found := false
	for _, t := range tags {
		switch t.Command {
		case tagProp:
			found = true
			desc, dv, _ := strings.Cut(t.Body, "|")
			d.Description = strings.TrimSpace(desc)
			d.DefaultValue = strings.TrimSpace(dv)
		case tagEnv:
			for _, e := range strings.Split(t.Body, ",") {
				if e = strings.TrimSpace(e); e != "" {
					d.Env = append(d.Env, e)
				}
			}
		case tagDocOnly:
			d.DocOnly = true
		}
	}
	if !found {
		return Decl{}, false
	}
	for _, v := range n.Values {
		if bl, ok := v.(*dst.BasicLit); ok && bl.Kind == token.STRING {
			if s, err := strconv.Unquote(bl.Value); err == nil {
				d.Name = s
			}
		}
	}
	if d.Name == "" {
		return Decl{}, false
	}
	if section == "" {
		section = generalSection
	}
	d.Section = section
	return d, true
}

// Walk go files under root, directories starting with '.' or '_' and testdata are skipped.
func WalkGoFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			n := d.Name()
			if p != root && (strings.HasPrefix(n, ".") || strings.HasPrefix(n, "_") || n == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(p, ".go") && !strings.HasSuffix(p, "_test.go") {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

// Group declarations by section, sections with 'Common' or 'General' in their name go first.
func GroupSections(decls []Decl) []Section {
	bySec := map[string][]Decl{}
	for _, d := range decls {
		bySec[d.Section] = append(bySec[d.Section], d)
	}
	sections := make([]Section, 0, len(bySec))
	for k, v := range bySec {
		sections = append(sections, Section{Name: k, Decls: v})
	}
	prioritised := func(n string) bool {
		return strings.Contains(n, "Common") || strings.Contains(n, generalSection)
	}
	sort.SliceStable(sections, func(i, j int) bool {
		pi, pj := prioritised(sections[i].Name), prioritised(sections[j].Name)
		if pi != pj {
			return pi
		}
		return sections[i].Name < sections[j].Name
	})
	return sections
}

// Render markdown tables, one per section.
func RenderTable(sections []Section) string {
	var sb strings.Builder
	for _, sec := range sections {
		rows := make([][3]string, 0, len(sec.Decls))
		for _, d := range sec.Decls {
			if d.Description == "" {
				continue
			}
			desc := d.Description
			if len(d.Env) > 0 {
				desc += fmt.Sprintf(" (env: %s)", strings.Join(d.Env, ", "))
			}
			rows = append(rows, [3]string{d.Name, desc, d.DefaultValue})
		}
		if len(rows) < 1 {
			continue
		}

		width := [3]int{len("property"), len("description"), len("default value")}
		for _, r := range rows {
			for i := range r {
				width[i] = max(width[i], len(r[i]))
			}
		}
		line := func(r [3]string) {
			sb.WriteString(fmt.Sprintf("| %s | %s | %s |\n",
				strutil.PadSpace(r[0], width[0]), strutil.PadSpace(r[1], width[1]), strutil.PadSpace(r[2], width[2])))
		}

		sb.WriteString(fmt.Sprintf("\n## %s\n\n", sec.Name))
		line([3]string{"property", "description", "default value"})
		line([3]string{strings.Repeat("-", width[0]), strings.Repeat("-", width[1]), strings.Repeat("-", width[2])})
		for _, r := range rows {
			line(r)
		}
	}
	return sb.String()
}

// Render the init() func that sets default values and binds env, empty string is returned if nothing to set.
func RenderDefaults(decls []Decl) string {
	var set, env []string
	for _, d := range decls {
		if d.DocOnly {
			continue
		}
		prefix := ""
		if d.Package != "miso" {
			prefix = "miso."
		}
		if d.DefaultValue != "" {
			set = append(set, fmt.Sprintf("\t%sSetDefProp(%s, %s)", prefix, d.ConstName, goLiteral(d.DefaultValue)))
		}
		if len(d.Env) > 0 {
			q := make([]string, 0, len(d.Env))
			for _, e := range d.Env {
				q = append(q, strconv.Quote(e))
			}
			env = append(env, fmt.Sprintf("\t%sBindEnv(%s, %s)", prefix, d.ConstName, strings.Join(q, ", ")))
		}
	}
	if len(set)+len(env) < 1 {
		return ""
	}
	var b strings.Builder
	b.WriteString("func init() {\n")
	for _, s := range set {
		b.WriteString(s + "\n")
	}
	if len(set) > 0 && len(env) > 0 {
		b.WriteString("\n")
	}
	for _, s := range env {
		b.WriteString(s + "\n")
	}
	b.WriteString("}")
	return b.String()
}

func goLiteral(v string) string {
	lv := strings.ToLower(v)
	switch {
	case lv == "true" || lv == "false":
		return lv
	case digits.MatchString(v):
		return v
	case codeBlock.MatchString(v):
		return codeBlock.FindStringSubmatch(v)[1]
	}
	if uq, err := strconv.Unquote(v); err == nil {
		return strconv.Quote(uq)
	}
	return strconv.Quote(v)
}

// Replace lines between start and end markers with embedded, false is returned if the markers are missing.
func Embed(contents string, embedded string, start string, end string) (string, bool) {
	startOffset, endOffset := -1, -1
	lines := strings.Split(contents, "\n")
	for i, l := range lines {
		switch strings.TrimSpace(l) {
		case start:
			if startOffset < 0 {
				startOffset = i
			}
		case end:
			if startOffset > -1 && endOffset < 0 {
				endOffset = i
			}
		}
	}
	if startOffset < 0 || endOffset < 0 {
		return "", false
	}
	before := strings.Join(lines[:startOffset+1], "\n")
	after := strings.Join(lines[endOffset:], "\n")
	return before + "\n" + embedded + "\n\n" + after, true
}
