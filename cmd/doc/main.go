// Package main generates the configuration reference in the pgactivity
// README from the type definitions and doc comments in pkg/config.
//
// The reference replaces whatever sits between the begin and end markers
// in the README, so the rest of the file stays hand-written.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/ast"
	"go/doc"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"regexp"
	"strings"
	"text/template"
)

const (
	beginMarker = "<!-- config-reference:begin -->"
	endMarker   = "<!-- config-reference:end -->"
)

// FieldDoc describes a JSON field in the configuration.
type FieldDoc struct {
	Name        string // JSON field name
	GoName      string
	JSONType    string // type for display, with links to nested types
	Nested      string // name of the documented type the field refers to
	Description string
}

// TypeDoc describes a configuration struct.
type TypeDoc struct {
	Name        string
	Description string
	Fields      []FieldDoc
}

var (
	readme    = flag.String("readme", "README.md", "README to update in place")
	configPkg = flag.String("config-pkg", "pkg/config", "path to config package")
	root      = flag.String("root", "Config", "top-level configuration type")
)

func main() {
	flag.Parse()

	types, err := parseConfigPackage(*configPkg, *root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config package: %v\n", err)
		os.Exit(1)
	}

	content, err := os.ReadFile(*readme)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading README: %v\n", err)
		os.Exit(1)
	}

	var ref bytes.Buffer
	if err := referenceTemplate.Execute(&ref, types); err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering reference: %v\n", err)
		os.Exit(1)
	}

	out, err := splice(content, ref.Bytes())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error updating %s: %v\n", *readme, err)
		os.Exit(1)
	}
	if err := os.WriteFile(*readme, out, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing README: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated configuration reference in %s\n", *readme)
}

var referenceTemplate = template.Must(template.New("reference").Funcs(template.FuncMap{
	"oneline": func(s string) string { return strings.Join(strings.Fields(s), " ") },
}).Parse(`{{range .}}
#### {{.Name}}
{{with .Description}}
{{oneline .}}
{{end}}
| field | type | description |
|---|---|---|
{{range .Fields}}| ` + "`{{.Name}}`" + ` | {{.JSONType}} | {{oneline .Description}} |
{{end}}{{end}}`))

// splice replaces the text between the reference markers with ref.
func splice(content, ref []byte) ([]byte, error) {
	begin := bytes.Index(content, []byte(beginMarker))
	end := bytes.Index(content, []byte(endMarker))
	if begin < 0 || end < begin {
		return nil, fmt.Errorf("missing %s ... %s markers", beginMarker, endMarker)
	}
	var out bytes.Buffer
	out.Write(content[:begin+len(beginMarker)])
	out.WriteByte('\n')
	out.Write(bytes.TrimSpace(ref))
	out.WriteString("\n\n")
	out.Write(content[end:])
	return out.Bytes(), nil
}

// parseConfigPackage returns the JSON-tagged struct types of the package at
// pkgPath that are reachable from root, depth first in field order.
func parseConfigPackage(pkgPath, root string) ([]TypeDoc, error) {
	fset := token.NewFileSet()
	pkgs, err := parser.ParseDir(fset, pkgPath, func(fi os.FileInfo) bool {
		return !strings.HasSuffix(fi.Name(), "_test.go")
	}, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parsing package: %w", err)
	}

	byName := map[string]*TypeDoc{}
	for _, pkg := range pkgs {
		for _, t := range doc.New(pkg, pkgPath, 0).Types {
			if td := extractTypeDoc(t); td != nil {
				byName[td.Name] = td
			}
		}
	}
	if _, ok := byName[root]; !ok {
		return nil, fmt.Errorf("type %s not found in %s", root, pkgPath)
	}

	var result []TypeDoc
	visited := map[string]bool{}
	var visit func(name string)
	visit = func(name string) {
		t, ok := byName[name]
		if !ok || visited[name] {
			return
		}
		visited[name] = true
		for i := range t.Fields {
			f := &t.Fields[i]
			if _, ok := byName[f.Nested]; !ok {
				f.Nested = ""
			}
			f.JSONType = jsonType(f.JSONType, f.Nested)
		}
		result = append(result, *t)
		for _, f := range t.Fields {
			visit(f.Nested)
		}
	}
	visit(root)
	return result, nil
}

func extractTypeDoc(t *doc.Type) *TypeDoc {
	for _, spec := range t.Decl.Specs {
		ts, ok := spec.(*ast.TypeSpec)
		if !ok || !ts.Name.IsExported() {
			continue
		}
		st, ok := ts.Type.(*ast.StructType)
		if !ok {
			continue
		}
		td := &TypeDoc{
			Name:        ts.Name.Name,
			Description: trimSubject(ts.Name.Name, t.Doc),
		}
		for _, field := range st.Fields.List {
			if fd := extractFieldDoc(field); fd != nil {
				td.Fields = append(td.Fields, *fd)
			}
		}
		if len(td.Fields) > 0 {
			return td
		}
	}
	return nil
}

func extractFieldDoc(field *ast.Field) *FieldDoc {
	if field.Tag == nil || len(field.Names) == 0 {
		return nil
	}
	tag := reflect.StructTag(strings.Trim(field.Tag.Value, "`"))
	name, _, _ := strings.Cut(tag.Get("json"), ",")
	if name == "" || name == "-" {
		return nil
	}

	var comment string
	if field.Doc != nil {
		comment = field.Doc.Text()
	} else if field.Comment != nil {
		comment = field.Comment.Text()
	}

	goType := formatType(field.Type)
	return &FieldDoc{
		Name:        name,
		GoName:      field.Names[0].Name,
		JSONType:    goType,
		Nested:      elemType(goType),
		Description: trimSubject(field.Names[0].Name, comment),
	}
}

var subjectRE = regexp.MustCompile(`^(is|are|holds|configures|describes|identifies|enables|adds) `)

// trimSubject drops a leading "Name is ..." from a doc comment.
func trimSubject(name, desc string) string {
	desc = strings.TrimSpace(desc)
	rest, ok := strings.CutPrefix(desc, name+" ")
	if !ok {
		return desc
	}
	if loc := subjectRE.FindStringIndex(rest); loc != nil {
		rest = rest[loc[1]:]
		return strings.ToUpper(rest[:1]) + rest[1:]
	}
	return desc
}

func formatType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + formatType(t.X)
	case *ast.ArrayType:
		return "[]" + formatType(t.Elt)
	case *ast.MapType:
		return "map[" + formatType(t.Key) + "]" + formatType(t.Value)
	case *ast.SelectorExpr:
		return formatType(t.X) + "." + t.Sel.Name
	}
	return fmt.Sprintf("%T", expr)
}

// elemType returns the named type at the bottom of pointers, slices and
// map values.
func elemType(goType string) string {
	for {
		switch {
		case strings.HasPrefix(goType, "*"):
			goType = goType[1:]
		case strings.HasPrefix(goType, "[]"):
			goType = goType[2:]
		case strings.HasPrefix(goType, "map["):
			_, goType, _ = strings.Cut(goType, "]")
		default:
			return goType
		}
	}
}

// jsonType renders goType the way it appears in the JSON file, linking
// nested to its section.
func jsonType(goType, nested string) string {
	switch {
	case strings.HasPrefix(goType, "*"):
		return jsonType(goType[1:], nested)
	case strings.HasPrefix(goType, "[]"):
		return "list of " + jsonType(goType[2:], nested)
	case strings.HasPrefix(goType, "map["):
		_, value, _ := strings.Cut(goType, "]")
		return "map of " + jsonType(value, nested)
	case goType == nested:
		return fmt.Sprintf("[%s](#%s)", nested, strings.ToLower(nested))
	}
	switch goType {
	case "int", "int32", "int64", "uint16":
		return "integer"
	case "float64":
		return "number"
	case "bool":
		return "boolean"
	case "Duration":
		return "duration string"
	}
	return goType
}
