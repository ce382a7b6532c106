// Package parser implements the Parser Façade (spec.md §4.2/§6): a
// best-effort, per-language extraction of symbols, imports, calls and
// inheritance edges from one file's content. Go is parsed with go/ast;
// every other language is handled with the regex-driven heuristics the
// conexus chunker uses for its own multi-language support, narrowed down
// to declaration and reference detection instead of chunk boundaries.
// Unsupported languages return an empty, non-error result per spec.md §6.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"go/ast"
	goparser "go/parser"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"github.com/robomonkey/core/pkg/models"
)

// Symbol is one declaration the parser extracted, prior to being assigned
// a database ID by the Indexer.
type Symbol struct {
	FQN       string
	Name      string
	Kind      models.SymbolKind
	Signature string
	Docstring string
	StartLine int
	EndLine   int
}

// Call is a reference from one symbol to a callee name, resolved to an
// actual Symbol by the Indexer (possibly ambiguously — spec.md §4.2's
// confidence rule applies there, not here).
type Call struct {
	CallerFQN  string
	CalleeName string
	Line       int
}

// Inherit is a reference from one type to a base/interface name.
type Inherit struct {
	SubFQN   string
	BaseName string
	Line     int
}

// Result is everything the Parser Façade extracts from one file.
type Result struct {
	Symbols  []Symbol
	Imports  []string
	Calls    []Call
	Inherits []Inherit
}

// ContentHash returns the truncated SHA-256 digest spec.md §4.2 uses for
// symbol/chunk identity and idempotency checks.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// Parse extracts symbols, imports, calls and inheritance edges from
// content, dispatching on language. Returns a zero-value Result (no
// error) for languages with no extraction support.
func Parse(language, path, content string) (Result, error) {
	switch language {
	case "go":
		return parseGo(path, content)
	case "python":
		return parseRegexLanguage(content, pyPatterns)
	case "javascript", "typescript":
		return parseRegexLanguage(content, jsPatterns)
	case "java":
		return parseRegexLanguage(content, javaPatterns)
	case "rust":
		return parseRegexLanguage(content, rustPatterns)
	default:
		return Result{}, nil
	}
}

func parseGo(path, content string) (Result, error) {
	fset := token.NewFileSet()
	f, err := goparser.ParseFile(fset, path, content, goparser.ParseComments)
	if err != nil {
		// Parse failures are a ParseFailure edge case per spec.md §4.2, not
		// a hard indexing error: the caller indexes the file with no
		// symbols, sliding-window chunking the whole file.
		return Result{}, err
	}

	var res Result
	for _, imp := range f.Imports {
		res.Imports = append(res.Imports, strings.Trim(imp.Path.Value, `"`))
	}

	byFQN := map[string]bool{}
	for _, decl := range f.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			recv := goReceiver(d)
			name := d.Name.Name
			fqn := name
			kind := models.SymbolFunction
			if recv != "" {
				fqn = recv + "." + name
				kind = models.SymbolMethod
			}
			start := fset.Position(d.Pos()).Line
			end := fset.Position(d.End()).Line
			res.Symbols = append(res.Symbols, Symbol{
				FQN: fqn, Name: name, Kind: kind,
				Signature: goSignature(d), Docstring: d.Doc.Text(),
				StartLine: start, EndLine: end,
			})
			byFQN[fqn] = true

			ast.Inspect(d.Body, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				callee := goCalleeName(call)
				if callee == "" {
					return true
				}
				res.Calls = append(res.Calls, Call{
					CallerFQN:  fqn,
					CalleeName: callee,
					Line:       fset.Position(call.Pos()).Line,
				})
				return true
			})

		case *ast.GenDecl:
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok {
					continue
				}
				kind := models.SymbolClass
				var bases []string
				switch t := ts.Type.(type) {
				case *ast.StructType:
					kind = models.SymbolClass
					for _, field := range t.Fields.List {
						if len(field.Names) == 0 {
							if name := goEmbeddedName(field.Type); name != "" {
								bases = append(bases, name)
							}
						}
					}
				case *ast.InterfaceType:
					kind = models.SymbolInterface
					for _, m := range t.Methods.List {
						if len(m.Names) == 0 {
							if name := goEmbeddedName(m.Type); name != "" {
								bases = append(bases, name)
							}
						}
					}
				}
				start := fset.Position(ts.Pos()).Line
				end := fset.Position(ts.End()).Line
				res.Symbols = append(res.Symbols, Symbol{
					FQN: ts.Name.Name, Name: ts.Name.Name, Kind: kind,
					Docstring: d.Doc.Text(),
					StartLine: start, EndLine: end,
				})
				for _, base := range bases {
					res.Inherits = append(res.Inherits, Inherit{SubFQN: ts.Name.Name, BaseName: base, Line: start})
				}
			}
		}
	}
	return res, nil
}

func goReceiver(fn *ast.FuncDecl) string {
	if fn.Recv == nil || len(fn.Recv.List) == 0 {
		return ""
	}
	switch t := fn.Recv.List[0].Type.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		if id, ok := t.X.(*ast.Ident); ok {
			return id.Name
		}
	}
	return ""
}

func goEmbeddedName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.SelectorExpr:
		return t.Sel.Name
	case *ast.StarExpr:
		return goEmbeddedName(t.X)
	}
	return ""
}

func goCalleeName(call *ast.CallExpr) string {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name
	case *ast.SelectorExpr:
		return fn.Sel.Name
	}
	return ""
}

func goSignature(fn *ast.FuncDecl) string {
	// A lightweight signature: name plus parameter count, not a full type
	// rendering — enough for display, not for overload resolution (Go has
	// none).
	n := 0
	if fn.Type.Params != nil {
		for _, f := range fn.Type.Params.List {
			if len(f.Names) == 0 {
				n++
			} else {
				n += len(f.Names)
			}
		}
	}
	return fn.Name.Name + "/" + strconv.Itoa(n)
}

// languagePatterns bundles the regex heuristics used by parseRegexLanguage,
// grounded on the conexus chunker's per-language declaration regexes.
type languagePatterns struct {
	fn       *regexp.Regexp
	class    *regexp.Regexp
	imp      *regexp.Regexp
	call     *regexp.Regexp
	inherits func(classLine string) string
}

var pyPatterns = languagePatterns{
	fn:    regexp.MustCompile(`^\s*def\s+(\w+)\s*\(`),
	class: regexp.MustCompile(`^\s*class\s+(\w+)\s*(?:\(([^)]*)\))?`),
	imp:   regexp.MustCompile(`^\s*(?:import|from)\s+([\w.]+)`),
	call:  regexp.MustCompile(`(\w+)\s*\(`),
}

var jsPatterns = languagePatterns{
	fn:    regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)\s*\(`),
	class: regexp.MustCompile(`^\s*(?:export\s+)?class\s+(\w+)(?:\s+extends\s+(\w+))?`),
	imp:   regexp.MustCompile(`^\s*import\s+.*from\s+['"]([^'"]+)['"]`),
	call:  regexp.MustCompile(`(\w+)\s*\(`),
}

var javaPatterns = languagePatterns{
	fn:    regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(?:static)?\s*[\w<>\[\]]+\s+(\w+)\s*\(`),
	class: regexp.MustCompile(`^\s*(?:public|private|protected)?\s*class\s+(\w+)(?:\s+extends\s+(\w+))?`),
	imp:   regexp.MustCompile(`^\s*import\s+([\w.]+);`),
	call:  regexp.MustCompile(`(\w+)\s*\(`),
}

var rustPatterns = languagePatterns{
	fn:    regexp.MustCompile(`^\s*(?:pub\s+)?fn\s+(\w+)\s*\(`),
	class: regexp.MustCompile(`^\s*(?:pub\s+)?struct\s+(\w+)`),
	imp:   regexp.MustCompile(`^\s*use\s+([\w:]+)`),
	call:  regexp.MustCompile(`(\w+)\s*\(`),
}

var identClean = regexp.MustCompile(`^[A-Za-z_]\w*$`)

// parseRegexLanguage walks content line by line, tracking the current
// enclosing function by brace-depth the way the conexus chunker does for
// its own chunk boundaries, but only to attribute calls to a caller.
// Classes are not tracked. In a language without braces (Python) a
// function's scope closes at the end of its own def line, so no calls are
// recorded there.
func parseRegexLanguage(content string, pat languagePatterns) (Result, error) {
	lines := strings.Split(content, "\n")
	var res Result

	currentFQN := ""
	depth := 0
	fnStartDepth := -1

	for i, line := range lines {
		lineNum := i + 1
		if m := pat.imp.FindStringSubmatch(line); m != nil {
			res.Imports = append(res.Imports, m[1])
		}
		if m := pat.class.FindStringSubmatch(line); m != nil {
			res.Symbols = append(res.Symbols, Symbol{FQN: m[1], Name: m[1], Kind: models.SymbolClass, StartLine: lineNum, EndLine: lineNum})
			if len(m) > 2 && m[2] != "" {
				res.Inherits = append(res.Inherits, Inherit{SubFQN: m[1], BaseName: strings.TrimSpace(m[2]), Line: lineNum})
			}
		}
		if m := pat.fn.FindStringSubmatch(line); m != nil {
			currentFQN = m[1]
			fnStartDepth = depth
			res.Symbols = append(res.Symbols, Symbol{FQN: currentFQN, Name: currentFQN, Kind: models.SymbolFunction, StartLine: lineNum, EndLine: lineNum})
		} else if currentFQN != "" {
			for _, m := range pat.call.FindAllStringSubmatch(line, -1) {
				name := m[1]
				if !identClean.MatchString(name) || isKeyword(name) {
					continue
				}
				res.Calls = append(res.Calls, Call{CallerFQN: currentFQN, CalleeName: name, Line: lineNum})
			}
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if currentFQN != "" && depth <= fnStartDepth {
			currentFQN = ""
		}
	}
	return res, nil
}

var keywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "catch": true,
	"return": true, "function": true, "def": true, "class": true, "fn": true,
}

func isKeyword(s string) bool { return keywords[s] }
