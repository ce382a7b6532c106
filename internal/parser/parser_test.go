package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robomonkey/core/pkg/models"
)

const goSample = `package sample

import "fmt"

type Greeter struct {
	Name string
}

func (g *Greeter) Hello() string {
	return fmt.Sprintf("hello %s", g.greeting())
}

func (g *Greeter) greeting() string {
	return g.Name
}
`

func TestParseGoExtractsSymbolsAndCalls(t *testing.T) {
	res, err := Parse("go", "sample.go", goSample)
	require.NoError(t, err)

	require.Contains(t, res.Imports, "fmt")

	var names []string
	for _, s := range res.Symbols {
		names = append(names, s.FQN)
	}
	assert.Contains(t, names, "Greeter")
	assert.Contains(t, names, "Greeter.Hello")
	assert.Contains(t, names, "Greeter.greeting")

	foundCall := false
	for _, c := range res.Calls {
		if c.CallerFQN == "Greeter.Hello" && c.CalleeName == "greeting" {
			foundCall = true
		}
	}
	assert.True(t, foundCall, "expected Hello to call greeting")
}

func TestParseGoSyntaxErrorReturnsErrNotPanic(t *testing.T) {
	_, err := Parse("go", "broken.go", "package sample\nfunc ( {")
	assert.Error(t, err)
}

func TestParseUnknownLanguageReturnsEmptyResult(t *testing.T) {
	res, err := Parse("cobol", "legacy.cbl", "IDENTIFICATION DIVISION.")
	require.NoError(t, err)
	assert.Empty(t, res.Symbols)
	assert.Empty(t, res.Imports)
}

func TestParsePythonExtractsFunctionsAndClasses(t *testing.T) {
	src := `import os

class Worker(BaseWorker):
    def run(self):
        self.setup()
        return os.getcwd()
`
	res, err := Parse("python", "worker.py", src)
	require.NoError(t, err)
	assert.Contains(t, res.Imports, "os")

	var kinds = map[string]models.SymbolKind{}
	for _, s := range res.Symbols {
		kinds[s.FQN] = s.Kind
	}
	assert.Equal(t, models.SymbolClass, kinds["Worker"])
	assert.Equal(t, models.SymbolFunction, kinds["run"])

	require.Len(t, res.Inherits, 1)
	assert.Equal(t, "BaseWorker", res.Inherits[0].BaseName)
}

func TestContentHashIsStableAndTruncated(t *testing.T) {
	h1 := ContentHash("same content")
	h2 := ContentHash("same content")
	h3 := ContentHash("different content")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 16)
}
