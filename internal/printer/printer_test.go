package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var out, errOut bytes.Buffer
	return New(&out, &errOut), &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		p, _, errOut := capture(t)
		err := p.Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "This is a test error")
	})

	t.Run("single suggestion printed plainly", func(t *testing.T) {
		p, _, errOut := capture(t)
		err := p.Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		p, _, errOut := capture(t)
		err := p.Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	p, out, errOut := capture(t)
	err := p.ErrorWithContext("Send failed", "", map[string]string{
		"To":   "qa",
		"From": "dev",
	}, nil)
	require.Equal(t, "Send failed", err.Error())

	text := errOut.String()
	assert.Less(t, strings.Index(text, "From: dev"), strings.Index(text, "To: qa"), "context keys are sorted")
	assert.Empty(t, out.String(), "errors go to the error writer")
}

func TestPrefixes(t *testing.T) {
	p, out, _ := capture(t)
	p.Success("done\n")
	p.Success("✓ already prefixed\n")
	p.Warning("careful\n")
	p.Step("working\n")
	p.Detail("detail\n")

	assert.Equal(t, "✓ done\n✓ already prefixed\n⚠️  careful\n→ working\n    detail\n", out.String())
}
