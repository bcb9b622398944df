// Package cli runs interactive line oriented console.
package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

// MainLoop runs go-prompt on terminal, otherwise executes stdin line by line.
// Returns when stdin is exhausted or exit func is called by exec.
func MainLoop(tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) error {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return ExecLines(os.Stdin, exec)
}

// ExecLines feeds trimmed non-empty lines from r to exec.
func ExecLines(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
	return scanner.Err()
}

// Suggest filters suggestions by word before cursor.
func Suggest(d prompt.Document, ss []prompt.Suggest) []prompt.Suggest {
	return prompt.FilterHasPrefix(ss, d.GetWordBeforeCursor(), true)
}
