package cli

import (
	"fmt"

	"github.com/mattn/go-shellwords"
)

// tokenize splits an interactive line into arguments with shell quoting.
// Python literals such as "['a', 'b']" survive as one argument when quoted.
// Environment variables and backticks are left alone, and control operators
// (; & | < >) must be quoted.
func tokenize(line string) ([]string, error) {
	p := shellwords.NewParser()
	p.ParseEnv = false
	p.ParseBacktick = false
	args, err := p.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("cannot parse line: %w", err)
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("unquoted %q at position %d; quote it to pass it literally", line[p.Position], p.Position)
	}
	return args, nil
}
