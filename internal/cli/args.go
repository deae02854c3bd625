package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/query"
)

// loadFile decodes a YAML or JSON artifact definition into target.
func loadFile(path string, target any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrap(apperr.IO, "", err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return apperr.New(apperr.Validation, "", "%s: %v", path, err)
	}
	return nil
}

// parseLiteral decodes a Python literal such as "['a', 'b']" or
// "{'A': [0, 0.5]}" into target by rewriting it as JSON.
func parseLiteral(lit string, target any) error {
	js, err := literalToJSON(lit)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(js), target); err != nil {
		return fmt.Errorf("invalid literal %s: %w", lit, err)
	}
	return nil
}

// literalToJSON converts single-quoted strings to JSON strings and maps
// True, False and None to their JSON spellings. Tuples become arrays.
func literalToJSON(lit string) (string, error) {
	var b strings.Builder
	runes := []rune(strings.TrimSpace(lit))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' || r == '"':
			quote := r
			var str strings.Builder
			closed := false
			for i++; i < len(runes); i++ {
				c := runes[i]
				if c == '\\' && i+1 < len(runes) {
					i++
					str.WriteRune(runes[i])
					continue
				}
				if c == quote {
					closed = true
					break
				}
				str.WriteRune(c)
			}
			if !closed {
				return "", fmt.Errorf("unterminated string in %s", lit)
			}
			enc, _ := json.Marshal(str.String())
			b.Write(enc)
		case r == '(' || r == '[':
			b.WriteRune('[')
		case r == ')' || r == ']' || r == '}':
			// Python allows a trailing comma before a closing bracket.
			prefix := strings.TrimRight(b.String(), " \t\n")
			if strings.HasSuffix(prefix, ",") {
				b.Reset()
				b.WriteString(prefix[:len(prefix)-1])
			}
			if r == '}' {
				b.WriteRune('}')
			} else {
				b.WriteRune(']')
			}
		case isIdentStart(r):
			j := i
			for j < len(runes) && isIdentStart(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			switch word {
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			case "None":
				b.WriteString("null")
			default:
				return "", fmt.Errorf("unquoted word %q in %s", word, lit)
			}
			i = j - 1
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// listFlags are the listing controls shared by every list_* command.
type listFlags struct {
	ids        []string
	tags       string
	categories []string
	exclude    []string
	find       string
	sort       string
	pagination string
	json       bool
}

func (f *listFlags) register(cmd *cobra.Command, tagged bool) {
	fl := cmd.Flags()
	fl.StringSliceVar(&f.ids, "ids", nil, "Only these ids")
	fl.StringVar(&f.find, "find", "", "Keyword matched against every field")
	fl.StringVar(&f.sort, "sort", "", "Field to sort by (default id)")
	fl.StringVar(&f.pagination, "pagination", "", `Page and size, e.g. "(1, 10)"`)
	fl.BoolVar(&f.json, "json", false, "Print JSON instead of a table")
	if tagged {
		fl.StringVar(&f.tags, "tags", "", "Tag expression: a+b,!c")
		fl.StringSliceVar(&f.categories, "categories", nil, "Require one of these categories")
		fl.StringSliceVar(&f.exclude, "exclude-categories", nil, "Drop these categories")
	}
}

func (f *listFlags) options() (query.Options, error) {
	opts := query.Options{
		IDs:               f.ids,
		Tags:              f.tags,
		IncludeCategories: f.categories,
		ExcludeCategories: f.exclude,
		Find:              f.find,
		Sort:              f.sort,
	}
	if f.pagination != "" {
		page, size, err := query.ParsePagination(f.pagination)
		if err != nil {
			return query.Options{}, err
		}
		opts.Page, opts.Size, opts.Paginate = page, size, true
	}
	return opts, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Invariant, "", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
