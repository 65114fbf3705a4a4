package agent

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"text/template"
	"text/template/parse"
	"time"
)

// MaxTemplateOutput bounds the rendered size of a reply template.
const MaxTemplateOutput = 4096

// maxRepeat bounds the count accepted by the repeat function.
const maxRepeat = 256

// maxSplit bounds the number of parts split returns.
const maxSplit = 256

// Template errors.
var (
	ErrTemplateOutput  = errors.New("template output too large")
	ErrInvalidTemplate = errors.New("invalid template")
)

// TemplateData is the read-only view a reply template renders against.
type TemplateData struct {
	Args    []string
	Rest    string
	Text    string
	Sender  string
	UserID  string
	GroupID string
	Time    time.Time
}

// NewTemplateData builds the view of one invocation.
func NewTemplateData(c *Context, m *Match) TemplateData {
	d := TemplateData{Time: c.Time}
	if c.Event != nil {
		d.Sender = c.Event.Sender.Nickname
		d.UserID = c.Event.UserID
		d.GroupID = c.Event.GroupID
		d.Text = c.Event.Text()
	}
	if d.Sender == "" {
		d.Sender = d.UserID
	}
	if m != nil {
		d.Args = m.Args
		d.Rest = m.Rest
	}
	return d
}

// Template is a user-authored reply template. It can only reach the data
// it is rendered with and a fixed function set, cannot define or call
// other templates, can only range over data fields, and its output is
// bounded.
type Template struct {
	tmpl *template.Template
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"upper":    strings.ToUpper,
		"lower":    strings.ToLower,
		"trim":     strings.TrimSpace,
		"contains": strings.Contains,
		"join": func(elems []string, sep string) (string, error) {
			if len(elems) > 0 {
				size := len(sep) * (len(elems) - 1)
				for _, e := range elems {
					size += len(e)
				}
				if err := checkSize("join", size); err != nil {
					return "", err
				}
			}
			return strings.Join(elems, sep), nil
		},
		"split": func(s, sep string) []string {
			return strings.SplitN(s, sep, maxSplit)
		},
		"replace": func(s, old, repl string) (string, error) {
			if old != "" && len(repl) > len(old) {
				if err := checkSize("replace", len(s)+strings.Count(s, old)*(len(repl)-len(old))); err != nil {
					return "", err
				}
			} else if old == "" {
				if err := checkSize("replace", len(s)+(len(s)+1)*len(repl)); err != nil {
					return "", err
				}
			}
			return strings.ReplaceAll(s, old, repl), nil
		},
		"repeat": func(s string, n int) (string, error) {
			if n < 0 || n > maxRepeat {
				return "", fmt.Errorf("repeat count %d out of range", n)
			}
			if len(s) > 0 && n > MaxTemplateOutput/len(s) {
				return "", fmt.Errorf("repeat: %w", ErrTemplateOutput)
			}
			return strings.Repeat(s, n), nil
		},
		"printf": func(format string, args ...any) (string, error) {
			if err := checkFormat(format); err != nil {
				return "", err
			}
			return bounded("printf", fmt.Sprintf(format, args...))
		},
		"print": func(args ...any) (string, error) {
			return bounded("print", fmt.Sprint(args...))
		},
		"println": func(args ...any) (string, error) {
			return bounded("println", fmt.Sprintln(args...))
		},
		"html": func(args ...any) (string, error) {
			return bounded("html", template.HTMLEscapeString(fmt.Sprint(args...)))
		},
		"js": func(args ...any) (string, error) {
			return bounded("js", template.JSEscapeString(fmt.Sprint(args...)))
		},
		"urlquery": func(args ...any) (string, error) {
			return bounded("urlquery", template.URLQueryEscaper(args...))
		},
		"default": func(def, v string) string {
			if v == "" {
				return def
			}
			return v
		},
		"randint": func(lo, hi int) (int, error) {
			if hi < lo {
				return 0, fmt.Errorf("randint: empty range %d..%d", lo, hi)
			}
			return lo + rand.IntN(hi-lo+1), nil
		},
		"choice": func(items ...string) string {
			if len(items) == 0 {
				return ""
			}
			return items[rand.IntN(len(items))]
		},
		"add": func(a, b int) int { return a + b },
		"sub": func(a, b int) int { return a - b },
		"date": func(layout string, t time.Time) string {
			return t.Format(layout)
		},
	}
}

// CompileTemplate parses and checks src.
func CompileTemplate(name, src string) (*Template, error) {
	t, err := template.New(name).
		Option("missingkey=error").
		Funcs(templateFuncs()).
		Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	for _, assoc := range t.Templates() {
		if assoc.Name() != name {
			return nil, fmt.Errorf("%w: define and block are not allowed", ErrInvalidTemplate)
		}
	}
	if t.Tree == nil || t.Tree.Root == nil {
		return &Template{tmpl: t}, nil
	}
	if err := checkNode(t.Tree.Root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return &Template{tmpl: t}, nil
}

// checkNode rejects template invocations and ranges over anything other
// than a data field.
func checkNode(n parse.Node) error {
	switch n := n.(type) {
	case *parse.ListNode:
		if n == nil {
			return nil
		}
		for _, c := range n.Nodes {
			if err := checkNode(c); err != nil {
				return err
			}
		}
	case *parse.TemplateNode:
		return fmt.Errorf("template invocation %q is not allowed", n.Name)
	case *parse.RangeNode:
		if !rangesOverField(n.Pipe) {
			return errors.New("range is only allowed over data fields")
		}
		return checkBranch(&n.BranchNode)
	case *parse.IfNode:
		return checkBranch(&n.BranchNode)
	case *parse.WithNode:
		return checkBranch(&n.BranchNode)
	}
	return nil
}

func checkBranch(b *parse.BranchNode) error {
	if err := checkNode(b.List); err != nil {
		return err
	}
	if b.ElseList != nil {
		return checkNode(b.ElseList)
	}
	return nil
}

func rangesOverField(p *parse.PipeNode) bool {
	if p == nil || len(p.Cmds) != 1 || len(p.Cmds[0].Args) != 1 {
		return false
	}
	_, ok := p.Cmds[0].Args[0].(*parse.FieldNode)
	return ok
}

// Render executes the template against data.
func (t *Template) Render(data TemplateData) (string, error) {
	w := &limitedBuffer{max: MaxTemplateOutput}
	if err := t.tmpl.Execute(w, data); err != nil {
		if errors.Is(err, ErrTemplateOutput) {
			return "", ErrTemplateOutput
		}
		return "", fmt.Errorf("render: %w", err)
	}
	return w.buf.String(), nil
}

// checkSize fails when a function would produce more than the rendered
// output could ever hold. Intermediate values are bounded as well as the
// final output.
func checkSize(fn string, n int) error {
	if n > MaxTemplateOutput {
		return fmt.Errorf("%s: %w", fn, ErrTemplateOutput)
	}
	return nil
}

func bounded(fn, s string) (string, error) {
	if err := checkSize(fn, len(s)); err != nil {
		return "", err
	}
	return s, nil
}

// checkFormat rejects printf verbs whose width or precision is taken from
// an argument or exceeds the output bound.
func checkFormat(format string) error {
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
	flags:
		for i++; i < len(format); i++ {
			c := format[i]
			switch {
			case c == '*':
				return fmt.Errorf("printf: %w", ErrTemplateOutput)
			case c >= '0' && c <= '9':
				j := i
				for j < len(format) && format[j] >= '0' && format[j] <= '9' {
					j++
				}
				if j-i > 4 {
					return fmt.Errorf("printf: %w", ErrTemplateOutput)
				}
				n, _ := strconv.Atoi(format[i:j])
				if err := checkSize("printf", n); err != nil {
					return err
				}
				i = j - 1
			case strings.IndexByte("+-# .[]", c) >= 0:
			default:
				break flags
			}
		}
	}
	return nil
}

type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.buf.Len()+len(p) > l.max {
		return 0, ErrTemplateOutput
	}
	return l.buf.Write(p)
}
