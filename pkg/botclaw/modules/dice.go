package modules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jholhewres/botclaw/pkg/botclaw/agent"
)

// Dice limits.
const (
	maxDiceCount = 100
	maxDiceFaces = 1000
	maxDiceTerms = 20
)

// dicePattern matches an expression such as 20, d20, 2d6+3 or 1d8 + 1d4 - 1.
const dicePattern = `((?:\d*d)?\d+(?:\s*[+-]\s*(?:\d*d)?\d+)*)\s*$`

var diceTerm = regexp.MustCompile(`([+-]?)(?:(\d*)d)?(\d+)`)

// ErrBadDice is returned for expressions outside the dice limits.
var ErrBadDice = errors.New("bad dice expression")

// die is one term of a dice expression. A term without dice is a constant.
type die struct {
	sign  int
	count int
	faces int
	dice  bool
}

// parseDice reads a dice expression. A leading bare number N means 1dN.
func parseDice(expr string) ([]die, error) {
	expr = strings.ToLower(strings.Join(strings.Fields(expr), ""))
	matches := diceTerm.FindAllStringSubmatch(expr, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%q: %w", expr, ErrBadDice)
	}
	if len(matches) > maxDiceTerms {
		return nil, fmt.Errorf("more than %d terms: %w", maxDiceTerms, ErrBadDice)
	}

	terms := make([]die, 0, len(matches))
	for i, m := range matches {
		d := die{sign: 1}
		if m[1] == "-" {
			d.sign = -1
		}
		n, err := strconv.Atoi(m[3])
		if err != nil {
			return nil, fmt.Errorf("%q: %w", m[3], ErrBadDice)
		}
		hasD := strings.Contains(m[0], "d")
		switch {
		case hasD || i == 0:
			d.dice = true
			d.faces = n
			d.count = 1
			if m[2] != "" {
				if d.count, err = strconv.Atoi(m[2]); err != nil {
					return nil, fmt.Errorf("%q: %w", m[2], ErrBadDice)
				}
			}
			if d.count < 1 || d.count > maxDiceCount {
				return nil, fmt.Errorf("dice count must be 1..%d: %w", maxDiceCount, ErrBadDice)
			}
			if d.faces < 1 || d.faces > maxDiceFaces {
				return nil, fmt.Errorf("faces must be 1..%d: %w", maxDiceFaces, ErrBadDice)
			}
		default:
			d.count = n
		}
		terms = append(terms, d)
	}
	return terms, nil
}

// rollDice evaluates terms and renders them as 2d6(3,4)+3 = 10.
func rollDice(terms []die, intn func(int) int) (int, string) {
	var sb strings.Builder
	total := 0
	for i, t := range terms {
		switch {
		case t.sign < 0:
			sb.WriteString("-")
		case i > 0:
			sb.WriteString("+")
		}
		if !t.dice {
			total += t.sign * t.count
			sb.WriteString(strconv.Itoa(t.count))
			continue
		}
		rolls := make([]string, t.count)
		sum := 0
		for j := range rolls {
			r := intn(t.faces) + 1
			sum += r
			rolls[j] = strconv.Itoa(r)
		}
		total += t.sign * sum
		fmt.Fprintf(&sb, "%dd%d(%s)", t.count, t.faces, strings.Join(rolls, ","))
	}
	fmt.Fprintf(&sb, " = %d", total)
	return total, sb.String()
}

func (b *Builtins) roll(c *agent.Context, m *agent.Match) error {
	expr := m.Arg(0)
	if expr == "" {
		expr = m.Rest
	}
	terms, err := parseDice(expr)
	if err != nil {
		return c.Reply(err.Error())
	}
	_, out := rollDice(terms, b.intn)
	return c.Reply(out)
}
