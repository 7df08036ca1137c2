package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/insightpilot/insightpilot/internal/agent"
)

// PerformCalculation evaluates arithmetic expressions exactly, so the
// model does not have to do mental math on financial figures.
type PerformCalculation struct{}

// NewPerformCalculation creates the tool.
func NewPerformCalculation() *PerformCalculation { return &PerformCalculation{} }

func (t *PerformCalculation) Name() string { return "perform_calculation" }

func (t *PerformCalculation) Description() string {
	return "Evaluate an arithmetic expression exactly. Supports + - * / % ^, " +
		"parentheses, and unary minus. Use for any numeric computation."
}

func (t *PerformCalculation) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {"type": "string", "description": "Arithmetic expression, e.g. (1200 + 800) * 1.19"}
		},
		"required": ["expression"],
		"additionalProperties": false
	}`)
}

func (t *PerformCalculation) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var args struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	value, err := evaluate(args.Expression)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &agent.ToolResult{Content: formatNumber(value)}, nil
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// evaluate parses and computes an arithmetic expression using the
// shunting-yard algorithm. Only numbers and operators are accepted;
// there are no identifiers and no function calls.
func evaluate(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("empty expression")
	}

	var output []float64
	var ops []rune

	apply := func(op rune) error {
		if op == 'u' { // unary minus
			if len(output) < 1 {
				return fmt.Errorf("malformed expression")
			}
			output[len(output)-1] = -output[len(output)-1]
			return nil
		}
		if len(output) < 2 {
			return fmt.Errorf("malformed expression")
		}
		b := output[len(output)-1]
		a := output[len(output)-2]
		output = output[:len(output)-2]
		var v float64
		switch op {
		case '+':
			v = a + b
		case '-':
			v = a - b
		case '*':
			v = a * b
		case '/':
			if b == 0 {
				return fmt.Errorf("division by zero")
			}
			v = a / b
		case '%':
			if b == 0 {
				return fmt.Errorf("division by zero")
			}
			v = math.Mod(a, b)
		case '^':
			v = math.Pow(a, b)
		default:
			return fmt.Errorf("unknown operator %q", op)
		}
		output = append(output, v)
		return nil
	}

	for _, tok := range tokens {
		switch tok.kind {
		case tokNumber:
			output = append(output, tok.value)
		case tokLeftParen:
			ops = append(ops, '(')
		case tokRightParen:
			for len(ops) > 0 && ops[len(ops)-1] != '(' {
				op := ops[len(ops)-1]
				ops = ops[:len(ops)-1]
				if err := apply(op); err != nil {
					return 0, err
				}
			}
			if len(ops) == 0 {
				return 0, fmt.Errorf("unbalanced parentheses")
			}
			ops = ops[:len(ops)-1]
		case tokOperator:
			for len(ops) > 0 && ops[len(ops)-1] != '(' &&
				(precedence(ops[len(ops)-1]) > precedence(tok.op) ||
					(precedence(ops[len(ops)-1]) == precedence(tok.op) && leftAssoc(tok.op))) {
				op := ops[len(ops)-1]
				ops = ops[:len(ops)-1]
				if err := apply(op); err != nil {
					return 0, err
				}
			}
			ops = append(ops, tok.op)
		}
	}
	for len(ops) > 0 {
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]
		if op == '(' {
			return 0, fmt.Errorf("unbalanced parentheses")
		}
		if err := apply(op); err != nil {
			return 0, err
		}
	}
	if len(output) != 1 {
		return 0, fmt.Errorf("malformed expression")
	}
	result := output[0]
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return result, nil
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokOperator
	tokLeftParen
	tokRightParen
)

type token struct {
	kind  tokenKind
	value float64
	op    rune
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r) || r == ',':
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLeftParen})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRightParen})
			i++
		case strings.ContainsRune("+*/%^", r):
			tokens = append(tokens, token{kind: tokOperator, op: r})
			i++
		case r == '-':
			// Unary when at the start or after an operator or '('.
			unary := len(tokens) == 0 ||
				tokens[len(tokens)-1].kind == tokOperator ||
				tokens[len(tokens)-1].kind == tokLeftParen
			if unary {
				tokens = append(tokens, token{kind: tokOperator, op: 'u'})
			} else {
				tokens = append(tokens, token{kind: tokOperator, op: '-'})
			}
			i++
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.' ||
				runes[j] == 'e' || runes[j] == 'E' ||
				((runes[j] == '+' || runes[j] == '-') && j > i && (runes[j-1] == 'e' || runes[j-1] == 'E'))) {
				j++
			}
			v, err := strconv.ParseFloat(string(runes[i:j]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", string(runes[i:j]))
			}
			tokens = append(tokens, token{kind: tokNumber, value: v})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	return tokens, nil
}

func precedence(op rune) int {
	switch op {
	case 'u':
		return 4
	case '^':
		return 3
	case '*', '/', '%':
		return 2
	case '+', '-':
		return 1
	}
	return 0
}

func leftAssoc(op rune) bool {
	return op != '^' && op != 'u'
}
