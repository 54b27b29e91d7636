package tool

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// calcCharset rejects anything outside plain arithmetic before parsing.
var calcCharset = regexp.MustCompile(`^[0-9+\-*/().%\s]+$`)

// NewCalculate returns the calculate tool: a safe arithmetic evaluator
// supporting + - * / % and parentheses.
func NewCalculate() *Tool {
	return &Tool{
		Name:        "calculate",
		Description: "Evaluate an arithmetic expression. Supports +, -, *, /, %, parentheses and decimal numbers.",
		Params: []Param{
			{Name: "expression", Type: "string", Description: "Arithmetic expression to evaluate", Required: true},
		},
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			expr, err := stringArg(args, "expression")
			if err != nil {
				return "", err
			}
			expr = strings.TrimSpace(expr)
			if expr == "" || !calcCharset.MatchString(expr) {
				return "", fmt.Errorf("expression contains unsupported characters")
			}
			v, err := evalExpression(expr)
			if err != nil {
				return "", err
			}
			if math.IsInf(v, 0) || math.IsNaN(v) {
				return "", fmt.Errorf("expression result is not finite")
			}
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		},
	}
}

// Recursive-descent parser over the charset-guarded expression.
// Grammar: expr = term (('+'|'-') term)* ; term = factor (('*'|'/'|'%') factor)* ;
// factor = ('+'|'-') factor | number | '(' expr ')'.

type exprParser struct {
	src []rune
	pos int
}

func evalExpression(src string) (float64, error) {
	p := &exprParser{src: []rune(src)}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, fmt.Errorf("unexpected character %q at position %d", string(p.src[p.pos]), p.pos)
	}
	return v, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() rune {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		case '%':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			v = math.Mod(v, rhs)
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch p.peek() {
	case '+':
		p.pos++
		return p.parseFactor()
	case '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case 0:
		return 0, fmt.Errorf("unexpected end of expression")
	}
	return p.parseNumber()
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected a number at position %d", start)
	}
	v, err := strconv.ParseFloat(string(p.src[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", string(p.src[start:p.pos]))
	}
	return v, nil
}
