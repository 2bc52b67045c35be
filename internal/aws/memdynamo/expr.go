package memdynamo

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

type tokKind int

const (
	tokWord tokKind = iota
	tokLParen
	tokRParen
	tokComma
	tokOp
)

type token struct {
	kind tokKind
	text string
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			out = append(out, token{tokLParen, "("})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")"})
			i++
		case c == ',':
			out = append(out, token{tokComma, ","})
			i++
		case c == '<' || c == '>':
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				out = append(out, token{tokOp, s[i : i+2]})
				i += 2
			} else {
				out = append(out, token{tokOp, string(c)})
				i++
			}
		case c == '=' || c == '+' || c == '-':
			out = append(out, token{tokOp, string(c)})
			i++
		case isWordChar(c):
			j := i
			for j < len(s) && isWordChar(rune(s[j])) {
				j++
			}
			out = append(out, token{tokWord, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in expression %q", c, s)
		}
	}
	return out, nil
}

func isWordChar(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '#' || c == ':' || c == '.'
}

// env resolves #names and :values of one request.
type env struct {
	names  map[string]string
	values map[string]types.AttributeValue
}

func (e env) attrName(w string) (string, error) {
	if strings.HasPrefix(w, "#") {
		n, ok := e.names[w]
		if !ok {
			return "", fmt.Errorf("expression attribute name %s not defined", w)
		}
		return n, nil
	}
	return w, nil
}

// operand is either a document path or a placeholder value.
type operand func(item map[string]types.AttributeValue) (types.AttributeValue, bool)

func (e env) operand(w string) (operand, error) {
	if strings.HasPrefix(w, ":") {
		v, ok := e.values[w]
		if !ok {
			return nil, fmt.Errorf("expression attribute value %s not defined", w)
		}
		return func(map[string]types.AttributeValue) (types.AttributeValue, bool) { return v, true }, nil
	}
	name, err := e.attrName(w)
	if err != nil {
		return nil, err
	}
	return func(item map[string]types.AttributeValue) (types.AttributeValue, bool) {
		v, ok := item[name]
		return v, ok
	}, nil
}

type parser struct {
	toks []token
	pos  int
	env  env
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, error) {
	t, ok := p.peek()
	if !ok {
		return token{}, fmt.Errorf("unexpected end of expression")
	}
	p.pos++
	return t, nil
}

func (p *parser) expect(kind tokKind, text string) error {
	t, err := p.next()
	if err != nil {
		return err
	}
	if t.kind != kind || (text != "" && t.text != text) {
		return fmt.Errorf("expected %q, got %q", text, t.text)
	}
	return nil
}

func (p *parser) keyword(kw string) bool {
	t, ok := p.peek()
	if ok && t.kind == tokWord && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

type predicate func(item map[string]types.AttributeValue) bool

// compileCondition turns a condition, filter or key-condition expression into a predicate.
// An empty expression always matches.
func compileCondition(expr string, e env) (predicate, error) {
	if strings.TrimSpace(expr) == "" {
		return func(map[string]types.AttributeValue) bool { return true }, nil
	}
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, env: e}
	pred, err := p.orExpr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", expr, err)
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("parse %q: trailing tokens", expr)
	}
	return pred, nil
}

func (p *parser) orExpr() (predicate, error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(item map[string]types.AttributeValue) bool { return l(item) || right(item) }
	}
	return left, nil
}

func (p *parser) andExpr() (predicate, error) {
	left, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		l := left
		left = func(item map[string]types.AttributeValue) bool { return l(item) && right(item) }
	}
	return left, nil
}

func (p *parser) notExpr() (predicate, error) {
	if p.keyword("NOT") {
		inner, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return func(item map[string]types.AttributeValue) bool { return !inner(item) }, nil
	}
	return p.primary()
}

func (p *parser) primary() (predicate, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind == tokLParen {
		inner, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		return inner, p.expect(tokRParen, ")")
	}
	if t.kind != tokWord {
		return nil, fmt.Errorf("unexpected %q", t.text)
	}

	if nt, ok := p.peek(); ok && nt.kind == tokLParen {
		return p.function(strings.ToLower(t.text))
	}

	left, err := p.env.operand(t.text)
	if err != nil {
		return nil, err
	}
	if p.keyword("BETWEEN") {
		lo, err := p.operandToken()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, fmt.Errorf("BETWEEN without AND")
		}
		hi, err := p.operandToken()
		if err != nil {
			return nil, err
		}
		return func(item map[string]types.AttributeValue) bool {
			v, ok := left(item)
			l, _ := lo(item)
			h, _ := hi(item)
			if !ok {
				return false
			}
			c1, ok1 := compare(v, l)
			c2, ok2 := compare(v, h)
			return ok1 && ok2 && c1 >= 0 && c2 <= 0
		}, nil
	}

	op, err := p.next()
	if err != nil {
		return nil, err
	}
	if op.kind != tokOp {
		return nil, fmt.Errorf("expected comparator, got %q", op.text)
	}
	right, err := p.operandToken()
	if err != nil {
		return nil, err
	}
	return comparison(op.text, left, right)
}

func (p *parser) operandToken() (operand, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind != tokWord {
		return nil, fmt.Errorf("expected operand, got %q", t.text)
	}
	return p.env.operand(t.text)
}

func (p *parser) function(name string) (predicate, error) {
	if err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	var args []operand
	var firstPath string
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.kind != tokWord {
			return nil, fmt.Errorf("bad argument %q to %s", t.text, name)
		}
		if firstPath == "" {
			firstPath, _ = p.env.attrName(t.text)
		}
		o, err := p.env.operand(t.text)
		if err != nil {
			return nil, err
		}
		args = append(args, o)
		sep, err := p.next()
		if err != nil {
			return nil, err
		}
		if sep.kind == tokRParen {
			break
		}
		if sep.kind != tokComma {
			return nil, fmt.Errorf("expected , or ) in %s", name)
		}
	}

	switch name {
	case "attribute_exists":
		return func(item map[string]types.AttributeValue) bool {
			_, ok := item[firstPath]
			return ok
		}, nil
	case "attribute_not_exists":
		return func(item map[string]types.AttributeValue) bool {
			_, ok := item[firstPath]
			return !ok
		}, nil
	case "begins_with":
		if len(args) != 2 {
			return nil, fmt.Errorf("begins_with takes 2 arguments")
		}
		return func(item map[string]types.AttributeValue) bool {
			v, ok := args[0](item)
			pre, ok2 := args[1](item)
			s, isS := v.(*types.AttributeValueMemberS)
			ps, isPS := pre.(*types.AttributeValueMemberS)
			return ok && ok2 && isS && isPS && strings.HasPrefix(s.Value, ps.Value)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported function %s", name)
	}
}

func comparison(op string, left, right operand) (predicate, error) {
	switch op {
	case "=", "<>", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("unsupported comparator %s", op)
	}
	return func(item map[string]types.AttributeValue) bool {
		l, ok1 := left(item)
		r, ok2 := right(item)
		if !ok1 || !ok2 {
			return op == "<>" && ok1 != ok2
		}
		switch op {
		case "=":
			return equal(l, r)
		case "<>":
			return !equal(l, r)
		}
		c, ok := compare(l, r)
		if !ok {
			return false
		}
		switch op {
		case "<":
			return c < 0
		case "<=":
			return c <= 0
		case ">":
			return c > 0
		default:
			return c >= 0
		}
	}, nil
}

// compare orders two scalars of the same type.
func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		da, err1 := decimal.NewFromString(av.Value)
		db, err2 := decimal.NewFromString(bv.Value)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		return da.Cmp(db), true
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	}
	return 0, false
}

func equal(a, b types.AttributeValue) bool {
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	switch av := a.(type) {
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	}
	return false
}
