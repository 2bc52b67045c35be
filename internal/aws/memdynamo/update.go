package memdynamo

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// action mutates item in place and returns the names it touched.
type action func(item map[string]types.AttributeValue) ([]string, error)

func isClause(t token) bool {
	if t.kind != tokWord {
		return false
	}
	switch strings.ToUpper(t.text) {
	case "SET", "REMOVE", "ADD", "DELETE":
		return true
	}
	return false
}

// compileUpdate supports SET (with + / - / if_not_exists), ADD on numbers and REMOVE.
func compileUpdate(expr string, e env) (action, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, env: e}
	var actions []action

	for p.pos < len(p.toks) {
		t, _ := p.next()
		if !isClause(t) {
			return nil, fmt.Errorf("parse %q: expected SET, ADD or REMOVE, got %q", expr, t.text)
		}
		clause := strings.ToUpper(t.text)
		for {
			var a action
			switch clause {
			case "SET":
				a, err = p.setAction()
			case "ADD":
				a, err = p.addAction()
			case "REMOVE":
				a, err = p.removeAction()
			default:
				err = fmt.Errorf("%s is not supported", clause)
			}
			if err != nil {
				return nil, fmt.Errorf("parse %q: %w", expr, err)
			}
			actions = append(actions, a)
			nt, ok := p.peek()
			if !ok || nt.kind != tokComma {
				break
			}
			p.pos++
		}
	}

	return func(item map[string]types.AttributeValue) ([]string, error) {
		var touched []string
		for _, a := range actions {
			names, err := a(item)
			if err != nil {
				return nil, err
			}
			touched = append(touched, names...)
		}
		return touched, nil
	}, nil
}

func (p *parser) pathToken() (string, error) {
	t, err := p.next()
	if err != nil {
		return "", err
	}
	if t.kind != tokWord || strings.HasPrefix(t.text, ":") {
		return "", fmt.Errorf("expected attribute path, got %q", t.text)
	}
	return p.env.attrName(t.text)
}

type valueFn func(item map[string]types.AttributeValue) (types.AttributeValue, error)

func (p *parser) setAction() (action, error) {
	name, err := p.pathToken()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokOp, "="); err != nil {
		return nil, err
	}
	left, err := p.valueTerm()
	if err != nil {
		return nil, err
	}
	val := left
	if t, ok := p.peek(); ok && t.kind == tokOp && (t.text == "+" || t.text == "-") {
		p.pos++
		right, err := p.valueTerm()
		if err != nil {
			return nil, err
		}
		sub := t.text == "-"
		val = func(item map[string]types.AttributeValue) (types.AttributeValue, error) {
			l, err := left(item)
			if err != nil {
				return nil, err
			}
			r, err := right(item)
			if err != nil {
				return nil, err
			}
			return arith(l, r, sub)
		}
	}
	return func(item map[string]types.AttributeValue) ([]string, error) {
		v, err := val(item)
		if err != nil {
			return nil, err
		}
		item[name] = clone(v)
		return []string{name}, nil
	}, nil
}

func (p *parser) valueTerm() (valueFn, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind != tokWord {
		return nil, fmt.Errorf("expected value, got %q", t.text)
	}
	if nt, ok := p.peek(); ok && nt.kind == tokLParen {
		if !strings.EqualFold(t.text, "if_not_exists") {
			return nil, fmt.Errorf("unsupported function %s", t.text)
		}
		p.pos++
		path, err := p.pathToken()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokComma, ","); err != nil {
			return nil, err
		}
		def, err := p.operandToken()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return func(item map[string]types.AttributeValue) (types.AttributeValue, error) {
			if v, ok := item[path]; ok {
				return v, nil
			}
			v, _ := def(item)
			return v, nil
		}, nil
	}
	o, err := p.env.operand(t.text)
	if err != nil {
		return nil, err
	}
	return func(item map[string]types.AttributeValue) (types.AttributeValue, error) {
		v, ok := o(item)
		if !ok {
			return nil, fmt.Errorf("operand %s does not exist", t.text)
		}
		return v, nil
	}, nil
}

func (p *parser) addAction() (action, error) {
	name, err := p.pathToken()
	if err != nil {
		return nil, err
	}
	o, err := p.operandToken()
	if err != nil {
		return nil, err
	}
	return func(item map[string]types.AttributeValue) ([]string, error) {
		v, _ := o(item)
		cur, ok := item[name]
		if !ok {
			item[name] = clone(v)
			return []string{name}, nil
		}
		sum, err := arith(cur, v, false)
		if err != nil {
			return nil, err
		}
		item[name] = sum
		return []string{name}, nil
	}, nil
}

func (p *parser) removeAction() (action, error) {
	name, err := p.pathToken()
	if err != nil {
		return nil, err
	}
	return func(item map[string]types.AttributeValue) ([]string, error) {
		delete(item, name)
		return nil, nil
	}, nil
}

func arith(a, b types.AttributeValue, sub bool) (types.AttributeValue, error) {
	an, ok1 := a.(*types.AttributeValueMemberN)
	bn, ok2 := b.(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("arithmetic on non-number operands")
	}
	da, err := decimal.NewFromString(an.Value)
	if err != nil {
		return nil, err
	}
	db, err := decimal.NewFromString(bn.Value)
	if err != nil {
		return nil, err
	}
	if sub {
		return &types.AttributeValueMemberN{Value: da.Sub(db).String()}, nil
	}
	return &types.AttributeValueMemberN{Value: da.Add(db).String()}, nil
}
