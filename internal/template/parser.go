package template

import "strings"

// parse lexes src and builds the full node tree for it.
func parse(src string) ([]Node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	nodes, stop, err := p.parseUntil()
	if err != nil {
		return nil, err
	}
	if stop != "" {
		return nil, &InvalidTemplate{Message: "unexpected {% " + stop + " %} with no matching opener", LineNumber: p.lastLine(), Source: src}
	}
	return nodes, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) lastLine() int {
	if p.pos > 0 && p.pos-1 < len(p.tokens) {
		return p.tokens[p.pos-1].line
	}
	return 1
}

// parseUntil consumes tokens until EOF or a block-closing tag ("else",
// "endif", "endfor", "elif ..."), whose word it returns as the stop word
// (without its trailing args); the closing tag itself is left unconsumed at
// p.pos for the caller to step past.
func (p *parser) parseUntil() ([]Node, string, error) {
	var nodes []Node
	for p.pos < len(p.tokens) {
		tok := p.tokens[p.pos]
		switch tok.kind {
		case tokenText:
			nodes = append(nodes, TextNode{Text: tok.value})
			p.pos++
		case tokenExpr:
			expr, err := parseExprString(tok.value, tok.line)
			if err != nil {
				return nil, "", err
			}
			nodes = append(nodes, VarNode{Expr: expr})
			p.pos++
		case tokenTag:
			word, rest := splitTagWord(tok.value)
			switch word {
			case "if":
				p.pos++
				node, err := p.parseIf(rest, tok.line)
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, node)
			case "for":
				p.pos++
				node, err := p.parseFor(rest, tok.line)
				if err != nil {
					return nil, "", err
				}
				nodes = append(nodes, node)
			case "else", "elif", "endif", "endfor":
				return nodes, word, nil
			default:
				return nil, "", &InvalidTemplate{Message: "unknown tag " + word, LineNumber: tok.line, Source: tok.value}
			}
		}
	}
	return nodes, "", nil
}

func (p *parser) parseIf(condSrc string, line int) (Node, error) {
	cond, err := parseExprString(condSrc, line)
	if err != nil {
		return nil, err
	}
	body, stop, err := p.parseUntil()
	if err != nil {
		return nil, err
	}
	node := IfNode{Cond: cond, Body: body}
	switch stop {
	case "endif":
		p.pos++
		return node, nil
	case "elif":
		// treat elif as nested else-if: rewrap the remaining tag as a fresh "if"
		tok := p.tokens[p.pos]
		_, rest := splitTagWord(tok.value)
		p.pos++
		elseNode, err := p.parseIf(rest, tok.line)
		if err != nil {
			return nil, err
		}
		node.Else = []Node{elseNode}
		return node, nil
	case "else":
		p.pos++
		elseBody, stop2, err := p.parseUntil()
		if err != nil {
			return nil, err
		}
		if stop2 != "endif" {
			return nil, &InvalidTemplate{Message: "expected {% endif %}", LineNumber: line, Source: condSrc}
		}
		p.pos++
		node.Else = elseBody
		return node, nil
	default:
		return nil, &InvalidTemplate{Message: "unterminated {% if %}", LineNumber: line, Source: condSrc}
	}
}

func (p *parser) parseFor(headerSrc string, line int) (Node, error) {
	vars, iterSrc, err := splitForHeader(headerSrc)
	if err != nil {
		return nil, &InvalidTemplate{Message: err.Error(), LineNumber: line, Source: headerSrc}
	}
	iter, err := parseExprString(iterSrc, line)
	if err != nil {
		return nil, err
	}
	body, stop, err := p.parseUntil()
	if err != nil {
		return nil, err
	}
	if stop != "endfor" {
		return nil, &InvalidTemplate{Message: "unterminated {% for %}", LineNumber: line, Source: headerSrc}
	}
	p.pos++
	return ForNode{Vars: vars, Iter: iter, Body: body}, nil
}

// splitTagWord splits a trimmed tag body like "if x.y" into ("if", "x.y").
func splitTagWord(tag string) (word, rest string) {
	tag = strings.TrimSpace(tag)
	idx := strings.IndexFunc(tag, func(r rune) bool { return r == ' ' || r == '\t' })
	if idx == -1 {
		return tag, ""
	}
	return tag[:idx], strings.TrimSpace(tag[idx+1:])
}

// splitForHeader parses "v in iter" or "k, v in iter" into loop variable
// names and the remaining iterable expression source.
func splitForHeader(header string) ([]string, string, error) {
	idx := strings.Index(header, " in ")
	if idx == -1 {
		return nil, "", &forHeaderError{header}
	}
	varsPart := strings.TrimSpace(header[:idx])
	iterPart := strings.TrimSpace(header[idx+len(" in "):])
	if iterPart == "" {
		return nil, "", &forHeaderError{header}
	}
	var vars []string
	for _, v := range strings.Split(varsPart, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, "", &forHeaderError{header}
		}
		vars = append(vars, v)
	}
	if len(vars) == 0 || len(vars) > 2 {
		return nil, "", &forHeaderError{header}
	}
	return vars, iterPart, nil
}

type forHeaderError struct{ header string }

func (e *forHeaderError) Error() string {
	return "malformed for-loop header: " + e.header
}
