package detect

import (
	"fmt"
	"regexp"
)

// TokenType represents the type of a token in a condition expression.
type TokenType int

const (
	// TokenEOF represents end of input
	TokenEOF TokenType = iota
	// TokenAND represents the AND logical operator
	TokenAND
	// TokenOR represents the OR logical operator
	TokenOR
	// TokenNOT represents the NOT logical operator
	TokenNOT
	// TokenLPAREN represents a left parenthesis
	TokenLPAREN
	// TokenRPAREN represents a right parenthesis
	TokenRPAREN
	// TokenOF represents the OF keyword of a selector
	TokenOF
	// TokenALL represents the ALL quantifier
	TokenALL
	// TokenANY represents the ANY quantifier
	TokenANY
	// TokenONE represents the ONE quantifier (same as "1")
	TokenONE
	// TokenTHEM represents the THEM keyword
	TokenTHEM
	// TokenNUMBER represents a numeric quantifier
	TokenNUMBER
	// TokenIDENTIFIER represents a detection name or glob
	TokenIDENTIFIER
)

var tokenTypeNames = [...]string{
	TokenEOF:        "EOF",
	TokenAND:        "AND",
	TokenOR:         "OR",
	TokenNOT:        "NOT",
	TokenLPAREN:     "LPAREN",
	TokenRPAREN:     "RPAREN",
	TokenOF:         "OF",
	TokenALL:        "ALL",
	TokenANY:        "ANY",
	TokenONE:        "ONE",
	TokenTHEM:       "THEM",
	TokenNUMBER:     "NUMBER",
	TokenIDENTIFIER: "IDENTIFIER",
}

// String returns the string representation of a token type.
func (tt TokenType) String() string {
	if int(tt) >= 0 && int(tt) < len(tokenTypeNames) {
		return tokenTypeNames[tt]
	}
	return "UNKNOWN"
}

// Token is a lexical token with its byte offset in the expression.
type Token struct {
	Type     TokenType
	Value    string
	Position int
}

func (t Token) String() string {
	return fmt.Sprintf("%s(%q) at pos %d", t.Type, t.Value, t.Position)
}

type tokenPattern struct {
	Type    TokenType
	Pattern *regexp.Regexp
}

var (
	// Keywords come before identifiers so "and" is never an identifier.
	tokenPatterns = []tokenPattern{
		{TokenAND, regexp.MustCompile(`^(?i)and\b`)},
		{TokenOR, regexp.MustCompile(`^(?i)or\b`)},
		{TokenNOT, regexp.MustCompile(`^(?i)not\b`)},
		{TokenOF, regexp.MustCompile(`^(?i)of\b`)},
		{TokenALL, regexp.MustCompile(`^(?i)all\b`)},
		{TokenANY, regexp.MustCompile(`^(?i)any\b`)},
		{TokenONE, regexp.MustCompile(`^(?i)one\b`)},
		{TokenTHEM, regexp.MustCompile(`^(?i)them\b`)},
		{TokenNUMBER, regexp.MustCompile(`^\d+\b`)},
		{TokenLPAREN, regexp.MustCompile(`^\(`)},
		{TokenRPAREN, regexp.MustCompile(`^\)`)},
		{TokenIDENTIFIER, regexp.MustCompile(`^[A-Za-z0-9_*-]+`)},
	}

	whitespacePattern = regexp.MustCompile(`^\s+`)
)

// Tokenize splits a condition expression into tokens terminated by EOF.
// Keywords are case-insensitive.
func Tokenize(expression string) ([]Token, error) {
	var tokens []Token
	position := 0

	for position < len(expression) {
		if ws := whitespacePattern.FindString(expression[position:]); ws != "" {
			position += len(ws)
			continue
		}

		matched := false
		for _, tp := range tokenPatterns {
			if m := tp.Pattern.FindString(expression[position:]); m != "" {
				tokens = append(tokens, Token{Type: tp.Type, Value: m, Position: position})
				position += len(m)
				matched = true
				break
			}
		}
		if !matched {
			end := position + 20
			if end > len(expression) {
				end = len(expression)
			}
			return nil, &ParseError{
				Expression: expression,
				Position:   position,
				Token:      expression[position:end],
				Reason:     fmt.Sprintf("invalid character %q", expression[position]),
			}
		}
	}

	tokens = append(tokens, Token{Type: TokenEOF, Position: position})
	return tokens, nil
}

// ConditionParser is a recursive-descent parser for GrammarPrecedence.
//
// Grammar:
//
//	or_expr      := and_expr ( "or" and_expr )*
//	and_expr     := not_expr ( "and" not_expr )*
//	not_expr     := "not" not_expr | primary
//	primary      := "(" or_expr ")" | IDENTIFIER | quantifier "of" target
//	quantifier   := "1" | "one" | "any" | "all"
//	target       := "them" | IDENTIFIER
//
// Chains of the same operator are flattened into one n-ary node. A parser is
// not safe for concurrent use; create one per call.
type ConditionParser struct {
	expression string
	tokens     []Token
	position   int
}

// NewConditionParser creates a new parser instance.
func NewConditionParser() *ConditionParser {
	return &ConditionParser{}
}

// Parse parses a full expression and fails on trailing tokens.
func (p *ConditionParser) Parse(expression string) (ConditionNode, error) {
	tokens, err := Tokenize(expression)
	if err != nil {
		return nil, err
	}
	p.expression = expression
	p.tokens = tokens
	p.position = 0

	ast, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if cur := p.peek(); cur.Type != TokenEOF {
		return nil, p.errorAt(cur, "unexpected tokens after complete expression")
	}
	return ast, nil
}

func (p *ConditionParser) parseOr() (ConditionNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	args := []ConditionNode{left}
	for p.peek().Type == TokenOR {
		op := p.consume()
		right, err := p.parseAnd()
		if err != nil {
			if p.peek().Type == TokenEOF {
				return nil, p.errorAt(op, "OR operator missing right operand")
			}
			return nil, err
		}
		args = append(args, right)
	}
	return join(LinkOr, flatten(args, LinkOr)), nil
}

func (p *ConditionParser) parseAnd() (ConditionNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	args := []ConditionNode{left}
	for p.peek().Type == TokenAND {
		op := p.consume()
		right, err := p.parseNot()
		if err != nil {
			if p.peek().Type == TokenEOF {
				return nil, p.errorAt(op, "AND operator missing right operand")
			}
			return nil, err
		}
		args = append(args, right)
	}
	return join(LinkAnd, flatten(args, LinkAnd)), nil
}

func (p *ConditionParser) parseNot() (ConditionNode, error) {
	if p.peek().Type != TokenNOT {
		return p.parsePrimary()
	}
	op := p.consume()
	child, err := p.parseNot()
	if err != nil {
		if p.peek().Type == TokenEOF {
			return nil, p.errorAt(op, "NOT operator missing operand")
		}
		return nil, err
	}
	return &Not{Arg: child}, nil
}

func (p *ConditionParser) parsePrimary() (ConditionNode, error) {
	cur := p.peek()

	switch cur.Type {
	case TokenLPAREN:
		p.consume()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.peek(); closing.Type != TokenRPAREN {
			return nil, p.errorAt(closing, fmt.Sprintf("unmatched opening parenthesis at position %d", cur.Position))
		}
		p.consume()
		return expr, nil

	case TokenIDENTIFIER:
		p.consume()
		return &Selector{Quantifier: QuantifierOne, Pattern: cur.Value}, nil

	case TokenALL, TokenANY, TokenONE, TokenNUMBER:
		return p.parseSelector()

	case TokenEOF:
		return nil, p.errorAt(cur, "unexpected end of expression")
	case TokenRPAREN:
		return nil, p.errorAt(cur, "unmatched closing parenthesis")
	case TokenAND, TokenOR:
		return nil, p.errorAt(cur, cur.Type.String()+" operator missing left operand")
	case TokenOF:
		return nil, p.errorAt(cur, "missing quantifier before OF")
	case TokenTHEM:
		return nil, p.errorAt(cur, "THEM must follow a quantifier (did you mean 'all of them'?)")
	default:
		return nil, p.errorAt(cur, "expected detection name or parenthesized expression")
	}
}

// parseSelector handles "<quantifier> of <target>".
func (p *ConditionParser) parseSelector() (ConditionNode, error) {
	q := p.consume()

	var quantifier string
	switch q.Type {
	case TokenALL:
		quantifier = QuantifierAll
	case TokenANY:
		quantifier = QuantifierAny
	case TokenONE:
		quantifier = QuantifierOne
	case TokenNUMBER:
		if q.Value != QuantifierOne {
			return nil, p.errorAt(q, "only '1 of' is supported as a numeric quantifier")
		}
		quantifier = QuantifierOne
	}

	if of := p.peek(); of.Type != TokenOF {
		return nil, p.errorAt(of, fmt.Sprintf("expected OF after %q", q.Value))
	}
	p.consume()

	target := p.peek()
	switch target.Type {
	case TokenTHEM:
		p.consume()
		return &Selector{Quantifier: quantifier, Pattern: ThemPattern}, nil
	case TokenIDENTIFIER:
		p.consume()
		return &Selector{Quantifier: quantifier, Pattern: target.Value}, nil
	default:
		return nil, p.errorAt(target, "expected THEM or a detection name pattern after OF")
	}
}

func (p *ConditionParser) peek() Token {
	if p.position >= len(p.tokens) {
		return p.tokens[len(p.tokens)-1]
	}
	return p.tokens[p.position]
}

func (p *ConditionParser) consume() Token {
	t := p.peek()
	if p.position < len(p.tokens) {
		p.position++
	}
	return t
}

func (p *ConditionParser) errorAt(t Token, reason string) error {
	token := t.Value
	if t.Type == TokenEOF {
		token = "<end>"
	}
	return &ParseError{Expression: p.expression, Position: t.Position, Token: token, Reason: reason}
}

// flatten splices nested nodes of the same operator into args.
func flatten(args []ConditionNode, linking Linking) []ConditionNode {
	out := make([]ConditionNode, 0, len(args))
	for _, a := range args {
		switch n := a.(type) {
		case *And:
			if linking == LinkAnd {
				out = append(out, n.Args...)
				continue
			}
		case *Or:
			if linking == LinkOr {
				out = append(out, n.Args...)
				continue
			}
		}
		out = append(out, a)
	}
	return out
}
