package codegen

import (
	"strconv"
	"strings"

	"github.com/kestreldb/kestrel/internal/kerr"
	"github.com/kestreldb/kestrel/internal/tokenizer"
	"github.com/kestreldb/kestrel/internal/vm"
)

// parser drives the tokenizer and builds statement trees. Whitespace and
// comment tokens are dropped up front; everything else is consumed by a
// straightforward recursive descent.
type parser struct {
	src    []byte
	toks   []tokenizer.Token
	i      int
	nParam int // auto-numbering for bare '?'
	params map[string]int
}

// Parse compiles sql into a single statement tree. A trailing semicolon
// is allowed; trailing garbage is an error.
func Parse(sql string) (Stmt, error) {
	src := []byte(sql)
	all, err := tokenizer.Tokenize(src)
	if err != nil {
		return nil, kerr.Wrap(kerr.ErrGeneric, err, "tokenize")
	}
	toks := all[:0:0]
	for _, t := range all {
		switch t.Kind {
		case tokenizer.Whitespace, tokenizer.LineComment, tokenizer.BlockComment:
		case tokenizer.Illegal:
			return nil, kerr.New(kerr.ErrGeneric, "illegal token near %q", t.Text(src))
		default:
			toks = append(toks, t)
		}
	}
	p := &parser{src: src, toks: toks, params: map[string]int{}}
	stmt, err := p.statement()
	if err != nil {
		return nil, err
	}
	p.acceptOp(";")
	if !p.atEnd() {
		return nil, p.errf("unexpected %q after statement", p.text())
	}
	return stmt, nil
}

// ── token plumbing ─────────────────────────────────────────────────────────

func (p *parser) atEnd() bool { return p.i >= len(p.toks) }

func (p *parser) tok() tokenizer.Token {
	if p.atEnd() {
		return tokenizer.Token{Kind: tokenizer.EOF}
	}
	return p.toks[p.i]
}

func (p *parser) text() string {
	if p.atEnd() {
		return "end of input"
	}
	return p.toks[p.i].Text(p.src)
}

func (p *parser) advance() { p.i++ }

func (p *parser) errf(format string, args ...any) error {
	return kerr.New(kerr.ErrGeneric, "parse error: "+format, args...)
}

// acceptKw consumes the next token when it is the given keyword (or a
// plain identifier spelled the same, for words outside the fixed
// keyword table such as DROP or COPY).
func (p *parser) acceptKw(word string) bool {
	t := p.tok()
	if t.Kind != tokenizer.Keyword && t.Kind != tokenizer.Ident {
		return false
	}
	if !strings.EqualFold(t.Text(p.src), word) {
		return false
	}
	p.advance()
	return true
}

func (p *parser) expectKw(word string) error {
	if !p.acceptKw(word) {
		return p.errf("expected %s, found %q", word, p.text())
	}
	return nil
}

func (p *parser) peekKw(word string) bool {
	t := p.tok()
	return (t.Kind == tokenizer.Keyword || t.Kind == tokenizer.Ident) &&
		strings.EqualFold(t.Text(p.src), word)
}

func (p *parser) acceptOp(op string) bool {
	t := p.tok()
	if t.Kind != tokenizer.Operator || t.Text(p.src) != op {
		return false
	}
	p.advance()
	return true
}

func (p *parser) expectOp(op string) error {
	if !p.acceptOp(op) {
		return p.errf("expected %q, found %q", op, p.text())
	}
	return nil
}

func (p *parser) peekOp(op string) bool {
	t := p.tok()
	return t.Kind == tokenizer.Operator && t.Text(p.src) == op
}

// ident consumes an identifier (plain, bracketed, or a keyword usable
// as a name in this position).
func (p *parser) ident() (string, error) {
	t := p.tok()
	switch t.Kind {
	case tokenizer.Ident:
		p.advance()
		return t.Text(p.src), nil
	case tokenizer.BracketIdent:
		p.advance()
		s := t.Text(p.src)
		s = strings.TrimPrefix(s, "[")
		s = strings.TrimSuffix(s, "]")
		return s, nil
	default:
		return "", p.errf("expected identifier, found %q", p.text())
	}
}

// ── statements ─────────────────────────────────────────────────────────────

func (p *parser) statement() (Stmt, error) {
	switch {
	case p.acceptKw("EXPLAIN"):
		inner, err := p.statement()
		if err != nil {
			return nil, err
		}
		return &ExplainStmt{Inner: inner}, nil
	case p.peekKw("SELECT"):
		return p.selectStmt()
	case p.acceptKw("INSERT"):
		return p.insertStmt()
	case p.acceptKw("UPDATE"):
		return p.updateStmt()
	case p.acceptKw("DELETE"):
		return p.deleteStmt()
	case p.acceptKw("CREATE"):
		return p.createStmt()
	case p.acceptKw("DROP"):
		return p.dropStmt()
	case p.acceptKw("BEGIN"):
		return &TxnStmt{Kind: "BEGIN"}, nil
	case p.acceptKw("COMMIT"):
		return &TxnStmt{Kind: "COMMIT"}, nil
	case p.acceptKw("ROLLBACK"):
		return &TxnStmt{Kind: "ROLLBACK"}, nil
	case p.acceptKw("COPY"):
		return p.copyStmt()
	case p.acceptKw("PRAGMA"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &PragmaStmt{Name: strings.ToLower(name)}, nil
	default:
		return nil, p.errf("unrecognized statement starting at %q", p.text())
	}
}

func (p *parser) selectStmt() (*SelectStmt, error) {
	if err := p.expectKw("SELECT"); err != nil {
		return nil, err
	}
	sel := &SelectStmt{Limit: -1}
	for {
		if p.acceptOp("*") {
			sel.Columns = append(sel.Columns, ResultColumn{Star: true})
		} else {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			rc := ResultColumn{Expr: e}
			if p.acceptKw("AS") {
				alias, err := p.ident()
				if err != nil {
					return nil, err
				}
				rc.Alias = alias
			}
			sel.Columns = append(sel.Columns, rc)
		}
		if !p.acceptOp(",") {
			break
		}
	}
	if p.acceptKw("FROM") {
		for {
			name, err := p.ident()
			if err != nil {
				return nil, err
			}
			tr := TableRef{Name: name}
			if t := p.tok(); t.Kind == tokenizer.Ident && !p.peekAnyClause() {
				tr.Alias, _ = p.ident()
			}
			sel.From = append(sel.From, tr)
			if p.acceptOp(",") {
				continue
			}
			if p.acceptKw("JOIN") {
				continue
			}
			break
		}
		// JOIN ... ON folds into WHERE.
		if p.acceptKw("ON") {
			on, err := p.expr()
			if err != nil {
				return nil, err
			}
			sel.Where = on
		}
	}
	if p.acceptKw("WHERE") {
		w, err := p.expr()
		if err != nil {
			return nil, err
		}
		if sel.Where != nil {
			sel.Where = &Binary{Op: "AND", L: sel.Where, R: w}
		} else {
			sel.Where = w
		}
	}
	if p.acceptKw("GROUP") {
		if err := p.expectKw("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, e)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if p.acceptKw("HAVING") {
		h, err := p.expr()
		if err != nil {
			return nil, err
		}
		sel.Having = h
	}
	if p.acceptKw("ORDER") {
		if err := p.expectKw("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			term := OrderTerm{Expr: e}
			if p.acceptKw("DESC") {
				term.Desc = true
			} else {
				p.acceptKw("ASC")
			}
			sel.OrderBy = append(sel.OrderBy, term)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if p.acceptKw("LIMIT") {
		n, err := p.intLiteral()
		if err != nil {
			return nil, err
		}
		sel.Limit = n
		if p.acceptKw("OFFSET") {
			m, err := p.intLiteral()
			if err != nil {
				return nil, err
			}
			sel.Offset = m
		}
	}
	return sel, nil
}

// peekAnyClause reports whether the next identifier-looking token is
// really a clause keyword, so "FROM t WHERE" doesn't read WHERE as an
// alias.
func (p *parser) peekAnyClause() bool {
	for _, w := range []string{"WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "JOIN", "ON"} {
		if p.peekKw(w) {
			return true
		}
	}
	return false
}

func (p *parser) intLiteral() (int, error) {
	t := p.tok()
	if t.Kind != tokenizer.Integer {
		return 0, p.errf("expected integer, found %q", p.text())
	}
	p.advance()
	n, err := strconv.Atoi(t.Text(p.src))
	if err != nil {
		return 0, p.errf("bad integer %q", t.Text(p.src))
	}
	return n, nil
}

func (p *parser) insertStmt() (*InsertStmt, error) {
	if err := p.expectKw("INTO"); err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	ins := &InsertStmt{Table: name}
	if p.acceptOp("(") {
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			ins.Columns = append(ins.Columns, col)
			if !p.acceptOp(",") {
				break
			}
		}
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
	}
	if p.acceptKw("VALUES") {
		for {
			if err := p.expectOp("("); err != nil {
				return nil, err
			}
			var row []Expr
			for {
				e, err := p.expr()
				if err != nil {
					return nil, err
				}
				row = append(row, e)
				if !p.acceptOp(",") {
					break
				}
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			ins.Rows = append(ins.Rows, row)
			if !p.acceptOp(",") {
				break
			}
		}
		return ins, nil
	}
	if p.peekKw("SELECT") {
		sub, err := p.selectStmt()
		if err != nil {
			return nil, err
		}
		ins.Sub = sub
		return ins, nil
	}
	return nil, p.errf("expected VALUES or SELECT, found %q", p.text())
}

func (p *parser) updateStmt() (*UpdateStmt, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("SET"); err != nil {
		return nil, err
	}
	up := &UpdateStmt{Table: name}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if err := p.expectOp("="); err != nil {
			return nil, err
		}
		val, err := p.expr()
		if err != nil {
			return nil, err
		}
		up.Sets = append(up.Sets, SetClause{Column: col, Value: val})
		if !p.acceptOp(",") {
			break
		}
	}
	if p.acceptKw("WHERE") {
		w, err := p.expr()
		if err != nil {
			return nil, err
		}
		up.Where = w
	}
	return up, nil
}

func (p *parser) deleteStmt() (*DeleteStmt, error) {
	if err := p.expectKw("FROM"); err != nil {
		return nil, err
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	del := &DeleteStmt{Table: name}
	if p.acceptKw("WHERE") {
		w, err := p.expr()
		if err != nil {
			return nil, err
		}
		del.Where = w
	}
	return del, nil
}

func (p *parser) createStmt() (Stmt, error) {
	unique := p.acceptKw("UNIQUE")
	switch {
	case !unique && p.acceptKw("TABLE"):
		return p.createTable()
	case p.acceptKw("INDEX"):
		return p.createIndex(unique)
	default:
		return nil, p.errf("expected TABLE or INDEX after CREATE, found %q", p.text())
	}
}

func (p *parser) createTable() (*CreateTableStmt, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	ct := &CreateTableStmt{Name: name, SQL: strings.TrimSpace(strings.TrimSuffix(string(p.src), ";"))}
	for {
		col, err := p.columnDef()
		if err != nil {
			return nil, err
		}
		ct.Columns = append(ct.Columns, *col)
		if !p.acceptOp(",") {
			break
		}
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return ct, nil
}

func (p *parser) columnDef() (*ColumnDef, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	def := &ColumnDef{Name: name}
	// Optional type: a type keyword or identifier, possibly with a
	// parenthesized width that is parsed and ignored.
	t := p.tok()
	if t.Kind == tokenizer.Keyword || t.Kind == tokenizer.Ident {
		switch strings.ToUpper(t.Text(p.src)) {
		case "PRIMARY", "UNIQUE", "NOT", "DEFAULT":
		default:
			def.Type = strings.ToUpper(t.Text(p.src))
			p.advance()
			if p.acceptOp("(") {
				for !p.peekOp(")") && !p.atEnd() {
					p.advance()
				}
				if err := p.expectOp(")"); err != nil {
					return nil, err
				}
			}
		}
	}
	for {
		switch {
		case p.acceptKw("PRIMARY"):
			if err := p.expectKw("KEY"); err != nil {
				return nil, err
			}
			def.PrimaryKey = true
		case p.acceptKw("UNIQUE"):
			def.Unique = true
		case p.acceptKw("NOT"):
			if err := p.expectKw("NULL"); err != nil {
				return nil, err
			}
			def.NotNull = true
		case p.acceptKw("DEFAULT"):
			e, err := p.primary()
			if err != nil {
				return nil, err
			}
			def.Default = e
		default:
			return def, nil
		}
	}
}

func (p *parser) createIndex(unique bool) (*CreateIndexStmt, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("ON"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	ci := &CreateIndexStmt{
		Name: name, Table: table, Unique: unique,
		SQL: strings.TrimSpace(strings.TrimSuffix(string(p.src), ";")),
	}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		ci.Columns = append(ci.Columns, col)
		if !p.acceptOp(",") {
			break
		}
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return ci, nil
}

func (p *parser) dropStmt() (*DropStmt, error) {
	switch {
	case p.acceptKw("TABLE"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &DropStmt{Name: name}, nil
	case p.acceptKw("INDEX"):
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &DropStmt{Name: name, Index: true}, nil
	default:
		return nil, p.errf("expected TABLE or INDEX after DROP, found %q", p.text())
	}
}

func (p *parser) copyStmt() (*CopyStmt, error) {
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKw("FROM"); err != nil {
		return nil, err
	}
	file, err := p.stringLiteral()
	if err != nil {
		return nil, err
	}
	cp := &CopyStmt{Table: table, File: file}
	if p.acceptKw("USING") {
		if err := p.expectKw("DELIMITERS"); err != nil {
			return nil, err
		}
		d, err := p.stringLiteral()
		if err != nil {
			return nil, err
		}
		cp.Delim = d
	}
	return cp, nil
}

func (p *parser) stringLiteral() (string, error) {
	t := p.tok()
	if t.Kind != tokenizer.StringLiteral {
		return "", p.errf("expected string literal, found %q", p.text())
	}
	p.advance()
	return unquote(t.Text(p.src)), nil
}

// unquote strips the delimiters of a quoted literal and collapses
// doubled quotes.
func unquote(s string) string {
	if len(s) < 2 {
		return s
	}
	q := s[0]
	body := s[1 : len(s)-1]
	return strings.ReplaceAll(body, string([]byte{q, q}), string(q))
}

// ── expressions ────────────────────────────────────────────────────────────

func (p *parser) expr() (Expr, error) { return p.orExpr() }

func (p *parser) orExpr() (Expr, error) {
	l, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	for p.acceptKw("OR") {
		r, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "OR", L: l, R: r}
	}
	return l, nil
}

func (p *parser) andExpr() (Expr, error) {
	l, err := p.notExpr()
	if err != nil {
		return nil, err
	}
	for p.acceptKw("AND") {
		r, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "AND", L: l, R: r}
	}
	return l, nil
}

func (p *parser) notExpr() (Expr, error) {
	if p.acceptKw("NOT") {
		x, err := p.notExpr()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", X: x}, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (Expr, error) {
	l, err := p.additive()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.peekOp("="), p.peekOp("=="):
			p.advance()
			r, err := p.additive()
			if err != nil {
				return nil, err
			}
			l = &Binary{Op: "=", L: l, R: r}
		case p.peekOp("!="), p.peekOp("<>"):
			p.advance()
			r, err := p.additive()
			if err != nil {
				return nil, err
			}
			l = &Binary{Op: "<>", L: l, R: r}
		case p.peekOp("<"), p.peekOp("<="), p.peekOp(">"), p.peekOp(">="):
			op := p.text()
			p.advance()
			r, err := p.additive()
			if err != nil {
				return nil, err
			}
			l = &Binary{Op: op, L: l, R: r}
		case p.peekKw("LIKE"), p.peekKw("GLOB"):
			op := strings.ToUpper(p.text())
			p.advance()
			r, err := p.additive()
			if err != nil {
				return nil, err
			}
			l = &Binary{Op: op, L: l, R: r}
		case p.peekKw("IS"):
			p.advance()
			not := p.acceptKw("NOT")
			if err := p.expectKw("NULL"); err != nil {
				return nil, err
			}
			l = &IsNull{X: l, Not: not}
		case p.peekKw("IN"):
			p.advance()
			in, err := p.inTail(l, false)
			if err != nil {
				return nil, err
			}
			l = in
		default:
			// NOT LIKE / NOT GLOB / NOT IN
			if p.peekKw("NOT") && p.i+1 < len(p.toks) {
				next := strings.ToUpper(p.toks[p.i+1].Text(p.src))
				switch next {
				case "LIKE", "GLOB":
					p.advance()
					p.advance()
					r, err := p.additive()
					if err != nil {
						return nil, err
					}
					l = &Binary{Op: next, L: l, R: r, Invert: true}
					continue
				case "IN":
					p.advance()
					p.advance()
					in, err := p.inTail(l, true)
					if err != nil {
						return nil, err
					}
					l = in
					continue
				}
			}
			return l, nil
		}
	}
}

func (p *parser) inTail(x Expr, not bool) (Expr, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	in := &In{X: x, Not: not}
	if p.peekKw("SELECT") {
		sub, err := p.selectStmt()
		if err != nil {
			return nil, err
		}
		in.Sub = sub
	} else {
		for {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			in.List = append(in.List, e)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return in, nil
}

func (p *parser) additive() (Expr, error) {
	l, err := p.multiplicative()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.peekOp("+"), p.peekOp("-"):
			op := p.text()
			p.advance()
			r, err := p.multiplicative()
			if err != nil {
				return nil, err
			}
			l = &Binary{Op: op, L: l, R: r}
		default:
			return l, nil
		}
	}
}

func (p *parser) multiplicative() (Expr, error) {
	l, err := p.concat()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.peekOp("*"), p.peekOp("/"), p.peekOp("%"):
			op := p.text()
			p.advance()
			r, err := p.concat()
			if err != nil {
				return nil, err
			}
			l = &Binary{Op: op, L: l, R: r}
		default:
			return l, nil
		}
	}
}

func (p *parser) concat() (Expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.peekOp("||") {
		p.advance()
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = &Binary{Op: "||", L: l, R: r}
	}
	return l, nil
}

func (p *parser) unary() (Expr, error) {
	switch {
	case p.acceptOp("-"):
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "-", X: x}, nil
	case p.acceptOp("+"):
		return p.unary()
	default:
		return p.primary()
	}
}

func (p *parser) primary() (Expr, error) {
	t := p.tok()
	switch t.Kind {
	case tokenizer.Integer:
		p.advance()
		n, err := strconv.ParseInt(t.Text(p.src), 10, 64)
		if err != nil {
			return nil, p.errf("bad integer %q", t.Text(p.src))
		}
		return &Literal{Val: vm.Int(n)}, nil
	case tokenizer.Real:
		p.advance()
		f, err := strconv.ParseFloat(t.Text(p.src), 64)
		if err != nil {
			return nil, p.errf("bad number %q", t.Text(p.src))
		}
		return &Literal{Val: vm.Real(f)}, nil
	case tokenizer.StringLiteral:
		p.advance()
		return &Literal{Val: vm.Str(unquote(t.Text(p.src)))}, nil
	case tokenizer.BlobLiteral:
		p.advance()
		s := t.Text(p.src)
		body := unquote(s[1:]) // drop the x
		b, err := hexDecode(body)
		if err != nil {
			return nil, p.errf("bad blob literal %q", s)
		}
		return &Literal{Val: vm.Blob(b)}, nil
	case tokenizer.NumericParam:
		p.advance()
		s := t.Text(p.src)
		if s == "?" {
			p.nParam++
			return &Param{Index: p.nParam}, nil
		}
		n, err := strconv.Atoi(s[1:])
		if err != nil || n <= 0 {
			return nil, p.errf("bad parameter %q", s)
		}
		if n > p.nParam {
			p.nParam = n
		}
		return &Param{Index: n}, nil
	case tokenizer.NamedParam:
		p.advance()
		name := t.Text(p.src)
		if len(name) < 2 {
			return nil, p.errf("parameter %q has no name", name)
		}
		idx, ok := p.params[name]
		if !ok {
			p.nParam++
			idx = p.nParam
			p.params[name] = idx
		}
		return &Param{Index: idx, Name: name}, nil
	case tokenizer.Keyword:
		switch strings.ToUpper(t.Text(p.src)) {
		case "NULL":
			p.advance()
			return &Literal{Val: vm.Null()}, nil
		case "CASE":
			p.advance()
			return p.caseExpr()
		}
		return nil, p.errf("unexpected keyword %q in expression", t.Text(p.src))
	case tokenizer.Ident, tokenizer.BracketIdent:
		name, err := p.ident()
		if err != nil {
			return nil, err
		}
		if p.acceptOp("(") {
			return p.callTail(name)
		}
		if p.acceptOp(".") {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			return &ColumnRef{Table: name, Name: col}, nil
		}
		return &ColumnRef{Name: name}, nil
	case tokenizer.Operator:
		if p.acceptOp("(") {
			e, err := p.expr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
	}
	return nil, p.errf("unexpected %q in expression", p.text())
}

func (p *parser) callTail(name string) (Expr, error) {
	call := &Call{Name: strings.ToLower(name)}
	if p.acceptOp("*") {
		call.Star = true
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
	if p.acceptOp(")") {
		return call, nil
	}
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, e)
		if !p.acceptOp(",") {
			break
		}
	}
	if err := p.expectOp(")"); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) caseExpr() (Expr, error) {
	c := &Case{}
	if !p.peekKw("WHEN") {
		base, err := p.expr()
		if err != nil {
			return nil, err
		}
		c.Base = base
	}
	for p.acceptKw("WHEN") {
		cond, err := p.expr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKw("THEN"); err != nil {
			return nil, err
		}
		val, err := p.expr()
		if err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, When{Cond: cond, Val: val})
	}
	if len(c.Whens) == 0 {
		return nil, p.errf("CASE with no WHEN arms")
	}
	if p.acceptKw("ELSE") {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		c.Else = e
	}
	if err := p.expectKw("END"); err != nil {
		return nil, err
	}
	return c, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, kerr.New(kerr.ErrGeneric, "odd-length blob literal")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi, ok1 := hexVal(s[i])
		lo, ok2 := hexVal(s[i+1])
		if !ok1 || !ok2 {
			return nil, kerr.New(kerr.ErrGeneric, "bad hex digit in blob literal")
		}
		out[i/2] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
