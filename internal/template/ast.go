package template

// Node is one element of a parsed template body.
type Node interface{ isNode() }

// TextNode is literal output copied through unchanged.
type TextNode struct{ Text string }

// VarNode is a {{ expr }} interpolation.
type VarNode struct{ Expr Expr }

// IfNode is a {% if cond %}...{% else %}...{% endif %} block.
type IfNode struct {
	Cond Expr
	Body []Node
	Else []Node
}

// ForNode is a {% for v[, v2] in iter %}...{% endfor %} block. Vars holds
// one name for a plain loop, two for tuple-unpacking over (key, value)
// pairs.
type ForNode struct {
	Vars []string
	Iter Expr
	Body []Node
}

func (TextNode) isNode() {}
func (VarNode) isNode()  {}
func (IfNode) isNode()   {}
func (ForNode) isNode()  {}

// Expr is a side-effect-free expression: a name, an attribute/item access
// chain off a name, a literal, or a boolean combination of those. There is
// no call expression — templates may not invoke functions.
type Expr interface{ isExpr() }

// NameExpr resolves a bare variable from the current scope (either the
// render's top-level variables map, or a loop alias bound by an enclosing
// ForNode).
type NameExpr struct{ Name string }

// AttrExpr is `obj.Attr` — map key or struct-like field access.
type AttrExpr struct {
	Obj  Expr
	Attr string
}

// ItemExpr is `obj[Index]` — slice/map index access.
type ItemExpr struct {
	Obj   Expr
	Index Expr
}

// LiteralExpr is a quoted string, number, true/false/none token.
type LiteralExpr struct{ Value any }

// NotExpr negates its operand's truthiness.
type NotExpr struct{ X Expr }

// BinaryExpr combines two operands with "and", "or", "==", "!=", or "in".
type BinaryExpr struct {
	Op    string
	Left  Expr
	Right Expr
}

func (NameExpr) isExpr()   {}
func (AttrExpr) isExpr()   {}
func (ItemExpr) isExpr()   {}
func (LiteralExpr) isExpr() {}
func (NotExpr) isExpr()    {}
func (BinaryExpr) isExpr() {}
