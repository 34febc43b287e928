package template

import (
	"fmt"
	"strconv"
	"strings"
)

// Context holds the variables visible to a render: a base scope built from
// the caller's variables map, plus a stack of loop-alias scopes pushed by
// enclosing ForNodes. It also tracks which top-level variable names were
// actually referenced, for render's used_variable_names return value.
type Context struct {
	scopes []map[string]any
	used   map[string]bool
}

func newContext(vars map[string]any) *Context {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Context{scopes: []map[string]any{vars}, used: map[string]bool{}}
}

func (c *Context) push(scope map[string]any) { c.scopes = append(c.scopes, scope) }
func (c *Context) pop()                      { c.scopes = c.scopes[:len(c.scopes)-1] }

func (c *Context) lookup(name string) (any, bool, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if v, ok := c.scopes[i][name]; ok {
			return v, true, i == 0
		}
	}
	return nil, false, false
}

func (c *Context) usedNames() []string {
	names := make([]string, 0, len(c.used))
	for n := range c.used {
		names = append(names, n)
	}
	return names
}

func evalExpr(expr Expr, ctx *Context) (any, error) {
	switch e := expr.(type) {
	case NameExpr:
		v, ok, isBase := ctx.lookup(e.Name)
		if !ok {
			return nil, nil
		}
		if isBase {
			ctx.used[e.Name] = true
		}
		return v, nil
	case AttrExpr:
		obj, err := evalExpr(e.Obj, ctx)
		if err != nil {
			return nil, err
		}
		return getAttr(obj, e.Attr), nil
	case ItemExpr:
		obj, err := evalExpr(e.Obj, ctx)
		if err != nil {
			return nil, err
		}
		idx, err := evalExpr(e.Index, ctx)
		if err != nil {
			return nil, err
		}
		return getItem(obj, idx), nil
	case LiteralExpr:
		return e.Value, nil
	case NotExpr:
		x, err := evalExpr(e.X, ctx)
		if err != nil {
			return nil, err
		}
		return !truthy(x), nil
	case BinaryExpr:
		return evalBinary(e, ctx)
	default:
		return nil, fmt.Errorf("unhandled expression type %T", expr)
	}
}

func evalBinary(e BinaryExpr, ctx *Context) (any, error) {
	switch e.Op {
	case "and":
		left, err := evalExpr(e.Left, ctx)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := evalExpr(e.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	case "or":
		left, err := evalExpr(e.Left, ctx)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := evalExpr(e.Right, ctx)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := evalExpr(e.Left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := evalExpr(e.Right, ctx)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "in":
		return containsValue(right, left), nil
	default:
		return nil, fmt.Errorf("unknown operator %q", e.Op)
	}
}

func getAttr(obj any, attr string) any {
	switch v := obj.(type) {
	case map[string]any:
		return v[attr]
	default:
		return nil
	}
}

func getItem(obj any, idx any) any {
	switch v := obj.(type) {
	case map[string]any:
		key, _ := idx.(string)
		return v[key]
	case []any:
		n, ok := toInt(idx)
		if !ok || n < 0 || n >= len(v) {
			return nil
		}
		return v[n]
	default:
		return nil
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		parsed, err := strconv.Atoi(n)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func valuesEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b) && (a == nil) == (b == nil)
}

func containsValue(container, needle any) bool {
	switch c := container.(type) {
	case []any:
		for _, item := range c {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := needle.(string)
		if !ok {
			return false
		}
		_, found := c[key]
		return found
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(c, s)
	default:
		return false
	}
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// render walks nodes under ctx, writing output text.
func render(nodes []Node, ctx *Context, out *strings.Builder) error {
	for _, node := range nodes {
		switch n := node.(type) {
		case TextNode:
			out.WriteString(n.Text)
		case VarNode:
			v, err := evalExpr(n.Expr, ctx)
			if err != nil {
				return err
			}
			out.WriteString(stringify(v))
		case IfNode:
			cond, err := evalExpr(n.Cond, ctx)
			if err != nil {
				return err
			}
			body := n.Else
			if truthy(cond) {
				body = n.Body
			}
			if err := render(body, ctx, out); err != nil {
				return err
			}
		case ForNode:
			if err := renderFor(n, ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func renderFor(n ForNode, ctx *Context, out *strings.Builder) error {
	iter, err := evalExpr(n.Iter, ctx)
	if err != nil {
		return err
	}
	switch items := iter.(type) {
	case []any:
		for _, item := range items {
			scope, err := bindLoopVars(n.Vars, item)
			if err != nil {
				return err
			}
			ctx.push(scope)
			err = render(n.Body, ctx, out)
			ctx.pop()
			if err != nil {
				return err
			}
		}
	case map[string]any:
		for k, v := range items {
			var scope map[string]any
			if len(n.Vars) == 2 {
				scope = map[string]any{n.Vars[0]: k, n.Vars[1]: v}
			} else {
				scope = map[string]any{n.Vars[0]: v}
			}
			ctx.push(scope)
			err := render(n.Body, ctx, out)
			ctx.pop()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func bindLoopVars(vars []string, item any) (map[string]any, error) {
	if len(vars) == 1 {
		return map[string]any{vars[0]: item}, nil
	}
	pair, ok := item.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("cannot unpack loop item into %d variables", len(vars))
	}
	return map[string]any{vars[0]: pair[0], vars[1]: pair[1]}, nil
}
