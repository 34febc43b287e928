package template

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExtractVariableSchema walks tmplSrc's AST and records every Name/Getattr/
// Getitem access and every for-loop iterable into a path graph, returning a
// JSON Schema document describing the shape of the variables the template
// expects. startSchema, if non-nil, seeds the returned document (existing
// keys at a path are kept); useTypesFrom, if non-nil, donates type/
// description/examples/format/enum for any path also present in the
// template, without adding paths the template doesn't reference.
func ExtractVariableSchema(tmplSrc string, startSchema, useTypesFrom []byte) (schema []byte, wasTemplated bool, err error) {
	nodes, err := parse(tmplSrc)
	if err != nil {
		return nil, false, err
	}

	root, err := seedSchema(startSchema)
	if err != nil {
		return nil, false, err
	}

	var paths [][]string
	walkNodes(nodes, map[string][]string{}, func(p []string) {
		if len(p) > 0 {
			paths = append(paths, p)
		}
	})
	for _, p := range paths {
		insertPath(root, p)
	}

	if len(useTypesFrom) > 0 {
		var source map[string]any
		if err := json.Unmarshal(useTypesFrom, &source); err != nil {
			return nil, false, &InvalidTemplate{Message: "use_types_from is not valid JSON: " + err.Error()}
		}
		mergeTypes(root, source)
	}

	out, err := json.Marshal(root)
	if err != nil {
		return nil, false, err
	}
	if err := validateSchemaDocument(out); err != nil {
		return nil, false, err
	}
	return out, hasTemplateConstructs(nodes), nil
}

func seedSchema(startSchema []byte) (map[string]any, error) {
	root := map[string]any{"type": "object", "properties": map[string]any{}}
	if len(startSchema) == 0 {
		return root, nil
	}
	var seeded map[string]any
	if err := json.Unmarshal(startSchema, &seeded); err != nil {
		return nil, &InvalidTemplate{Message: "start_schema is not valid JSON: " + err.Error()}
	}
	if seeded["type"] == nil {
		seeded["type"] = "object"
	}
	if _, ok := seeded["properties"].(map[string]any); !ok {
		seeded["properties"] = map[string]any{}
	}
	return seeded, nil
}

// validateSchemaDocument confirms the document we produced is itself a
// structurally valid JSON Schema by compiling it with jsonschema.
func validateSchemaDocument(doc []byte) error {
	if _, err := jsonschema.CompileString("variable_schema.json", string(doc)); err != nil {
		return &InvalidTemplate{Message: "generated schema is invalid: " + err.Error()}
	}
	return nil
}

func hasTemplateConstructs(nodes []Node) bool {
	for _, n := range nodes {
		switch x := n.(type) {
		case VarNode:
			return true
		case IfNode:
			if hasTemplateConstructs(x.Body) || hasTemplateConstructs(x.Else) {
				return true
			}
		case ForNode:
			return true
		}
	}
	return false
}

// collectPaths records every variable access path reachable from e: a bare
// name, or an attribute/item chain rooted in one. env resolves loop aliases
// to the path of the iterable they were bound from.
func collectPaths(e Expr, env map[string][]string, add func([]string)) {
	switch x := e.(type) {
	case NameExpr:
		add(resolveName(x.Name, env))
	case AttrExpr:
		if path, ok := chainPath(x, env); ok {
			add(path)
			return
		}
		collectPaths(x.Obj, env, add)
	case ItemExpr:
		if path, ok := chainPath(x, env); ok {
			add(path)
			return
		}
		collectPaths(x.Obj, env, add)
		collectPaths(x.Index, env, add)
	case NotExpr:
		collectPaths(x.X, env, add)
	case BinaryExpr:
		collectPaths(x.Left, env, add)
		collectPaths(x.Right, env, add)
	case LiteralExpr:
		// literals contribute no variable path
	}
}

func resolveName(name string, env map[string][]string) []string {
	if p, ok := env[name]; ok {
		return append([]string{}, p...)
	}
	return []string{name}
}

// chainPath resolves a pure Name/Attr/Item chain to its full path. It
// returns ok=false for anything else (a literal base, a comparison, etc.)
// so the caller falls back to recursing into sub-expressions instead.
func chainPath(e Expr, env map[string][]string) ([]string, bool) {
	switch x := e.(type) {
	case NameExpr:
		return resolveName(x.Name, env), true
	case AttrExpr:
		base, ok := chainPath(x.Obj, env)
		if !ok {
			return nil, false
		}
		return append(base, x.Attr), true
	case ItemExpr:
		base, ok := chainPath(x.Obj, env)
		if !ok {
			return nil, false
		}
		if lit, ok2 := x.Index.(LiteralExpr); ok2 {
			if s, ok3 := lit.Value.(string); ok3 {
				return append(base, s), true
			}
		}
		return append(base, "*"), true
	default:
		return nil, false
	}
}

// walkNodes recurses through the node tree, pushing for-loop alias bindings
// into a per-branch copy of env so sibling branches don't see each other's
// aliases.
func walkNodes(nodes []Node, env map[string][]string, add func([]string)) {
	for _, n := range nodes {
		switch x := n.(type) {
		case VarNode:
			collectPaths(x.Expr, env, add)
		case IfNode:
			collectPaths(x.Cond, env, add)
			walkNodes(x.Body, env, add)
			walkNodes(x.Else, env, add)
		case ForNode:
			walkFor(x, env, add)
		}
	}
}

func walkFor(n ForNode, env map[string][]string, add func([]string)) {
	iterPath, ok := chainPath(n.Iter, env)
	if ok {
		add(append([]string{}, iterPath...))
	} else {
		collectPaths(n.Iter, env, add)
	}

	childEnv := make(map[string][]string, len(env)+2)
	for k, v := range env {
		childEnv[k] = v
	}
	if ok {
		itemPath := append(append([]string{}, iterPath...), "*")
		switch len(n.Vars) {
		case 2:
			// tuple unpacking over (key, value) pairs: the value aliases to
			// the array element; the key has no schema-bearing path.
			childEnv[n.Vars[1]] = itemPath
		case 1:
			childEnv[n.Vars[0]] = itemPath
		}
	}
	walkNodes(n.Body, childEnv, add)
}

// insertPath grows root's properties/items tree to include path, leaving
// any already-present sibling keys untouched.
func insertPath(root map[string]any, path []string) {
	node := root
	for _, seg := range path {
		if seg == "*" {
			node["type"] = "array"
			items, ok := node["items"].(map[string]any)
			if !ok {
				items = map[string]any{}
				node["items"] = items
			}
			node = items
			continue
		}
		if node["type"] == nil {
			node["type"] = "object"
		}
		props, ok := node["properties"].(map[string]any)
		if !ok {
			props = map[string]any{}
			node["properties"] = props
		}
		child, ok := props[seg].(map[string]any)
		if !ok {
			child = map[string]any{}
			props[seg] = child
		}
		node = child
	}
}

// mergeTypes copies type/description/examples/format/enum from source onto
// built wherever the two schemas share a path, recursing through
// properties and items.
func mergeTypes(built, source map[string]any) {
	for _, key := range []string{"type", "description", "examples", "format", "enum"} {
		if v, ok := source[key]; ok {
			built[key] = v
		}
	}
	if bprops, ok := built["properties"].(map[string]any); ok {
		if sprops, ok2 := source["properties"].(map[string]any); ok2 {
			for name, bchild := range bprops {
				childMap, ok3 := bchild.(map[string]any)
				if !ok3 {
					continue
				}
				if schild, ok4 := sprops[name].(map[string]any); ok4 {
					mergeTypes(childMap, schild)
				}
			}
		}
	}
	if bitems, ok := built["items"].(map[string]any); ok {
		if sitems, ok2 := source["items"].(map[string]any); ok2 {
			mergeTypes(bitems, sitems)
		}
	}
}
