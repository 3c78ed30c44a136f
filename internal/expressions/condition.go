package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rendis/autoflow/pkg/schema"
)

// ConditionEngine evaluates the boolean expressions of condition steps.
//
// Expressions are parsed with expr-lang and then restricted to variable
// lookups, member access, literals, comparisons, membership tests and the
// boolean connectives. Calls, arithmetic, closures, pipes and declarations are
// rejected before anything is evaluated. Evaluation walks the checked tree
// directly: an unset variable is nil, and any ordering comparison involving
// nil or mismatched types is false.
//
// Parsed trees are kept in a bounded LRU cache and the engine is safe for
// concurrent use.
type ConditionEngine struct {
	cache *lru.Cache[string, ast.Node]
}

// NewConditionEngine creates a new condition engine.
func NewConditionEngine() *ConditionEngine {
	return &ConditionEngine{cache: newCompiledCache[ast.Node](0)}
}

// Validate reports whether expression is accepted by the restricted grammar.
func (e *ConditionEngine) Validate(expression string) error {
	_, err := e.getOrParse(expression)
	return err
}

// Test evaluates expression against vars and converts the result to a bool.
func (e *ConditionEngine) Test(expression string, vars map[string]any) (bool, error) {
	node, err := e.getOrParse(expression)
	if err != nil {
		return false, err
	}
	return truthy(evalNode(node, vars)), nil
}

func (e *ConditionEngine) getOrParse(expression string) (ast.Node, error) {
	if node, ok := e.cache.Get(expression); ok {
		return node, nil
	}

	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}
	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	if err := checkRestricted(tree.Node); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q: %s", expression, err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache.Add(expression, tree.Node)
	return tree.Node, nil
}

var allowedBinary = map[string]bool{
	"==": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true,
	"and": true, "or": true, "&&": true, "||": true,
	"in": true, "contains": true, "startsWith": true, "endsWith": true,
}

// checkRestricted rejects every node outside the condition grammar.
func checkRestricted(node ast.Node) error {
	switch n := node.(type) {
	case *ast.NilNode, *ast.IdentifierNode, *ast.IntegerNode, *ast.FloatNode, *ast.BoolNode, *ast.StringNode:
		return nil
	case *ast.ArrayNode:
		for _, child := range n.Nodes {
			if err := checkRestricted(child); err != nil {
				return err
			}
		}
		return nil
	case *ast.MemberNode:
		if n.Method || n.Optional {
			return fmt.Errorf("method calls and optional chaining are not allowed")
		}
		switch n.Property.(type) {
		case *ast.StringNode, *ast.IntegerNode:
		default:
			return fmt.Errorf("member access requires a literal key")
		}
		return checkRestricted(n.Node)
	case *ast.UnaryNode:
		switch n.Operator {
		case "!", "not":
		case "-", "+":
			switch n.Node.(type) {
			case *ast.IntegerNode, *ast.FloatNode:
			default:
				return fmt.Errorf("sign operators only apply to number literals")
			}
		default:
			return fmt.Errorf("operator %q is not allowed", n.Operator)
		}
		return checkRestricted(n.Node)
	case *ast.BinaryNode:
		if !allowedBinary[n.Operator] {
			return fmt.Errorf("operator %q is not allowed", n.Operator)
		}
		if err := checkRestricted(n.Left); err != nil {
			return err
		}
		return checkRestricted(n.Right)
	case *ast.CallNode, *ast.BuiltinNode:
		return fmt.Errorf("function calls are not allowed")
	default:
		return fmt.Errorf("%T is not allowed", node)
	}
}

func evalNode(node ast.Node, vars map[string]any) any {
	switch n := node.(type) {
	case *ast.NilNode:
		return nil
	case *ast.IdentifierNode:
		return vars[n.Value]
	case *ast.IntegerNode:
		return float64(n.Value)
	case *ast.FloatNode:
		return n.Value
	case *ast.BoolNode:
		return n.Value
	case *ast.StringNode:
		return n.Value
	case *ast.ArrayNode:
		out := make([]any, len(n.Nodes))
		for i, child := range n.Nodes {
			out[i] = evalNode(child, vars)
		}
		return out
	case *ast.MemberNode:
		return member(evalNode(n.Node, vars), evalNode(n.Property, vars))
	case *ast.UnaryNode:
		v := evalNode(n.Node, vars)
		switch n.Operator {
		case "!", "not":
			return !truthy(v)
		case "-":
			if f, ok := toNumber(v); ok {
				return -f
			}
		case "+":
			if f, ok := toNumber(v); ok {
				return f
			}
		}
		return nil
	case *ast.BinaryNode:
		return evalBinary(n, vars)
	}
	return nil
}

func evalBinary(n *ast.BinaryNode, vars map[string]any) any {
	switch n.Operator {
	case "and", "&&":
		return truthy(evalNode(n.Left, vars)) && truthy(evalNode(n.Right, vars))
	case "or", "||":
		return truthy(evalNode(n.Left, vars)) || truthy(evalNode(n.Right, vars))
	}

	left := evalNode(n.Left, vars)
	right := evalNode(n.Right, vars)
	switch n.Operator {
	case "==":
		return equal(left, right)
	case "!=":
		return !equal(left, right)
	case "<", ">", "<=", ">=":
		c, ok := compare(left, right)
		if !ok {
			return false
		}
		switch n.Operator {
		case "<":
			return c < 0
		case ">":
			return c > 0
		case "<=":
			return c <= 0
		default:
			return c >= 0
		}
	case "in":
		return contains(right, left)
	case "contains":
		return contains(left, right)
	case "startsWith":
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasPrefix(ls, rs)
	case "endsWith":
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasSuffix(ls, rs)
	}
	return false
}

func member(obj, key any) any {
	switch o := obj.(type) {
	case map[string]any:
		if k, ok := key.(string); ok {
			return o[k]
		}
	case map[string]string:
		if k, ok := key.(string); ok {
			if v, found := o[k]; found {
				return v
			}
		}
	case []any:
		if f, ok := key.(float64); ok {
			i := int(f)
			if i >= 0 && i < len(o) {
				return o[i]
			}
		}
	case []string:
		if f, ok := key.(float64); ok {
			i := int(f)
			if i >= 0 && i < len(o) {
				return o[i]
			}
		}
	}
	return nil
}

// toNumber converts numeric values and numeric strings to float64.
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func isNumeric(v any) bool {
	if _, ok := v.(string); ok {
		return false
	}
	_, ok := toNumber(v)
	return ok
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return as == bs
	}
	if isNumeric(a) || isNumeric(b) {
		af, aok := toNumber(a)
		bf, bok := toNumber(b)
		return aok && bok && af == bf
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values. The second result is false when they are not
// comparable.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

// contains reports whether container holds item: substring for strings,
// element for lists, key for maps.
func contains(container, item any) bool {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		return ok && strings.Contains(c, s)
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true
			}
		}
	case []string:
		for _, el := range c {
			if equal(el, item) {
				return true
			}
		}
	case map[string]any:
		if k, ok := item.(string); ok {
			_, found := c[k]
			return found
		}
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}
