package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// String renders a tree as condition text that Parse accepts. The rendered
// text parses back to a tree that evaluates identically.
func String(n Node) string {
	var b strings.Builder
	writeNode(&b, n, false)
	return b.String()
}

func writeNode(b *strings.Builder, n Node, nested bool) {
	switch v := n.(type) {
	case nil:
	case *Comparison:
		writeComparison(b, v)
	case *Expression:
		b.WriteString("CEL(")
		b.WriteString(quote(v.source))
		b.WriteString(")")
	case *Group:
		if len(v.children) == 1 {
			writeNode(b, v.children[0], nested)
			return
		}
		if nested {
			b.WriteString("(")
		}
		for i, child := range v.children {
			if i > 0 {
				b.WriteString(" " + string(v.combinator) + " ")
			}
			writeNode(b, child, true)
		}
		if nested {
			b.WriteString(")")
		}
	}
}

func writeComparison(b *strings.Builder, c *Comparison) {
	b.WriteString(formatField(c.field))
	switch c.operator {
	case OpIsNull:
		b.WriteString(" IS NULL")
		return
	case OpIsNotNull:
		b.WriteString(" IS NOT NULL")
		return
	case OpIn, OpNotIn:
		if c.operator == OpIn {
			b.WriteString(" IN (")
		} else {
			b.WriteString(" NOT IN (")
		}
		list, _ := c.value.([]any)
		for i, item := range list {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(formatLiteral(item))
		}
		b.WriteString(")")
		return
	case OpNotContains:
		b.WriteString(" NOT CONTAINS ")
	case OpContains, OpLike, OpMatches, OpStartsWith, OpEndsWith:
		b.WriteString(" " + strings.ToUpper(string(c.operator)) + " ")
	default:
		b.WriteString(" " + string(c.operator) + " ")
	}
	b.WriteString(formatLiteral(c.value))
}

func formatLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return quote(x)
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			// keep a decimal point so the literal re-parses as a float
			return strconv.FormatFloat(x, 'f', 1, 64)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		if f, ok := toFloat64(x); ok {
			return strconv.FormatFloat(f, 'g', -1, 64)
		}
		return quote(fmt.Sprint(x))
	}
}

// formatField writes keywords and names the lexer would split in
// backticks.
func formatField(name string) string {
	if bareField(name) {
		return name
	}
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\t", `\t`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}
