/*
Package template fills placeholders in step inputs from run variables.

Placeholders name a variable path in dot notation:

	inputs := map[string]any{
	    "to":      "${requester}",
	    "subject": "Order ${order.id} is ${order.status}",
	}
	out, _ := template.ExpandMap(inputs, vars)

A string that is exactly one placeholder takes the variable's value with its
type intact, so "${order.items}" yields the list itself. Placeholders inside
longer strings are rendered as text; maps and lists render as JSON.

Maps and lists are expanded recursively. The bare $name form is off by
default because step inputs often carry shell snippets; enable it with
WithDollarStyle.

# Missing Variables

By default an unknown placeholder is left as written. MissingEmpty drops it
and MissingError fails with an *UndefinedVariableError naming every unknown
path.

Expander is safe for concurrent use after construction.
*/
package template
