/*
Package expr evaluates binding conditions over an event's context.

# Overview

A condition is parsed once, when configuration loads, into an *Expr. The
parsed form is checked against a Schema that names every field the event
context can carry, so a typo in a condition fails start-up instead of
silently never matching. At dispatch time Eval is pure: it reads the vars
map and nothing else.

# Expression Syntax

	<expr>    := <and> ( 'or' <and> )*
	<and>     := <unary> ( 'and' <unary> )*
	<unary>   := ( 'not' | '!' ) <unary> | <compare>
	<compare> := <operand> [ <op> <operand> ]
	<op>      := '==' | '!=' | '<' | '>' | '<=' | '>=' | 'contains' | 'in'
	<operand> := 'string' | "string" | number | true | false | null
	           | identifier | '[' operand, ... ']' | '(' <expr> ')'

Identifiers may be dotted (previous.status). A dotted name is looked up as a
whole key first and then by walking nested maps.

# Operators

	==, !=      equality; numbers compare by value whatever their Go type
	<, >, ...   numeric ordering; non-numeric operands are an error
	contains    substring of a string, or element of a list
	in          element of a list, or substring of a string

# Examples

	status == 'COMPLETED'
	assigned_to != null and previous.assigned_to != assigned_to
	priority >= 3 or 'urgent' in tags
	not archived

# Missing Values

Eval returns an error wrapping ErrMissingVar when an identifier it needs is
absent from vars. Callers that treat conditions as filters should treat any
error as false.

# Truthiness

A condition that is a single operand is evaluated for truthiness:

  - nil/null: false
  - bool: the boolean value
  - string: false if empty, true otherwise
  - numbers: false if zero, true otherwise
  - lists and maps: false if empty
*/
package expr
