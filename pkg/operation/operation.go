// Package operation classifies incoming GraphQL request documents for the
// caching pipeline: mutation vs. query, and whether the selection set
// reaches a privacy-sensitive type.
package operation

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
)

// Operation holds the caching-relevant facts derived from a parsed
// GraphQL document. It is request-scoped and never persisted.
type Operation struct {
	// IsMutation is true when the root operation is a mutation.
	// Mutations are never looked up or stored.
	IsMutation bool
	// TouchesPrivateType is true when any selected field resolves to one
	// of the configured privacy-sensitive type names. It is always false
	// when no schema is available (see Classify).
	TouchesPrivateType bool
	// Name is the operation name, if the document declares one.
	Name string
}

// Classify parses the raw query text and derives the facts for the
// operation the request executes. A malformed document fails with the
// parser's error, propagated as-is.
//
// A document may hold several operations; operationName selects the one
// that runs. Classifying any other operation would let a mutation slip
// through as a cacheable query, so an unknown name or a missing name on a
// multi-operation document is an error.
//
// Private-type detection needs the schema to resolve field return types.
// When the schema is nil or no private types are configured, the
// classification falls open to "not private". That default under-protects
// private data while the schema source is unavailable; it mirrors the
// behavior this layer has always had and is deliberate.
func Classify(rawQuery, operationName string, schema *ast.Schema, privateTypes []string) (Operation, error) {
	doc, err := parser.ParseQuery(&ast.Source{Name: "query.graphql", Input: rawQuery})
	if err != nil {
		return Operation{}, err
	}
	if len(doc.Operations) == 0 {
		return Operation{}, fmt.Errorf("document has no operations")
	}

	var def *ast.OperationDefinition
	if operationName != "" {
		if def = doc.Operations.ForName(operationName); def == nil {
			return Operation{}, fmt.Errorf("document has no operation %q", operationName)
		}
	} else {
		if len(doc.Operations) > 1 {
			return Operation{}, fmt.Errorf("document has %d operations, operationName is required", len(doc.Operations))
		}
		def = doc.Operations[0]
	}
	op := Operation{
		IsMutation: def.Operation == ast.Mutation,
		Name:       def.Name,
	}

	if op.IsMutation || schema == nil || len(privateTypes) == 0 {
		return op, nil
	}

	private := make(map[string]bool, len(privateTypes))
	for _, name := range privateTypes {
		private[name] = true
	}
	seen := make(map[string]bool)
	op.TouchesPrivateType = selectionTouches(schema, doc, def.SelectionSet, schema.Query, private, seen)
	return op, nil
}

// selectionTouches walks a selection set, resolving field return types
// against the schema. Fields that cannot be resolved (unknown to the
// schema, or meta fields like __typename) are skipped rather than failed:
// classification must not be stricter than the origin's own validation.
func selectionTouches(schema *ast.Schema, doc *ast.QueryDocument, set ast.SelectionSet, parent *ast.Definition, private map[string]bool, seenFragments map[string]bool) bool {
	for _, selection := range set {
		switch sel := selection.(type) {
		case *ast.Field:
			if parent == nil {
				continue
			}
			fieldDef := parent.Fields.ForName(sel.Name)
			if fieldDef == nil {
				continue
			}
			typeName := fieldDef.Type.Name()
			if private[typeName] {
				return true
			}
			if selectionTouches(schema, doc, sel.SelectionSet, schema.Types[typeName], private, seenFragments) {
				return true
			}
		case *ast.InlineFragment:
			cond := parent
			if sel.TypeCondition != "" {
				if private[sel.TypeCondition] {
					return true
				}
				cond = schema.Types[sel.TypeCondition]
			}
			if selectionTouches(schema, doc, sel.SelectionSet, cond, private, seenFragments) {
				return true
			}
		case *ast.FragmentSpread:
			if seenFragments[sel.Name] {
				continue
			}
			seenFragments[sel.Name] = true
			frag := doc.Fragments.ForName(sel.Name)
			if frag == nil {
				continue
			}
			if private[frag.TypeCondition] {
				return true
			}
			if selectionTouches(schema, doc, frag.SelectionSet, schema.Types[frag.TypeCondition], private, seenFragments) {
				return true
			}
		}
	}
	return false
}

// Normalize canonicalizes the formatting of a query so that semantically
// identical documents hash to the same signature. Parseable documents are
// printed back from the AST, which erases all source formatting. Text that
// does not parse is normalized textually; Classify will reject it later,
// but Normalize itself never fails.
func Normalize(rawQuery string) string {
	doc, err := parser.ParseQuery(&ast.Source{Name: "query.graphql", Input: rawQuery})
	if err != nil {
		return collapseWhitespace(rawQuery)
	}
	var buf bytes.Buffer
	formatter.NewFormatter(&buf).FormatQueryDocument(doc)
	return strings.TrimSpace(buf.String())
}

// collapseWhitespace folds runs of whitespace outside of strings into a
// single space.
func collapseWhitespace(query string) string {
	var result strings.Builder
	var lastWasSpace bool
	inString := false
	for _, char := range query {
		if char == '"' {
			inString = !inString
		}
		if inString {
			result.WriteRune(char)
			continue
		}
		if char == ' ' || char == '\t' || char == '\n' || char == '\r' {
			if !lastWasSpace {
				result.WriteRune(' ')
				lastWasSpace = true
			}
		} else {
			result.WriteRune(char)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(result.String())
}
