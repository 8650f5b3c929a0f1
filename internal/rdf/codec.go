package rdf

import "strings"

var iriEscaper = strings.NewReplacer(
	" ", "%20",
	"<", "%3C",
	">", "%3E",
	`"`, "%22",
	"{", "%7B",
	"}", "%7D",
	"|", "%7C",
	"^", "%5E",
	"`", "%60",
	`\`, "%5C",
)

var stringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// EscapeIRI renders v as an IRI reference.
func EscapeIRI(v string) string {
	return "<" + iriEscaper.Replace(v) + ">"
}

// EscapeString renders v as a long quoted string literal.
func EscapeString(v string) string {
	return `"""` + stringEscaper.Replace(v) + `"""`
}

// Encode renders t in statement syntax. xsd:string is treated as the default
// datatype and not annotated, since the store distinguishes annotated and bare
// strings and producers always annotate. ok is false for Unrecognized terms
// and malformed language tags, which are rendered as bare strings.
func Encode(t Term) (s string, ok bool) {
	switch v := t.(type) {
	case IRI:
		return EscapeIRI(string(v)), true
	case Literal:
		switch {
		case v.Datatype != "" && v.Datatype != XSDString:
			return EscapeString(v.Lexical) + "^^" + EscapeIRI(v.Datatype), true
		case v.Language != "" && !ValidLanguage(v.Language):
			return EscapeString(v.Lexical), false
		case v.Language != "":
			return EscapeString(v.Lexical) + "@" + v.Language, true
		default:
			return EscapeString(v.Lexical), true
		}
	case Unrecognized:
		return EscapeString(v.Lexical), false
	default:
		return `""`, false
	}
}

// Statement renders a single triple followed by " .".
func Statement(t Triple) (string, []Unrecognized) {
	var unknown []Unrecognized
	parts := make([]string, 0, 3)
	for _, term := range []Term{t.Subject, t.Predicate, t.Object} {
		s, ok := Encode(term)
		if !ok {
			if u, isU := term.(Unrecognized); isU {
				unknown = append(unknown, u)
			} else {
				unknown = append(unknown, Unrecognized{})
			}
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ") + " .", unknown
}

// Statements renders triples one per line, in order.
func Statements(triples []Triple) (string, []Unrecognized) {
	var (
		b       strings.Builder
		unknown []Unrecognized
	)
	for i, t := range triples {
		if i > 0 {
			b.WriteString("\n")
		}
		s, u := Statement(t)
		b.WriteString(s)
		unknown = append(unknown, u...)
	}
	return b.String(), unknown
}
