// Package rdf models the RDF terms carried by delta files and renders them as
// statements for the triple store.
package rdf

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var languageTag = regexp.MustCompile(`^[A-Za-z]+(-[A-Za-z0-9]+)*$`)

// ValidLanguage reports whether tag has the shape of a BCP 47 language tag.
func ValidLanguage(tag string) bool { return languageTag.MatchString(tag) }

// Term is one of IRI, Literal or Unrecognized.
type Term interface {
	Value() string
	isTerm()
}

// IRI is a resource reference.
type IRI string

func (i IRI) Value() string { return string(i) }
func (IRI) isTerm()         {}

// Literal is a lexical value with an optional datatype or language tag.
type Literal struct {
	Lexical  string
	Datatype string
	Language string
}

func (l Literal) Value() string { return l.Lexical }
func (Literal) isTerm()         {}

// Unrecognized keeps a term whose wire type is unknown. It is rendered as a
// plain string and reported so producers can be fixed.
type Unrecognized struct {
	Kind    string
	Lexical string
}

func (u Unrecognized) Value() string { return u.Lexical }
func (Unrecognized) isTerm()         {}

// Triple is a single statement.
type Triple struct {
	Subject   Term
	Predicate Term
	Object    Term
}

// ChangeSet is one ordered insert/delete pair of a delta file.
type ChangeSet struct {
	Inserts []Triple `json:"inserts"`
	Deletes []Triple `json:"deletes"`
}

type wireTerm struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

func (w wireTerm) term() Term {
	switch w.Type {
	case "uri":
		return IRI(w.Value)
	case "literal", "typed-literal":
		if w.Lang != "" && !ValidLanguage(w.Lang) {
			return Unrecognized{Kind: w.Type, Lexical: w.Value}
		}
		return Literal{Lexical: w.Value, Datatype: w.Datatype, Language: w.Lang}
	default:
		return Unrecognized{Kind: w.Type, Lexical: w.Value}
	}
}

func toWire(t Term) wireTerm {
	switch v := t.(type) {
	case IRI:
		return wireTerm{Type: "uri", Value: string(v)}
	case Literal:
		return wireTerm{Type: "literal", Value: v.Lexical, Datatype: v.Datatype, Lang: v.Language}
	case Unrecognized:
		return wireTerm{Type: v.Kind, Value: v.Lexical}
	default:
		return wireTerm{}
	}
}

type wireTriple struct {
	Subject   *wireTerm `json:"subject"`
	Predicate *wireTerm `json:"predicate"`
	Object    *wireTerm `json:"object"`
}

// UnmarshalJSON decodes the delta notifier wire shape
// {"subject":{"type":"uri","value":...},...}.
func (t *Triple) UnmarshalJSON(data []byte) error {
	var w wireTriple
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Subject == nil || w.Predicate == nil || w.Object == nil {
		return errors.New("triple requires subject, predicate and object")
	}
	t.Subject = w.Subject.term()
	t.Predicate = w.Predicate.term()
	t.Object = w.Object.term()
	return nil
}

func (t Triple) MarshalJSON() ([]byte, error) {
	s, p, o := toWire(t.Subject), toWire(t.Predicate), toWire(t.Object)
	return json.Marshal(wireTriple{Subject: &s, Predicate: &p, Object: &o})
}

func (t Triple) String() string {
	s, _ := Statement(t)
	return s
}

// ParseChangeSets decodes a delta file body: a JSON array of changesets.
func ParseChangeSets(data []byte) ([]ChangeSet, error) {
	var sets []ChangeSet
	if err := json.Unmarshal(data, &sets); err != nil {
		return nil, fmt.Errorf("decode changesets: %w", err)
	}
	if sets == nil {
		return nil, errors.New("decode changesets: payload is not an array")
	}
	return sets, nil
}

// SubjectsTyped returns the subjects of rdf:type statements whose object is
// class, in first-seen order without duplicates.
func SubjectsTyped(triples []Triple, class string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range triples {
		if t.Predicate.Value() != RDFType || t.Object.Value() != class {
			continue
		}
		s := t.Subject.Value()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
