package response

import (
	"fmt"
	"strings"
)

// Response type names used in definitions.
const (
	TypeMultipleChoice = "multiplechoice"
	TypeTrueFalse      = "truefalse"
	TypeChoice         = "choice"
	TypeImage          = "image"
	TypeOption         = "option"
	TypeString         = "string"
	TypeNumerical      = "numerical"
	TypeFormula        = "formula"
	TypeCode           = "code"
	TypeCustom         = "custom"
	TypeSchematic      = "schematic"
	TypeJavascript     = "javascript"
	TypeAnnotation     = "annotation"
)

// Definition is the declarative form of one response. Which fields apply
// depends on Type.
type Definition struct {
	Type string   `yaml:"type" json:"type"`
	IDs  []string `yaml:"ids" json:"ids"`
	// Points is the maximum per answer id; zero means 1.
	Points float64 `yaml:"points,omitempty" json:"points,omitempty"`

	// multiplechoice, truefalse, choice
	Choices []ChoiceDef `yaml:"choices,omitempty" json:"choices,omitempty"`
	// Style is "radio" or "checkbox" for choice.
	Style string `yaml:"style,omitempty" json:"style,omitempty"`

	// image
	Rectangles string `yaml:"rectangles,omitempty" json:"rectangles,omitempty"`
	Regions    string `yaml:"regions,omitempty" json:"regions,omitempty"`

	// option
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`

	// Answer is the correct option, string, number or formula. For numerical
	// and formula a leading '$' names a problem script variable. For custom
	// and schematic it is inline code.
	Answer        string    `yaml:"answer,omitempty" json:"answer,omitempty"`
	CaseSensitive bool      `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
	Hints         []HintDef `yaml:"hints,omitempty" json:"hints,omitempty"`

	// numerical, formula
	Tolerance string `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	// Samples uses the compact form "x,y@-10,-10:10,10#10".
	Samples string `yaml:"samples,omitempty" json:"samples,omitempty"`

	// custom
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	Expect   string `yaml:"expect,omitempty" json:"expect,omitempty"`

	// code
	Queue         string `yaml:"queue,omitempty" json:"queue,omitempty"`
	GraderPayload string `yaml:"grader_payload,omitempty" json:"grader_payload,omitempty"`

	// javascript
	Grader string         `yaml:"grader,omitempty" json:"grader,omitempty"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// annotation
	AnnotationOptions []AnnotationOption `yaml:"annotation_options,omitempty" json:"annotation_options,omitempty"`
	Scoring           map[string]float64 `yaml:"scoring,omitempty" json:"scoring,omitempty"`
}

// ChoiceDef is one authored choice. Its id is "choice_<name>", or
// "choice_<index>" when unnamed.
type ChoiceDef struct {
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Correct bool   `yaml:"correct" json:"correct"`
	Text    string `yaml:"text,omitempty" json:"text,omitempty"`
}

// HintDef is shown when an incorrect submission matches Answer.
type HintDef struct {
	Answer string `yaml:"answer" json:"answer"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Text   string `yaml:"text" json:"text"`
}

// Build constructs the variant for def.
func Build(def Definition, env Env) (Response, error) {
	kind := strings.ToLower(strings.TrimSpace(def.Type))
	if len(def.IDs) == 0 {
		return nil, invalid(kind, "no answer ids")
	}
	if def.Points < 0 {
		return nil, invalid(kind, "negative points")
	}
	b := base{kind: kind, ids: append([]string(nil), def.IDs...), maxPoints: def.Points}
	if b.maxPoints == 0 {
		b.maxPoints = 1
	}

	switch kind {
	case TypeMultipleChoice:
		return newChoice(b, def, selectOne)
	case TypeTrueFalse:
		return newChoice(b, def, selectSet)
	case TypeChoice:
		switch def.Style {
		case "", "radio", "checkbox":
		default:
			return nil, invalid(kind, "unknown style %q", def.Style)
		}
		c, err := newChoice(b, def, selectSet)
		if err != nil {
			return nil, err
		}
		// A radio group selects exactly one choice.
		if def.Style == "radio" && len(c.correct) > 1 {
			return nil, invalid(kind, "radio style with %d correct choices", len(c.correct))
		}
		return c, nil
	case TypeImage:
		return newImage(b, def)
	case TypeOption:
		return newOption(b, def)
	case TypeString:
		return newString(b, def)
	case TypeNumerical:
		return newNumerical(b, def, env)
	case TypeFormula:
		return newFormula(b, def, env)
	case TypeCode:
		return newCode(b, def, env)
	case TypeCustom:
		return newCustom(b, def, env)
	case TypeSchematic:
		return newSchematic(b, def, env)
	case TypeJavascript:
		return newJavascript(b, def, env)
	case TypeAnnotation:
		return newAnnotation(b, def)
	default:
		return nil, fmt.Errorf("%w: unknown response type %q", ErrInvalidDefinition, def.Type)
	}
}
