package response

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Submission is the value submitted for one answer id: a single string or a
// list of strings (a set of selected choices or an ordered multi-part
// answer). File uploads are carried by name only.
type Submission struct {
	text   string
	list   []string
	isList bool
}

// Text returns a single-string submission.
func Text(s string) Submission { return Submission{text: s} }

// List returns a list submission.
func List(items ...string) Submission {
	return Submission{list: append([]string(nil), items...), isList: true}
}

func (s Submission) IsList() bool { return s.isList }

// IsEmpty reports whether nothing was submitted.
func (s Submission) IsEmpty() bool {
	if s.isList {
		return len(s.list) == 0
	}
	return strings.TrimSpace(s.text) == ""
}

// String returns the single value of s. A one-element list yields that
// element; longer lists yield "".
func (s Submission) String() string {
	if !s.isList {
		return s.text
	}
	if len(s.list) == 1 {
		return s.list[0]
	}
	return ""
}

// Values returns s as a list. A non-empty text is a one-element list.
func (s Submission) Values() []string {
	if s.isList {
		return append([]string(nil), s.list...)
	}
	if s.text == "" {
		return nil
	}
	return []string{s.text}
}

// Value returns s as a plain Go value for binding into scripts.
func (s Submission) Value() any {
	if !s.isList {
		return s.text
	}
	out := make([]any, len(s.list))
	for i, v := range s.list {
		out[i] = v
	}
	return out
}

func (s Submission) MarshalJSON() ([]byte, error) {
	if s.isList {
		list := s.list
		if list == nil {
			list = []string{}
		}
		return json.Marshal(list)
	}
	return json.Marshal(s.text)
}

func (s *Submission) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	sub, err := SubmissionFrom(v)
	if err != nil {
		return err
	}
	*s = sub
	return nil
}

type named interface {
	Name() string
}

// SubmissionFrom converts a raw value at the boundary. Strings and numbers
// become text, slices become lists, and anything with a Name method (such as
// *os.File) is replaced by its name.
func SubmissionFrom(v any) (Submission, error) {
	switch x := v.(type) {
	case nil:
		return Submission{}, nil
	case Submission:
		return x, nil
	case []string:
		return List(x...), nil
	case []byte:
		return Text(string(x)), nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]string, rv.Len())
		for i := range items {
			s, err := scalar(rv.Index(i).Interface())
			if err != nil {
				return Submission{}, fmt.Errorf("item %d: %w", i, err)
			}
			items[i] = s
		}
		return List(items...), nil
	}
	s, err := scalar(v)
	if err != nil {
		return Submission{}, err
	}
	return Text(s), nil
}

func scalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case named:
		return x.Name(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		return x.String(), nil
	}
	return "", fmt.Errorf("unsupported submission value %T", v)
}

// Submissions maps answer ids to submitted values.
type Submissions map[string]Submission

// ConvertSubmissions converts a raw answer mapping, replacing file handles
// with their names. Other values are left as they are.
func ConvertSubmissions(raw map[string]any) (Submissions, error) {
	out := make(Submissions, len(raw))
	for id, v := range raw {
		sub, err := SubmissionFrom(v)
		if err != nil {
			return nil, fmt.Errorf("answer %s: %w", id, err)
		}
		out[id] = sub
	}
	return out, nil
}
