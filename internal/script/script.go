// Package script runs author-supplied grading code in a sandboxed JavaScript
// runtime. The runtime has no access to the filesystem, network or process;
// only the values bound by this package are visible to the code.
package script

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"

	"github.com/dop251/goja"
)

var (
	// ErrScriptFailed wraps any exception raised by author code.
	ErrScriptFailed = errors.New("script failed")
	// ErrMalformedResult is returned when a check function returns a value
	// that does not follow the result contract.
	ErrMalformedResult = errors.New("malformed check result")
)

// Per-input correctness labels understood in results.
const (
	Correct          = "correct"
	Incorrect        = "incorrect"
	PartiallyCorrect = "partially-correct"
	Unknown          = "unknown"
)

// Result is what author code reports for a group of inputs.
type Result struct {
	Correct        []string
	Messages       []string
	OverallMessage string
}

// Context is one runtime per problem instance. Problem-level scripts run once
// at construction and their globals stay visible to later evaluations.
type Context struct {
	mu sync.Mutex
	vm *goja.Runtime
}

// NewContext creates a runtime and runs sources in order.
func NewContext(sources ...string) (*Context, error) {
	c := &Context{vm: goja.New()}
	for i, src := range sources {
		if _, err := c.vm.RunString(src); err != nil {
			return nil, fmt.Errorf("%w: problem script %d: %w", ErrScriptFailed, i, err)
		}
	}
	return c, nil
}

// Lookup returns the string form of a global variable.
func (c *Context) Lookup(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", false
	}
	return stringify(v.Export()), true
}

// HasFunction reports whether name is a callable global.
func (c *Context) HasFunction(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := goja.AssertFunction(c.vm.Get(name))
	return ok
}

// InlineVars is the context record bound before inline code runs.
type InlineVars struct {
	IDs        []string
	Answers    map[string]any
	Expect     string
	Submission []any
}

// inlineWrapper runs inline code in its own function scope so declarations
// do not outlive the call. The context values are parameters of the outer
// function and are read back after the inner one returns.
const inlineWrapper = `(function(answers, expect, submission, correct, messages, overall_message) {
(function() {
%s
})();
return {correct: correct, messages: messages, overall_message: overall_message};
})`

// EvaluateInline runs code with answers, expect, submission, correct,
// messages and overall_message in scope, then reads correct, messages and
// overall_message back. The code's return value is ignored.
func (c *Context) EvaluateInline(code string, in InlineVars) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(in.IDs)
	correct := make([]any, n)
	messages := make([]any, n)
	for i := range correct {
		correct[i] = Unknown
		messages[i] = ""
	}
	answers := in.Answers
	if answers == nil {
		answers = map[string]any{}
	}
	submission := in.Submission
	if submission == nil {
		submission = []any{}
	}

	vm := c.vm
	wrapped, err := vm.RunString(fmt.Sprintf(inlineWrapper, code))
	if err != nil {
		return Result{}, fmt.Errorf("%w: inline code: %w", ErrScriptFailed, err)
	}
	fn, ok := goja.AssertFunction(wrapped)
	if !ok {
		return Result{}, fmt.Errorf("%w: inline code did not compile to a function", ErrScriptFailed)
	}
	ret, err := fn(goja.Undefined(),
		vm.ToValue(answers),
		vm.ToValue(in.Expect),
		vm.NewArray(submission...),
		vm.NewArray(correct...),
		vm.NewArray(messages...),
		vm.ToValue(""),
	)
	if err != nil {
		slog.Debug("inline script raised", "error", err)
		return Result{}, fmt.Errorf("%w: inline code: %w", ErrScriptFailed, err)
	}
	out := ret.ToObject(vm)

	res := Result{
		Correct:        make([]string, n),
		Messages:       make([]string, n),
		OverallMessage: stringOf(out.Get("overall_message")),
	}
	gotCorrect := exportList(out.Get("correct"))
	gotMessages := exportList(out.Get("messages"))
	for i := 0; i < n; i++ {
		res.Correct[i] = Unknown
		if i < len(gotCorrect) {
			res.Correct[i] = label(gotCorrect[i])
		}
		if i < len(gotMessages) && gotMessages[i] != nil {
			res.Messages[i] = stringify(gotMessages[i])
		}
	}
	return res, nil
}

// CallCheck invokes the global function fn as fn(expect, answer_given). With
// one answer answer_given is that value; otherwise it is the ordered list.
func (c *Context) CallCheck(fn, expect string, answers []any) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(answers)
	var given goja.Value
	if n == 1 {
		given = c.vm.ToValue(answers[0])
	} else {
		given = c.vm.NewArray(answers...)
	}
	ret, err := c.call(fn, c.vm.ToValue(expect), given)
	if err != nil {
		return Result{}, err
	}
	return parseCheckResult(ret, n)
}

// CallGrader invokes fn(params, submission) for a single input and reads
// the result with the same contract as CallCheck.
func (c *Context) CallGrader(fn string, params, submission any) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ret, err := c.call(fn, c.vm.ToValue(params), c.vm.ToValue(submission))
	if err != nil {
		return Result{}, err
	}
	return parseCheckResult(ret, 1)
}

func (c *Context) call(fn string, args ...goja.Value) (goja.Value, error) {
	f, ok := goja.AssertFunction(c.vm.Get(fn))
	if !ok {
		return nil, fmt.Errorf("%w: function %q is not defined", ErrScriptFailed, fn)
	}
	ret, err := f(goja.Undefined(), args...)
	if err != nil {
		slog.Debug("script function raised", "function", fn, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrScriptFailed, fn, err)
	}
	return ret, nil
}

func parseCheckResult(ret goja.Value, n int) (Result, error) {
	res := Result{Correct: make([]string, n), Messages: make([]string, n)}

	obj, isObj := ret.(*goja.Object)
	if !isObj || obj.ClassName() != "Object" {
		// Scalar results apply uniformly by truthiness.
		fill(res.Correct, verdict(ret != nil && ret.ToBoolean()))
		return res, nil
	}

	if ok := obj.Get("ok"); ok != nil {
		fill(res.Correct, verdict(ok.ToBoolean()))
		msg := stringOf(obj.Get("msg"))
		if n > 1 {
			res.OverallMessage = msg
		} else if n == 1 {
			res.Messages[0] = msg
		}
		return res, nil
	}

	list := obj.Get("input_list")
	if list == nil {
		return Result{}, fmt.Errorf("%w: result has neither ok nor input_list", ErrMalformedResult)
	}
	listObj, isObj := list.(*goja.Object)
	if !isObj || listObj.ClassName() != "Array" {
		return Result{}, fmt.Errorf("%w: input_list is not an array", ErrMalformedResult)
	}
	length := int(listObj.Get("length").ToInteger())
	if length != n {
		return Result{}, fmt.Errorf("%w: input_list has %d entries for %d inputs", ErrMalformedResult, length, n)
	}
	for i := 0; i < n; i++ {
		item, isObj := listObj.Get(strconv.Itoa(i)).(*goja.Object)
		if !isObj {
			return Result{}, fmt.Errorf("%w: input_list[%d] is not an object", ErrMalformedResult, i)
		}
		ok := item.Get("ok")
		if ok == nil {
			return Result{}, fmt.Errorf("%w: input_list[%d] has no ok", ErrMalformedResult, i)
		}
		res.Correct[i] = verdict(ok.ToBoolean())
		res.Messages[i] = stringOf(item.Get("msg"))
	}
	res.OverallMessage = stringOf(obj.Get("overall_message"))
	return res, nil
}

func verdict(ok bool) string {
	if ok {
		return Correct
	}
	return Incorrect
}

func fill(dst []string, v string) {
	for i := range dst {
		dst[i] = v
	}
}

// label normalizes a value written into correct[i] by inline code.
func label(v any) string {
	switch x := v.(type) {
	case bool:
		return verdict(x)
	case string:
		switch x {
		case Correct, Incorrect, PartiallyCorrect:
			return x
		}
	}
	return Unknown
}

func exportList(v goja.Value) []any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	list, _ := v.Export().([]any)
	return list
}

func stringOf(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
