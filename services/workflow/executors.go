package workflow

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/go-playground/validator/v10"
	"github.com/kaptinlin/jsonrepair"
)

// InputConfig selects what an input node publishes.
type InputConfig struct {
	// Key names a run input to publish. Empty publishes all run inputs.
	Key string `json:"key"`
	// Value is a literal that takes precedence over Key.
	Value any `json:"value"`
}

// InputExecutor handles the "input" node type. It publishes run inputs or a literal.
type InputExecutor struct{}

func (e *InputExecutor) Execute(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[InputConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}

	switch {
	case cfg.Value != nil:
		ec.SetOutput(node.ID, DefaultPort, cfg.Value)
	case cfg.Key != "":
		v, ok := inputs[cfg.Key]
		if !ok {
			return fail(ec, node.ID, missingInput(cfg.Key))
		}
		ec.SetOutput(node.ID, DefaultPort, v)
		ec.SetOutput(node.ID, cfg.Key, v)
	default:
		ec.SetOutput(node.ID, DefaultPort, copyMap(inputs))
	}
	return nil
}

// OutputExecutor handles the "output" node type. It collects the values that reach it.
type OutputExecutor struct{}

func (e *OutputExecutor) Execute(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	if v, ok := inputs[DefaultPort]; ok {
		ec.SetOutput(node.ID, DefaultPort, v)
	} else {
		ec.SetOutput(node.ID, DefaultPort, copyMap(inputs))
	}
	ec.SetOutput(node.ID, "inputs", copyMap(inputs))
	return nil
}

// TemplateConfig configures a template node.
type TemplateConfig struct {
	Template string `json:"template" validate:"required"`
}

// TemplateExecutor handles the "template" node type. It substitutes {{name}} placeholders with inputs.
type TemplateExecutor struct{}

func (e *TemplateExecutor) Execute(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[TemplateConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	ec.SetOutput(node.ID, DefaultPort, renderTemplate(cfg.Template, inputs))
	return nil
}

// ConditionConfig configures a condition node. Field is a dot path into the inputs.
type ConditionConfig struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required,oneof=greater_than less_than equals not_equals contains greater_than_or_equal less_than_or_equal is_empty"`
	Value    any    `json:"value"`
}

// ConditionExecutor handles the "condition" node type. The matching "true" or
// "false" port receives the inputs' default value so downstream branches can
// consume it; the other port stays unset.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Execute(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[ConditionConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}

	actual, _ := lookupPath(inputs, cfg.Field)
	result, err := evaluateCondition(actual, cfg.Operator, cfg.Value)
	if err != nil {
		return fail(ec, node.ID, err)
	}

	expression := fmt.Sprintf("%s %s %s", stringify(actual), operatorSymbol(cfg.Operator), stringify(cfg.Value))
	var message string
	if result {
		message = fmt.Sprintf("%s is %s %s - condition met", cfg.Field, operatorLabel(cfg.Operator), stringify(cfg.Value))
	} else {
		message = fmt.Sprintf("%s is not %s %s - condition not met", cfg.Field, operatorLabel(cfg.Operator), stringify(cfg.Value))
	}

	passthrough, ok := inputs[DefaultPort]
	if !ok {
		passthrough = actual
	}
	branch := "false"
	if result {
		branch = "true"
	}

	ec.SetOutput(node.ID, DefaultPort, result)
	ec.SetOutput(node.ID, branch, passthrough)
	ec.SetOutput(node.ID, "message", message)
	ec.SetOutput(node.ID, "result", map[string]any{
		"expression": expression,
		"result":     result,
		"field":      cfg.Field,
		"operator":   cfg.Operator,
		"value":      cfg.Value,
	})
	return nil
}

// evaluateCondition compares actual against expected. Ordering operators
// require both sides to be numeric; equality falls back to string comparison.
func evaluateCondition(actual any, operator string, expected any) (bool, error) {
	switch operator {
	case "is_empty":
		return isEmpty(actual), nil
	case "contains":
		switch a := actual.(type) {
		case []any:
			for _, item := range a {
				if stringify(item) == stringify(expected) {
					return true, nil
				}
			}
			return false, nil
		default:
			return strings.Contains(stringify(actual), stringify(expected)), nil
		}
	case "equals", "not_equals":
		eq := stringify(actual) == stringify(expected)
		if a, ok := toFloat64(actual); ok {
			if b, ok := toFloat64(expected); ok {
				eq = a == b
			}
		}
		if operator == "not_equals" {
			return !eq, nil
		}
		return eq, nil
	}

	a, okA := toFloat64(actual)
	b, okB := toFloat64(expected)
	if !okA || !okB {
		return false, fmt.Errorf("%w: operator %s needs numeric operands, got %q and %q",
			ErrInvalidConfig, operator, stringify(actual), stringify(expected))
	}

	switch operator {
	case "greater_than":
		return a > b, nil
	case "less_than":
		return a < b, nil
	case "greater_than_or_equal":
		return a >= b, nil
	case "less_than_or_equal":
		return a <= b, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidConfig, operator)
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

func operatorSymbol(op string) string {
	switch op {
	case "greater_than":
		return ">"
	case "less_than":
		return "<"
	case "equals":
		return "="
	case "not_equals":
		return "!="
	case "greater_than_or_equal":
		return ">="
	case "less_than_or_equal":
		return "<="
	case "contains":
		return "contains"
	case "is_empty":
		return "is empty"
	default:
		return "?"
	}
}

func operatorLabel(op string) string {
	switch op {
	case "greater_than":
		return "greater than"
	case "less_than":
		return "less than"
	case "equals":
		return "equal to"
	case "not_equals":
		return "different from"
	case "greater_than_or_equal":
		return "greater than or equal to"
	case "less_than_or_equal":
		return "less than or equal to"
	case "contains":
		return "containing"
	case "is_empty":
		return "empty"
	default:
		return op
	}
}

// JSONParseConfig configures a json-parse node.
type JSONParseConfig struct {
	Field string `json:"field"`
	// Path extracts a nested value, e.g. "items.0.name".
	Path string `json:"path"`
}

// JSONParseExecutor handles the "json-parse" node type. Malformed JSON, such
// as model output with trailing commas or code fences, is repaired before
// giving up.
type JSONParseExecutor struct{}

func (e *JSONParseExecutor) Execute(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[JSONParseConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	field := cfg.Field
	if field == "" {
		field = DefaultPort
	}

	var parsed any
	switch v := inputs[field].(type) {
	case nil:
		return fail(ec, node.ID, missingInput(field))
	case map[string]any, []any:
		parsed = v
	default:
		parsed, err = parseJSONText(stringify(v))
		if err != nil {
			return fail(ec, node.ID, err)
		}
	}

	if cfg.Path != "" {
		v, ok := lookupPath(parsed, cfg.Path)
		if !ok {
			return fail(ec, node.ID, fmt.Errorf("path %q not found in parsed JSON", cfg.Path))
		}
		parsed = v
	}
	ec.SetOutput(node.ID, DefaultPort, parsed)
	return nil
}

func parseJSONText(text string) (any, error) {
	text = strings.TrimSpace(text)
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, fmt.Errorf("parse repaired json: %w", err)
	}
	return v, nil
}

// CSVParseConfig configures a csv-parse node. Header defaults to true.
type CSVParseConfig struct {
	Field     string `json:"field"`
	Delimiter string `json:"delimiter" validate:"omitempty,len=1"`
	Header    *bool  `json:"header"`
	TrimSpace bool   `json:"trimSpace"`
}

// CSVParseExecutor handles the "csv-parse" node type. With a header row each
// record becomes a map keyed by column; otherwise a list of fields.
type CSVParseExecutor struct{}

func (e *CSVParseExecutor) Execute(ctx context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[CSVParseConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	text, ok := textInput(inputs, cfg.Field)
	if !ok {
		return fail(ec, node.ID, missingInput(firstNonEmpty(cfg.Field, DefaultPort)))
	}

	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = cfg.TrimSpace
	if cfg.Delimiter != "" {
		r.Comma = []rune(cfg.Delimiter)[0]
	}

	header := cfg.Header == nil || *cfg.Header
	var columns []string
	rows := make([]any, 0)
	for {
		if err := ctx.Err(); err != nil {
			return fail(ec, node.ID, err)
		}
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(ec, node.ID, fmt.Errorf("parse csv: %w", err))
		}
		if cfg.TrimSpace {
			for i := range rec {
				rec[i] = strings.TrimSpace(rec[i])
			}
		}

		if header && columns == nil {
			columns = rec
			continue
		}
		if !header {
			fields := make([]any, len(rec))
			for i, f := range rec {
				fields[i] = f
			}
			rows = append(rows, fields)
			continue
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}

	cols := make([]any, len(columns))
	for i, c := range columns {
		cols[i] = c
	}
	ec.SetOutput(node.ID, DefaultPort, rows)
	ec.SetOutput(node.ID, "count", len(rows))
	ec.SetOutput(node.ID, "columns", cols)
	return nil
}

// HTMLMarkdownConfig configures an html-markdown node. Domain resolves relative links.
type HTMLMarkdownConfig struct {
	Field  string `json:"field"`
	Domain string `json:"domain" validate:"omitempty,url"`
}

// HTMLMarkdownExecutor handles the "html-markdown" node type.
type HTMLMarkdownExecutor struct{}

func (e *HTMLMarkdownExecutor) Execute(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[HTMLMarkdownConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}
	html, ok := textInput(inputs, cfg.Field)
	if !ok {
		return fail(ec, node.ID, missingInput(firstNonEmpty(cfg.Field, DefaultPort)))
	}

	var opts []converter.ConvertOptionFunc
	if cfg.Domain != "" {
		opts = append(opts, converter.WithDomain(cfg.Domain))
	}
	md, err := htmltomarkdown.ConvertString(html, opts...)
	if err != nil {
		return fail(ec, node.ID, fmt.Errorf("convert html: %w", err))
	}
	ec.SetOutput(node.ID, DefaultPort, md)
	return nil
}

// ValidatorConfig maps input field names to validator rules, e.g.
// {"email": "required,email", "age": "gte=18"}. Field selects a map-valued
// input to validate instead of the inputs themselves.
type ValidatorConfig struct {
	Field string            `json:"field"`
	Rules map[string]string `json:"rules" validate:"required,min=1"`
}

// ValidatorExecutor handles the "validator" node type. Valid data is routed
// to the "valid" port and field errors to the "invalid" port; neither
// outcome is an executor failure.
type ValidatorExecutor struct {
	validate *validator.Validate
}

func NewValidatorExecutor() *ValidatorExecutor {
	return &ValidatorExecutor{validate: validator.New()}
}

func (e *ValidatorExecutor) Execute(_ context.Context, node Node, inputs map[string]any, ec *ExecutionContext, _ UpdateFunc) error {
	cfg, err := DecodeConfig[ValidatorConfig](node)
	if err != nil {
		return fail(ec, node.ID, err)
	}

	data := inputs
	if cfg.Field != "" {
		m, ok := inputs[cfg.Field].(map[string]any)
		if !ok {
			return fail(ec, node.ID, fmt.Errorf("%w: %s must be an object", ErrMissingInput, cfg.Field))
		}
		data = m
	}

	rules := make(map[string]any, len(cfg.Rules))
	for field, rule := range cfg.Rules {
		rules[field] = rule
	}
	// Absent fields are validated as nil, so "required" catches them.
	problems := e.validate.ValidateMap(data, rules)
	if len(problems) == 0 {
		ec.SetOutput(node.ID, DefaultPort, data)
		ec.SetOutput(node.ID, "valid", data)
		return nil
	}

	fieldErrors := make(map[string]any, len(problems))
	for field, p := range problems {
		fieldErrors[field] = describeValidation(p)
	}
	ec.SetOutput(node.ID, DefaultPort, map[string]any{"valid": false, "errors": fieldErrors})
	ec.SetOutput(node.ID, "invalid", fieldErrors)
	return nil
}

func describeValidation(p any) string {
	if errs, ok := p.(validator.ValidationErrors); ok && len(errs) > 0 {
		fe := errs[0]
		if fe.Param() != "" {
			return fmt.Sprintf("failed on %s=%s", fe.Tag(), fe.Param())
		}
		return "failed on " + fe.Tag()
	}
	return fmt.Sprint(p)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
