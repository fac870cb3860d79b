// Package loadtest implements the load generation core: request execution per
// test type, the virtual user request loop, and the scheduler that runs a
// bounded pool of virtual users over a ramp-up and duration window.
package loadtest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/chakload/chakload/pkg/jsonschema"
)

// TestType selects how each request is built.
type TestType string

const (
	TestTypeWebSite         TestType = "web-site"
	TestTypeAPIEndpoint     TestType = "api-endpoint"
	TestTypeTelegramWebhook TestType = "telegram-webhook"
	TestTypeOther           TestType = "other"
)

// TestTypes lists every supported test type.
func TestTypes() []TestType {
	return []TestType{TestTypeWebSite, TestTypeAPIEndpoint, TestTypeTelegramWebhook, TestTypeOther}
}

// ParseTestType converts a name into a TestType.
func ParseTestType(s string) (TestType, error) {
	t := TestType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range TestTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "testType", Message: fmt.Sprintf("unknown test type: %s", s)}
}

// Custom parameter keys understood by the request builders.
const (
	ParamMethod  = "method"
	ParamPayload = "payload"
	ParamHeaders = "headers"
	ParamMessage = "message"
)

// TestConfig is the input of a run. It is read-only for the duration of the run.
type TestConfig struct {
	TargetURL    string         `json:"targetUrl" yaml:"targetUrl" validate:"required,url"`
	Users        int            `json:"users" yaml:"users" validate:"min=1"`
	Duration     time.Duration  `json:"duration" yaml:"duration" validate:"gte=1s"`
	RampUp       time.Duration  `json:"rampUp" yaml:"rampUp" validate:"gte=0"`
	TestType     TestType       `json:"testType" yaml:"testType" validate:"required,oneof=web-site api-endpoint telegram-webhook other"`
	CustomParams map[string]any `json:"customParams,omitempty" yaml:"customParams,omitempty"`
}

// ErrInvalidConfig is matched by every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Is makes errors.Is(err, ErrInvalidConfig) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is makes errors.Is(err, ErrInvalidConfig) true.
func (e *ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// customParamsSchema describes the recognised custom parameters. Other keys
// are allowed and ignored.
const customParamsSchema = `{
  "type": "object",
  "properties": {
    "method":  {"type": "string", "minLength": 1},
    "payload": {"type": ["object", "array", "string"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "message": {"type": "string"}
  }
}`

var paramsSchema = jsonschema.MustCompile("custom-params.json", customParamsSchema)

// Validate checks the configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all problems.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return errors.Wrap(err, "validate config")
		}
		for _, fe := range fieldErrs {
			errs.Add(fe.Field(), describeFieldError(fe))
		}
	}

	if c.TargetURL != "" {
		if u, err := url.Parse(c.TargetURL); err == nil && u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("targetUrl", fmt.Sprintf("unsupported scheme %q, want http or https", u.Scheme))
		}
	}

	if c.Duration%time.Second != 0 {
		errs.Add("duration", "duration must be a whole number of seconds")
	}

	validateCustomParams(c.CustomParams, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return fmt.Sprintf("invalid URL: %v", fe.Value())
	case "min", "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed '%s' check", fe.Tag())
	}
}

func validateCustomParams(params map[string]any, errs *ValidationErrors) {
	if len(params) == 0 {
		return
	}

	// Round-trip through JSON so typed Go values validate as their JSON kinds.
	raw, err := json.Marshal(params)
	if err != nil {
		errs.Add("customParams", fmt.Sprintf("not JSON encodable: %v", err))
		return
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		errs.Add("customParams", fmt.Sprintf("not JSON encodable: %v", err))
		return
	}
	for _, verr := range paramsSchema.Validate(doc) {
		errs.Add("customParams", verr.Error())
	}

	if s, ok := params[ParamPayload].(string); ok && !gjson.Valid(s) {
		errs.Add("customParams.payload", "payload string is not valid JSON")
	}
}

// Method returns the HTTP method for api-endpoint tests. Only GET, POST, PUT
// and DELETE are honoured; anything else falls back to GET.
func (c *TestConfig) Method() string {
	m, _ := c.CustomParams[ParamMethod].(string)
	switch m = strings.ToUpper(strings.TrimSpace(m)); m {
	case "GET", "POST", "PUT", "DELETE":
		return m
	default:
		return "GET"
	}
}

// Payload returns the JSON request body for POST/PUT api-endpoint tests.
// A missing payload encodes as an empty object.
func (c *TestConfig) Payload() ([]byte, error) {
	p, ok := c.CustomParams[ParamPayload]
	if !ok || p == nil {
		return []byte("{}"), nil
	}
	if s, ok := p.(string); ok {
		if !gjson.Valid(s) {
			return nil, &ValidationError{Field: "customParams.payload", Message: "payload string is not valid JSON"}
		}
		return []byte(s), nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}
	return body, nil
}

// Headers returns extra request headers from the custom parameters.
func (c *TestConfig) Headers() map[string]string {
	headers := make(map[string]string)
	switch h := c.CustomParams[ParamHeaders].(type) {
	case map[string]string:
		for k, v := range h {
			headers[k] = v
		}
	case map[string]any:
		for k, v := range h {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	return headers
}

// Message returns the webhook message text.
func (c *TestConfig) Message() string {
	if m, ok := c.CustomParams[ParamMessage].(string); ok && m != "" {
		return m
	}
	return defaultWebhookText
}
