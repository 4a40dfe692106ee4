package pipeline

import "fmt"

// BindingType discriminates environment binding sources.
type BindingType string

const (
	// BindPlaintext is a literal value known at construction time.
	BindPlaintext BindingType = "plaintext"
	// BindVariable defers to a variable another action produces at run time.
	BindVariable BindingType = "variable"
	// BindParameter reads a parameter store path at execution time.
	BindParameter BindingType = "parameter"
	// BindSecret reads a secret (optionally one JSON field) at execution time.
	BindSecret BindingType = "secret"
	// BindImport references a value exported by another deployed stack.
	BindImport BindingType = "import"
)

// VariableRef is a deferred reference to a variable produced by an action.
// It is resolved by the execution engine, never by the builder.
type VariableRef struct {
	Action ActionID `json:"action"`
	Name   string   `json:"name"`
}

func (r VariableRef) String() string {
	return fmt.Sprintf("#{%s.%s}", r.Action, r.Name)
}

// EnvBinding is the source of one environment variable.
type EnvBinding struct {
	Type     BindingType  `json:"type"`
	Value    string       `json:"value,omitempty"`
	Variable *VariableRef `json:"variable,omitempty"`
	Path     string       `json:"path,omitempty"`
	Field    string       `json:"field,omitempty"`
}

// Plaintext binds a literal value.
func Plaintext(value string) EnvBinding {
	return EnvBinding{Type: BindPlaintext, Value: value}
}

// FromVariable binds a variable of an upstream action.
func FromVariable(action ActionID, name string) EnvBinding {
	return EnvBinding{Type: BindVariable, Variable: &VariableRef{Action: action, Name: name}}
}

// FromParameter binds a parameter store path.
func FromParameter(path string) EnvBinding {
	return EnvBinding{Type: BindParameter, Path: path}
}

// FromSecret binds a secret path, optionally narrowed to a JSON field.
func FromSecret(path, field string) EnvBinding {
	return EnvBinding{Type: BindSecret, Path: path, Field: field}
}

// FromImport binds a value exported by another stack under name.
func FromImport(name string) EnvBinding {
	return EnvBinding{Type: BindImport, Value: name}
}

// validate checks the binding carries the fields its type requires.
func (b EnvBinding) validate() string {
	switch b.Type {
	case BindPlaintext:
		return ""
	case BindVariable:
		if b.Variable == nil || b.Variable.Action == "" || b.Variable.Name == "" {
			return "variable binding requires an action and a variable name"
		}
	case BindParameter, BindSecret:
		if b.Path == "" {
			return fmt.Sprintf("%s binding requires a path", b.Type)
		}
	case BindImport:
		if b.Value == "" {
			return "import binding requires an export name"
		}
	default:
		return fmt.Sprintf("unknown binding type %q", b.Type)
	}
	return ""
}
