package script

import "fmt"

// Declaration is one variable as declared by (or discovered in) a script.
type Declaration struct {
	Name      string
	Single    bool
	Semantics Semantics
	DataType  DataType
	Category  MetricType
}

// Resolve maps declarations to variable definitions. It rejects unknown categories,
// duplicate or unsafe names, and cardinality or datatype combinations a category cannot
// represent.
func Resolve(decls []Declaration) (map[string]VariableDefinition, error) {
	out := make(map[string]VariableDefinition, len(decls))
	for _, d := range decls {
		if !IsSafeName(d.Name) {
			return nil, fmt.Errorf("%w: variable name %q", ErrInvalidDeclaration, d.Name)
		}
		if prev, dup := out[d.Name]; dup {
			if prev.MetricType == MetricOutput || d.Category == MetricOutput {
				return nil, fmt.Errorf("%w: map %q clashes with the text output variable", ErrInvalidDeclaration, d.Name)
			}
			return nil, fmt.Errorf("%w: duplicate variable %q", ErrInvalidDeclaration, d.Name)
		}
		if err := checkDeclaration(d); err != nil {
			return nil, err
		}
		out[d.Name] = VariableDefinition{
			Single:     d.Single,
			Semantics:  d.Semantics,
			DataType:   d.DataType,
			MetricType: d.Category,
		}
	}
	return out, nil
}

func checkDeclaration(d Declaration) error {
	switch d.Category {
	case MetricControl:
		if d.DataType < TypeI32 || d.DataType > TypeString {
			return fmt.Errorf("%w: %s: unknown datatype %d", ErrInvalidDeclaration, d.Name, d.DataType)
		}
	case MetricHistogram, MetricStacks:
		if !d.DataType.Numeric() {
			return fmt.Errorf("%w: %s: %s needs a numeric datatype", ErrInvalidDeclaration, d.Name, d.Category)
		}
	case MetricOutput:
		if !d.Single {
			return fmt.Errorf("%w: %s: output variables cannot have instances", ErrInvalidDeclaration, d.Name)
		}
		if d.DataType != TypeString {
			return fmt.Errorf("%w: %s: output variables carry strings", ErrInvalidDeclaration, d.Name)
		}
	default:
		return fmt.Errorf("%w: %s: unknown metric type %d", ErrInvalidDeclaration, d.Name, int(d.Category))
	}
	switch d.Semantics {
	case SemCounter, SemInstant, SemDiscrete:
	default:
		return fmt.Errorf("%w: %s: unknown semantics %d", ErrInvalidDeclaration, d.Name, d.Semantics)
	}
	return nil
}

// IsSafeName reports whether s can be used as a metric namespace leaf:
// an ASCII letter followed by letters, digits or underscores.
func IsSafeName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if i == 0 {
			if !alpha {
				return false
			}
			continue
		}
		if !alpha && !(r >= '0' && r <= '9') && r != '_' {
			return false
		}
	}
	return true
}
