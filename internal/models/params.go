package models

type ParameterKind string

const (
	KindInfrastructure ParameterKind = "infrastructure"
	KindBusinessLogic  ParameterKind = "business_logic"
	KindPerformance    ParameterKind = "performance"
)

// ParameterDefinition declares how a tunable value is resolved. Default is
// only honored for infrastructure parameters declared as not learned.
type ParameterDefinition struct {
	Name           string
	Kind           ParameterKind
	MustBeLearned  bool
	LearningSource string
	EnvVar         string
	Default        string
	Min            float64
	Max            float64
	MaxStep        float64
}

// Bounded reports whether the definition carries a [Min, Max] range.
func (d ParameterDefinition) Bounded() bool {
	return d.Max > d.Min
}
