package model

// Spec describes how to run an external program from user inputs.
type Spec struct {
	ID              string           `json:"id" yaml:"-"`
	Name            string           `json:"name" yaml:"name"`
	Description     string           `json:"description" yaml:"description"`
	ExpectedInputs  []ExpectedInput  `json:"expectedInputs" yaml:"expectedInputs"`
	Execution       Execution        `json:"execution" yaml:"execution"`
	ExpectedOutputs []ExpectedOutput `json:"expectedOutputs" yaml:"expectedOutputs"`
}

type ExpectedInput struct {
	ID          string `json:"id" yaml:"id"`
	Type        string `json:"type" yaml:"type"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// Execution is the program plus argument templates, eg. ${inputs.message}.
type Execution struct {
	Application string   `json:"application" yaml:"application"`
	Arguments   []string `json:"arguments" yaml:"arguments"`
}

// ExpectedOutput is an artifact path relative to the working directory.
type ExpectedOutput struct {
	ID          string `json:"id" yaml:"id"`
	Path        string `json:"path" yaml:"path"`
	MimeType    string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Input returns the declared input with given id.
func (s Spec) Input(id string) (ExpectedInput, bool) {
	for _, in := range s.ExpectedInputs {
		if in.ID == id {
			return in, true
		}
	}
	return ExpectedInput{}, false
}
