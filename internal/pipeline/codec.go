package pipeline

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"cdpipeline/internal/apperrors"
)

// Encode renders the definition as indented JSON. Map keys are emitted in
// sorted order, so equal definitions encode to identical bytes.
func Encode(d *Definition) ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return append(data, '\n'), nil
}

// Decode parses a JSON definition and re-validates it through Build, so a
// decoded definition satisfies the same invariants as a built one.
func Decode(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, apperrors.Validation("definition", "decode definition: "+err.Error())
	}
	return Build(d.Name, d.Specs(), d.Notifications...)
}

// Specs converts the definition back to the stage specs it was built from.
func (d *Definition) Specs() []StageSpec {
	specs := make([]StageSpec, 0, len(d.Stages))
	for _, s := range d.Stages {
		spec := StageSpec{Name: s.Name}
		for _, a := range s.Actions {
			spec.Actions = append(spec.Actions, ActionSpec{
				Name:        a.Name,
				Kind:        a.Kind,
				RunOrder:    a.RunOrder,
				Input:       a.Input,
				ExtraInputs: slices.Clone(a.ExtraInputs),
				Output:      a.Output,
				Environment: maps.Clone(a.Environment),
				Source:      clonePtr(a.Source),
				Build:       cloneBuild(a.Build),
				Approval:    clonePtr(a.Approval),
			})
		}
		specs = append(specs, spec)
	}
	return specs
}
