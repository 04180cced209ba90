// Package action validates import actions and drives each one through the
// upload, import and id reconciliation steps.
package action

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/SpatialKey/skdm-sub000/pkg/actionconfig"
	"github.com/SpatialKey/skdm-sub000/pkg/session"
)

// ActionType selects the operation an action performs.
type ActionType string

const (
	Suggest   ActionType = "suggest"
	Import    ActionType = "import"
	Overwrite ActionType = "overwrite"
	Append    ActionType = "append"
)

// DataType is the kind of data an action imports.
type DataType string

const (
	CSV       DataType = "csv"
	Shapefile DataType = "shapefile"
	Insurance DataType = "insurance"
)

// ErrAppendNotSupported is wrapped by the ValidationError of an append on
// shapefile or insurance data.
var ErrAppendNotSupported = errors.New("append is not supported for this data type")

// ValidationError reports an action that breaks a structural rule.
type ValidationError struct {
	Action string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("action %q: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("action %q: %s: %s", e.Action, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Spec is one validated action.
type Spec struct {
	Name  string
	Index int
	// ActionType is the operation that will run; RequestedActionType is what
	// the document asked for before coercion.
	ActionType          ActionType
	RequestedActionType ActionType
	DataType            DataType
	PathData            []string
	PathXML             string
	// ID is the datasetId, or the insuranceId for insurance actions.
	ID string
	// PolicyID and LocationID come from the insurance descriptor file.
	PolicyID   string
	LocationID string
	Auth       session.AuthConfig
}

// IDElement is the configuration element holding the action's id.
func (s *Spec) IDElement() string {
	if s.DataType == Insurance {
		return actionconfig.ElemInsuranceID
	}
	return actionconfig.ElemDatasetID
}

func parseActionType(v string) (ActionType, bool) {
	switch t := ActionType(strings.ToLower(strings.TrimSpace(v))); t {
	case Suggest, Import, Overwrite, Append:
		return t, true
	}
	return "", false
}

func parseDataType(v string) (DataType, bool) {
	switch t := DataType(strings.ToLower(strings.TrimSpace(v))); t {
	case CSV, Shapefile, Insurance:
		return t, true
	}
	return "", false
}

// Parse validates node and returns its Spec. The action's auth is defaults
// with the node's own authentication override applied.
//
// Unknown action or data types and wrong file counts are errors. An
// insurance action without data files always runs as import, and an
// overwrite or append without an id runs as import.
func Parse(node actionconfig.ActionNode, defaults session.AuthConfig) (*Spec, error) {
	name := node.Name
	invalid := func(field, reason string) error {
		return &ValidationError{Action: name, Field: field, Reason: reason}
	}

	requested, ok := parseActionType(node.ActionType)
	if !ok {
		return nil, invalid(actionconfig.ElemActionType, fmt.Sprintf("unknown action type %q", node.ActionType))
	}
	dataType, ok := parseDataType(node.DataType)
	if !ok {
		return nil, invalid(actionconfig.ElemDataType, fmt.Sprintf("unknown data type %q", node.DataType))
	}

	n := len(node.PathData)
	if dataType == Insurance && n != 0 && n != 2 {
		return nil, invalid(actionconfig.ElemPathData, fmt.Sprintf("insurance needs 0 or 2 data files, got %d", n))
	}
	if dataType != Insurance && n != 1 {
		return nil, invalid(actionconfig.ElemPathData, fmt.Sprintf("%s needs exactly 1 data file, got %d", dataType, n))
	}
	if node.PathXML == "" {
		return nil, invalid(actionconfig.ElemPathXML, "descriptor path is required")
	}

	spec := &Spec{
		Name:                name,
		Index:               node.Index,
		ActionType:          requested,
		RequestedActionType: requested,
		DataType:            dataType,
		PathData:            append([]string(nil), node.PathData...),
		PathXML:             node.PathXML,
		ID:                  node.DatasetID,
		Auth:                defaults.Merge(node.Auth),
	}
	if dataType == Insurance {
		spec.ID = node.InsuranceID
	}

	if dataType == Insurance && n == 0 {
		spec.ActionType = Import
	}
	if (spec.ActionType == Append || spec.ActionType == Overwrite) && spec.ID == "" {
		spec.ActionType = Import
	}
	if dataType == Insurance && spec.ActionType == Append {
		return nil, &ValidationError{Action: name, Field: actionconfig.ElemActionType, Reason: "insurance cannot be appended", Err: ErrAppendNotSupported}
	}

	if dataType == Insurance && spec.ActionType != Suggest {
		if err := spec.readDescriptorIDs(); err != nil {
			return nil, invalid(actionconfig.ElemPathXML, err.Error())
		}
	}
	return spec, nil
}

func (s *Spec) readDescriptorIDs() error {
	if _, err := os.Stat(s.PathXML); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	policy, location, err := actionconfig.ReadDescriptorIDs(s.PathXML)
	if err != nil {
		return err
	}
	s.PolicyID, s.LocationID = policy, location
	return nil
}
