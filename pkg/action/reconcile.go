package action

import (
	"fmt"
	"strings"

	"github.com/SpatialKey/skdm-sub000/pkg/actionconfig"
	"github.com/SpatialKey/skdm-sub000/pkg/skapi"
)

// ReconciliationError reports created resources that do not identify the
// action's ids unambiguously.
type ReconciliationError struct {
	Action    string
	Reason    string
	Resources []skapi.CreatedResource
}

func (e *ReconciliationError) Error() string {
	parts := make([]string, 0, len(e.Resources))
	for _, r := range e.Resources {
		parts = append(parts, r.ID+":"+r.Type)
	}
	return fmt.Sprintf("action %q: %s (created resources: [%s])", e.Action, e.Reason, strings.Join(parts, " "))
}

// Reconciliation is the id resolved for an action and the writes that
// record it.
type Reconciliation struct {
	ID        string
	Mutations []actionconfig.Mutation
}

// Reconcile resolves the action id from the created resources of a
// finished upload.
//
// A dataset needs exactly one created resource. An insurance built from two
// data files needs exactly one policy_dataset, one location_dataset and one
// insurance resource; the dataset ids go into the descriptor. An insurance
// built from existing datasets needs exactly one insurance resource.
func Reconcile(spec *Spec, st *skapi.UploadStatus) (*Reconciliation, error) {
	fail := func(reason string) error {
		return &ReconciliationError{Action: spec.Name, Reason: reason, Resources: st.CreatedResources}
	}

	rec := &Reconciliation{}
	switch {
	case spec.DataType != Insurance:
		if n := len(st.CreatedResources); n != 1 {
			return nil, fail(fmt.Sprintf("expected exactly 1 created resource, got %d", n))
		}
		rec.ID = st.CreatedResources[0].ID

	case len(spec.PathData) == 2:
		policy, okP := single(st, skapi.ResourcePolicyDataset)
		location, okL := single(st, skapi.ResourceLocationDataset)
		insurance, okI := single(st, skapi.ResourceInsurance)
		if !okP || !okL || !okI {
			return nil, fail("expected exactly one policy_dataset, location_dataset and insurance resource")
		}
		rec.ID = insurance
		rec.Mutations = append(rec.Mutations,
			actionconfig.Mutation{Target: actionconfig.TargetDescriptor, File: spec.PathXML, Element: actionconfig.ElemPolicyDataset, Attr: actionconfig.AttrID, Value: policy},
			actionconfig.Mutation{Target: actionconfig.TargetDescriptor, File: spec.PathXML, Element: actionconfig.ElemLocationDataset, Attr: actionconfig.AttrID, Value: location},
		)

	default:
		insurance, ok := single(st, skapi.ResourceInsurance)
		if !ok {
			return nil, fail("expected exactly one insurance resource")
		}
		rec.ID = insurance
	}

	rec.Mutations = append(rec.Mutations, actionconfig.Mutation{
		Target:  actionconfig.TargetConfig,
		Action:  spec.Index,
		Element: spec.IDElement(),
		Value:   rec.ID,
	})
	return rec, nil
}

func single(st *skapi.UploadStatus, typ string) (string, bool) {
	found := st.ResourcesOfType(typ)
	if len(found) != 1 {
		return "", false
	}
	return found[0].ID, true
}
