package blockdevice

import (
	"fmt"

	"github.com/rossigee/cloud-volume-agent/pkg/types"
)

// Operation names a volume state transition being awaited.
type Operation int

const (
	OperationCreate Operation = iota
	OperationDestroy
	OperationAttach
	OperationDetach
)

// Operations lists every operation the state table must cover.
var Operations = []Operation{OperationCreate, OperationDestroy, OperationAttach, OperationDetach}

func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "create"
	case OperationDestroy:
		return "destroy"
	case OperationAttach:
		return "attach"
	case OperationDetach:
		return "detach"
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// AttachRequirement is the shape attach data must have at an operation's end state.
type AttachRequirement int

const (
	AttachAbsent AttachRequirement = iota
	AttachPresent
)

// StateFlow is the declared start, transient and end status of one operation.
type StateFlow struct {
	Start     types.VolumeStatus
	Transient types.VolumeStatus
	End       types.VolumeStatus
	Attach    AttachRequirement
}

// includes reports whether status is part of the flow.
func (f StateFlow) includes(status types.VolumeStatus) bool {
	return status == f.Start || status == f.Transient || status == f.End
}

// attachSatisfied reports whether attach data has the shape the flow requires.
func (f StateFlow) attachSatisfied(attach *types.AttachData) bool {
	switch f.Attach {
	case AttachPresent:
		return attach != nil && attach.Device != "" && attach.InstanceID != ""
	default:
		return attach == nil
	}
}

// CREATE starts from StatusGone: the provider hands back an id before the
// volume is visible to describe calls.
var stateTable = map[Operation]StateFlow{
	OperationCreate: {
		Start:     types.StatusGone,
		Transient: types.StatusCreating,
		End:       types.StatusAvailable,
		Attach:    AttachAbsent,
	},
	OperationDestroy: {
		Start:     types.StatusAvailable,
		Transient: types.StatusDeleting,
		End:       types.StatusGone,
		Attach:    AttachAbsent,
	},
	OperationAttach: {
		Start:     types.StatusAvailable,
		Transient: types.StatusAttaching,
		End:       types.StatusInUse,
		Attach:    AttachPresent,
	},
	OperationDetach: {
		Start:     types.StatusInUse,
		Transient: types.StatusDetaching,
		End:       types.StatusAvailable,
		Attach:    AttachAbsent,
	},
}

func init() {
	if err := validateStateTable(stateTable); err != nil {
		panic(err)
	}
}

// validateStateTable checks that every operation has a flow, that the three
// states of each flow are distinct and that at least one known status is
// outside every flow.
func validateStateTable(table map[Operation]StateFlow) error {
	used := make(map[types.VolumeStatus]bool)
	for _, op := range Operations {
		flow, ok := table[op]
		if !ok {
			return fmt.Errorf("no state flow declared for %s", op)
		}
		if flow.Start == flow.Transient || flow.Transient == flow.End || flow.Start == flow.End {
			return fmt.Errorf("state flow for %s reuses a status: %q/%q/%q", op, flow.Start, flow.Transient, flow.End)
		}
		used[flow.Start] = true
		used[flow.Transient] = true
		used[flow.End] = true
	}
	if len(table) != len(Operations) {
		return fmt.Errorf("state table declares %d flows for %d operations", len(table), len(Operations))
	}
	for status := range used {
		known := false
		for _, s := range types.AllStatuses {
			if s == status {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("state table uses unknown status %q", status)
		}
	}
	if len(used) >= len(types.AllStatuses) {
		return fmt.Errorf("state table covers every status; no error states remain")
	}
	return nil
}

// FlowFor returns the declared state flow of op.
func FlowFor(op Operation) StateFlow {
	flow, ok := stateTable[op]
	if !ok {
		panic(fmt.Sprintf("blockdevice: no state flow for %s", op))
	}
	return flow
}
