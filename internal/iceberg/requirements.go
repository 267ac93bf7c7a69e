package iceberg

import (
	"encoding/json"
	"fmt"
)

// Requirement type tags from the Iceberg REST spec.
const (
	ReqAssertCreate                  = "assert-create"
	ReqAssertTableUUID               = "assert-table-uuid"
	ReqAssertRefSnapshotID           = "assert-ref-snapshot-id"
	ReqAssertLastAssignedFieldID     = "assert-last-assigned-field-id"
	ReqAssertCurrentSchemaID         = "assert-current-schema-id"
	ReqAssertLastAssignedPartitionID = "assert-last-assigned-partition-id"
	ReqAssertDefaultSpecID           = "assert-default-spec-id"
	ReqAssertDefaultSortOrderID      = "assert-default-sort-order-id"
	ReqAssertViewUUID                = "assert-view-uuid"
)

// Requirement is one entry of a commit's requirements list.
type Requirement struct {
	Type string `json:"type"`

	UUID            string `json:"uuid,omitempty"`
	Ref             string `json:"ref,omitempty"`
	SnapshotID      *int64 `json:"snapshot-id,omitempty"`
	LastAssignedID  *int   `json:"last-assigned-field-id,omitempty"`
	CurrentSchemaID *int   `json:"current-schema-id,omitempty"`
	LastPartitionID *int   `json:"last-assigned-partition-id,omitempty"`
	DefaultSpecID   *int   `json:"default-spec-id,omitempty"`
	DefaultSortID   *int   `json:"default-sort-order-id,omitempty"`
}

// RequirementError is a failed requirement; it maps to 409 Conflict with the
// CommitFailedException type.
type RequirementError struct {
	Requirement string
	Reason      string
}

func (e *RequirementError) Error() string {
	return fmt.Sprintf("requirement %s failed: %s", e.Requirement, e.Reason)
}

func failed(req, format string, args ...interface{}) error {
	return &RequirementError{Requirement: req, Reason: fmt.Sprintf(format, args...)}
}

// Check evaluates the requirement against the current metadata. meta is nil
// when the table does not exist yet (only assert-create passes then).
func (r *Requirement) Check(meta *TableMetadata) error {
	if meta == nil {
		if r.Type == ReqAssertCreate {
			return nil
		}
		return failed(r.Type, "table does not exist")
	}

	switch r.Type {
	case ReqAssertCreate:
		return failed(r.Type, "table already exists")

	case ReqAssertTableUUID:
		if meta.TableUUID != r.UUID {
			return failed(r.Type, "expected uuid %s, found %s", r.UUID, meta.TableUUID)
		}

	case ReqAssertRefSnapshotID:
		ref, ok := meta.Refs[r.Ref]
		if r.SnapshotID == nil {
			if ok {
				return failed(r.Type, "ref %s exists (snapshot %d)", r.Ref, ref.SnapshotID)
			}
			return nil
		}
		if !ok {
			return failed(r.Type, "ref %s does not exist", r.Ref)
		}
		if ref.SnapshotID != *r.SnapshotID {
			return failed(r.Type, "ref %s at snapshot %d, expected %d", r.Ref, ref.SnapshotID, *r.SnapshotID)
		}

	case ReqAssertLastAssignedFieldID:
		if r.LastAssignedID == nil || meta.LastColumnID != *r.LastAssignedID {
			return failed(r.Type, "last assigned field id is %d", meta.LastColumnID)
		}

	case ReqAssertCurrentSchemaID:
		if r.CurrentSchemaID == nil || meta.CurrentSchemaID != *r.CurrentSchemaID {
			return failed(r.Type, "current schema id is %d", meta.CurrentSchemaID)
		}

	case ReqAssertLastAssignedPartitionID:
		if r.LastPartitionID == nil || meta.LastPartitionID != *r.LastPartitionID {
			return failed(r.Type, "last assigned partition id is %d", meta.LastPartitionID)
		}

	case ReqAssertDefaultSpecID:
		if r.DefaultSpecID == nil || meta.DefaultSpecID != *r.DefaultSpecID {
			return failed(r.Type, "default spec id is %d", meta.DefaultSpecID)
		}

	case ReqAssertDefaultSortOrderID:
		if r.DefaultSortID == nil || meta.DefaultSortOrderID != *r.DefaultSortID {
			return failed(r.Type, "default sort order id is %d", meta.DefaultSortOrderID)
		}

	default:
		return fmt.Errorf("unknown requirement type %q", r.Type)
	}
	return nil
}

// CheckAll evaluates every requirement in order, returning the first failure.
func CheckAll(reqs []Requirement, meta *TableMetadata) error {
	for i := range reqs {
		if err := reqs[i].Check(meta); err != nil {
			return err
		}
	}
	return nil
}

// CheckView evaluates view requirements (only assert-view-uuid is defined).
func CheckView(reqs []Requirement, meta *ViewMetadata) error {
	for i := range reqs {
		r := &reqs[i]
		switch r.Type {
		case ReqAssertViewUUID:
			if meta == nil || meta.ViewUUID != r.UUID {
				return failed(r.Type, "view uuid mismatch")
			}
		default:
			return fmt.Errorf("unknown view requirement type %q", r.Type)
		}
	}
	return nil
}

// UnmarshalRequirements decodes a raw requirements array.
func UnmarshalRequirements(raw []json.RawMessage) ([]Requirement, error) {
	out := make([]Requirement, 0, len(raw))
	for _, r := range raw {
		var req Requirement
		if err := json.Unmarshal(r, &req); err != nil {
			return nil, fmt.Errorf("invalid requirement: %w", err)
		}
		out = append(out, req)
	}
	return out, nil
}
