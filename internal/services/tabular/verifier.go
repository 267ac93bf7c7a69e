package tabular

import (
	"context"

	"github.com/lakekeeper/lakekeeper-go/internal/iceberg"
)

// ContractVerifier may veto a commit based on its typed update list, e.g. a
// breaking schema evolution against declared data contracts.
type ContractVerifier interface {
	// Check returns nil to allow. A veto carries the reason shown to the
	// client (mapped to 422).
	Check(ctx context.Context, change ContractChange) error
}

// ContractChange is what verifiers see: the table before the change and the
// requested updates.
type ContractChange struct {
	Ident   iceberg.TableIdent
	Current *iceberg.TableMetadata
	Updates []iceberg.Update
}

// checkVerifiers consults every registered verifier in order.
func (s *Service) checkVerifiers(ctx context.Context, change ContractChange) error {
	for _, v := range s.verifiers {
		if err := v.Check(ctx, change); err != nil {
			return err
		}
	}
	return nil
}
