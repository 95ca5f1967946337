package classifier

import "github.com/KyberNetwork/ido-gas-estimation/pkg/types"

// Classifier define required functionalities for a classifier.
type Classifier interface {
	Classify(rec *types.TransactionRecord, role *Role) types.ActionKind
}
