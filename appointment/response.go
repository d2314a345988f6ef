package appointment

import "github.com/ethereum/go-ethereum/common"

// ResponseData describes the transaction the watcher wants delivered when an
// appointment triggers: a contract call plus the deadline block it must be
// confirmed by.
type ResponseData struct {
	ContractAddress common.Address
	ABI             string
	FunctionName    string
	Args            []interface{}
	EndBlock        uint64
}
