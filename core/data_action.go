package core

import (
	"crypto/sha256"
	"encoding/json"
)

// AddressFromLabel derives a deterministic pseudo-address for a well-known
// sentinel label, so that spec §6's genesis conventions ("genesis",
// "staking_contract", "validator_registry", "node_registry") can be
// compared as ordinary 20-byte Address values rather than carrying a
// parallel string-typed address representation through the whole engine.
func AddressFromLabel(label string) Address {
	h := sha256.Sum256([]byte(label))
	var a Address
	copy(a[:], h[:len(a)])
	return a
}

// Sentinel pseudo-addresses named in spec §6.
var (
	GenesisSenderAddress        = AddressFromLabel(SentinelGenesis)
	GenesisAddressSenderAddress = AddressFromLabel(SentinelGenesisAddress)
	StakingContractAddress      = AddressFromLabel(SentinelStakingContract)
	ValidatorRegistryAddress    = AddressFromLabel(SentinelValidatorRegistry)
	NodeRegistryAddress         = AddressFromLabel(SentinelNodeRegistry)
)

// String forms of the sentinels, kept only as the canonical label source for
// AddressFromLabel and for transaction builders constructing genesis/stake/
// registration transactions.
const (
	SentinelGenesis           = "genesis"
	SentinelGenesisAddress    = "genesis_address"
	SentinelStakingContract   = "staking_contract"
	SentinelValidatorRegistry = "validator_registry"
	SentinelNodeRegistry      = "node_registry"
)

// dataAction is the optional structured payload a transaction's Data field
// may carry: {"action": "stake", ...}.
type dataAction struct {
	Action string `json:"action"`
}

// ParseTxKind classifies a transaction per spec §4.5's dispatch rule: read
// from data.action first, then fall back to the sentinel from/to addresses.
// Transfers are the default when neither signal is present.
func ParseTxKind(tx *Transaction) TxKind {
	if action, ok := parseDataAction(tx.Data); ok {
		switch TxKind(action) {
		case TxStake, TxRegisterValidator, TxRegisterNode, TxGenesis, TxContractCall, TxTransfer:
			return TxKind(action)
		}
	}
	switch {
	case tx.From == GenesisSenderAddress || tx.From == GenesisAddressSenderAddress:
		return TxGenesis
	case tx.To == StakingContractAddress:
		return TxStake
	case tx.To == ValidatorRegistryAddress:
		return TxRegisterValidator
	case tx.To == NodeRegistryAddress:
		return TxRegisterNode
	}
	return TxTransfer
}

// contractCallData is the structured payload a contract_call transaction's
// Data field carries: {"action":"contract_call","contract":"0x..","function":"..","args":".."}.
// args is passed to the VM as its raw string bytes, not hex-decoded.
type contractCallData struct {
	Action   string `json:"action"`
	Contract string `json:"contract"`
	Function string `json:"function"`
	Args     string `json:"args"`
}

// parseContractCallData decodes a contract-call transaction's Data payload.
func parseContractCallData(data []byte) (struct {
	Contract Address
	Function string
	Args     []byte
}, bool) {
	var out struct {
		Contract Address
		Function string
		Args     []byte
	}
	var payload contractCallData
	if err := json.Unmarshal(data, &payload); err != nil || payload.Function == "" {
		return out, false
	}
	addr, err := AddressFromHex(payload.Contract)
	if err != nil {
		return out, false
	}
	out.Contract = addr
	out.Function = payload.Function
	out.Args = []byte(payload.Args)
	return out, true
}

func parseDataAction(data []byte) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var payload dataAction
	if err := json.Unmarshal(data, &payload); err != nil || payload.Action == "" {
		return "", false
	}
	return payload.Action, true
}
