package core

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ContractManager deploys and invokes contracts, meters gas, and persists
// storage through the state manager (C4). It generalizes the teacher's
// ContractRegistry + VM wiring (core/contracts.go, core/virtual_machine.go)
// to the opaque compile()/execute() contract spec §1 and §4.4 describe.
type ContractManager struct {
	mu       sync.RWMutex
	log      *logrus.Logger
	state    *StateManager
	vm       VM
	compiler Compiler

	byAddr map[Address]*Contract
}

// NewContractManager wires a manager against a state manager, a VM, and an
// (optional) compiler.
func NewContractManager(state *StateManager, vm VM, compiler Compiler, log *logrus.Logger) *ContractManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ContractManager{
		log:      log,
		state:    state,
		vm:       vm,
		compiler: compiler,
		byAddr:   make(map[Address]*Contract),
	}
}

// DeployRequest carries the parameters of spec §4.4 Deploy.
type DeployRequest struct {
	Source          string
	ConstructorArgs []byte
	Deployer        Address
	DeployerNonce   uint64
	GasLimit        uint64
	Name            string
	AtBlock         uint64
	Timestamp       int64
}

// DeployResult reports the outcome of a successful deployment.
type DeployResult struct {
	Address Address
	GasUsed uint64
}

// Deploy implements spec §4.4 Deploy steps 1-5.
func (cm *ContractManager) Deploy(req DeployRequest) (DeployResult, error) {
	bytecode, abi, compileErr := cm.compiler.Compile(req.Source)
	addr := DeriveContractAddress(req.Deployer, bytecode, req.DeployerNonce)

	cm.mu.Lock()
	if _, exists := cm.byAddr[addr]; exists {
		cm.mu.Unlock()
		return DeployResult{}, fmt.Errorf("%w: %s", ErrAlreadyDeployed, addr.Hex())
	}
	cm.mu.Unlock()

	if compileErr != nil {
		return DeployResult{}, fmt.Errorf("%w: %v", ErrCompilationFailed, compileErr)
	}

	hasCtor := bytes.Contains(bytecode, []byte(constructorMarker))
	var storage map[string][]byte
	var gasUsed uint64
	if hasCtor {
		res, err := cm.vm.Execute(bytecode, "constructor", req.ConstructorArgs, map[string][]byte{}, CallContext{
			ContractAddress: addr,
			Caller:          req.Deployer,
			GasLimit:        req.GasLimit,
			Timestamp:       req.Timestamp,
			BlockNumber:     req.AtBlock,
		})
		if err != nil || !res.OK {
			// All gas is burned; no state persisted (spec §4.4 step 4).
			return DeployResult{GasUsed: req.GasLimit}, fmt.Errorf("%w: %s", ErrConstructorFailed, errString(err, res.Error))
		}
		storage = res.Storage
		gasUsed = res.GasUsed
	} else {
		storage = map[string][]byte{}
	}

	cm.state.CreateContract(addr, bytecode)
	if len(storage) > 0 {
		if err := cm.state.ReplaceContractStorage(addr, storage); err != nil {
			return DeployResult{}, err
		}
	}

	cm.mu.Lock()
	cm.byAddr[addr] = &Contract{
		Address:         addr,
		Bytecode:        bytecode,
		ABI:             abi,
		Storage:         storage,
		Deployer:        req.Deployer,
		DeployedAtBlock: req.AtBlock,
		SourceCode:      req.Source,
	}
	cm.mu.Unlock()

	cm.log.WithFields(logrus.Fields{"addr": addr.Hex(), "deployer": req.Deployer.Hex()}).Info("contract deployed")
	return DeployResult{Address: addr, GasUsed: gasUsed}, nil
}

func errString(err error, msg string) string {
	if err != nil {
		return err.Error()
	}
	return msg
}

// CallRequest carries the parameters of spec §4.4 Call.
type CallRequest struct {
	ContractAddress Address
	Function        string
	Args            []byte
	Caller          Address
	GasLimit        uint64
	GasPrice        uint64
	Value           uint64
	Timestamp       int64
	BlockNumber     uint64
}

// CallResult reports the outcome of Call, including the failed-but-confirmed
// case (spec §4.4 / §7: ContractReverted is recorded, not rolled back).
type CallResult struct {
	OK         bool
	GasUsed    uint64
	ReturnData []byte
	Error      string
}

// Pause flips a contract's paused flag, blocking further Call invocations
// until Unpause. Only the original deployer may pause/unpause (supplemented
// admin control, generalizing the teacher's ContractRegistry pause hooks).
func (cm *ContractManager) Pause(addr, caller Address) error {
	return cm.setPaused(addr, caller, true)
}

// Unpause clears a contract's paused flag.
func (cm *ContractManager) Unpause(addr, caller Address) error {
	return cm.setPaused(addr, caller, false)
}

func (cm *ContractManager) setPaused(addr, caller Address, paused bool) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	sc, ok := cm.byAddr[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrContractNotFound, addr.Hex())
	}
	if sc.Deployer != caller {
		return fmt.Errorf("%w: %s is not the deployer of %s", ErrUnauthorized, caller.Hex(), addr.Hex())
	}
	sc.Paused = paused
	return nil
}

// Upgrade replaces a contract's bytecode and ABI in place, preserving its
// existing storage and address. Only the deployer may upgrade. This is the
// "redeploy at a fixed address" pattern the teacher's registry supports for
// long-lived service contracts, reused here for spec §7's upgrade hook.
func (cm *ContractManager) Upgrade(addr, caller Address, source string) error {
	cm.mu.Lock()
	sc, ok := cm.byAddr[addr]
	if !ok {
		cm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrContractNotFound, addr.Hex())
	}
	if sc.Deployer != caller {
		cm.mu.Unlock()
		return fmt.Errorf("%w: %s is not the deployer of %s", ErrUnauthorized, caller.Hex(), addr.Hex())
	}
	cm.mu.Unlock()

	bytecode, abi, err := cm.compiler.Compile(source)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompilationFailed, err)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()
	sc.Bytecode = bytecode
	sc.ABI = abi
	sc.SourceCode = source
	cm.state.SetCodeHash(addr, bytecode)
	return nil
}

// Call implements spec §4.4 Call steps 1-3. It reports the gas to charge in
// CallResult.GasUsed: gas_used on success; gas_limit on failure (including
// gas_used > gas_limit), in which case no contract state changes. Call does
// not debit gas itself; the caller charges GasUsed*gas_price.
func (cm *ContractManager) Call(req CallRequest) (CallResult, error) {
	cm.mu.RLock()
	sc, ok := cm.byAddr[req.ContractAddress]
	cm.mu.RUnlock()
	if !ok {
		return CallResult{}, fmt.Errorf("%w: %s", ErrContractNotFound, req.ContractAddress.Hex())
	}
	if sc.Paused {
		return CallResult{}, fmt.Errorf("%w: %s is paused", ErrContractPaused, req.ContractAddress.Hex())
	}
	if req.Value > 0 && cm.state.BalanceOf(req.Caller).Cmp(bigFromUint64(req.Value)) < 0 {
		return CallResult{OK: false, GasUsed: req.GasLimit, Error: "insufficient balance for call value"}, nil
	}

	ctx := CallContext{
		ContractAddress: req.ContractAddress,
		Caller:          req.Caller,
		Value:           req.Value,
		GasLimit:        req.GasLimit,
		GasPrice:        req.GasPrice,
		Timestamp:       req.Timestamp,
		BlockNumber:     req.BlockNumber,
	}
	storage := cm.snapshotStorage(req.ContractAddress)
	res, err := cm.vm.Execute(sc.Bytecode, req.Function, req.Args, storage, ctx)

	if err != nil || !res.OK || res.GasUsed > req.GasLimit {
		gasUsed := req.GasLimit // full gas_limit debited on failure (spec §4.4)
		msg := errString(err, res.Error)
		return CallResult{OK: false, GasUsed: gasUsed, Error: msg}, nil
	}

	if err := cm.state.ReplaceContractStorage(req.ContractAddress, res.Storage); err != nil {
		return CallResult{}, err
	}
	if req.Value > 0 {
		// Sufficiency was already checked above; debit/credit move together so
		// a successful call never mints value (mirrors ordinary transfers).
		_ = cm.state.Debit(req.Caller, bigFromUint64(req.Value))
		cm.state.Credit(req.ContractAddress, bigFromUint64(req.Value))
	}

	cm.mu.Lock()
	sc.Storage = res.Storage
	cm.mu.Unlock()

	return CallResult{OK: true, GasUsed: res.GasUsed, ReturnData: res.ReturnData}, nil
}

// EstimateGas performs a dry-run execution against a discarded snapshot,
// returning observed gas_used (or gas_limit on failure), per spec §4.4.
func (cm *ContractManager) EstimateGas(req CallRequest) uint64 {
	cm.mu.RLock()
	sc, ok := cm.byAddr[req.ContractAddress]
	cm.mu.RUnlock()
	if !ok {
		return req.GasLimit
	}
	snapID := cm.state.Snapshot()
	defer cm.state.DiscardSnapshot(snapID)

	storage := cm.snapshotStorage(req.ContractAddress)
	res, err := cm.vm.Execute(sc.Bytecode, req.Function, req.Args, storage, CallContext{
		ContractAddress: req.ContractAddress,
		Caller:          req.Caller,
		Value:           req.Value,
		GasLimit:        req.GasLimit,
		GasPrice:        req.GasPrice,
		Timestamp:       req.Timestamp,
		BlockNumber:     req.BlockNumber,
	})
	if err != nil || !res.OK {
		return req.GasLimit
	}
	return res.GasUsed
}

func (cm *ContractManager) snapshotStorage(addr Address) map[string][]byte {
	cm.mu.RLock()
	sc := cm.byAddr[addr]
	cm.mu.RUnlock()
	if sc == nil {
		return map[string][]byte{}
	}
	out := make(map[string][]byte, len(sc.Storage))
	for k, v := range sc.Storage {
		out[k] = v
	}
	return out
}

// Get returns a defensive copy of the contract record at addr.
func (cm *ContractManager) Get(addr Address) (*Contract, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	sc, ok := cm.byAddr[addr]
	if !ok {
		return nil, false
	}
	cp := *sc
	return &cp, true
}

// List returns every known contract address, insertion order not guaranteed.
func (cm *ContractManager) List() []*Contract {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Contract, 0, len(cm.byAddr))
	for _, sc := range cm.byAddr {
		cp := *sc
		out = append(out, &cp)
	}
	return out
}

// Restore re-registers a contract record under its address, replacing any
// record already held there.
func (cm *ContractManager) Restore(c *Contract) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.byAddr[c.Address] = c
}
