package account

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"

	xerrors "ContractRelay/internal/errors"
	"ContractRelay/internal/txn"
	"ContractRelay/internal/web3"
	"ContractRelay/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// CodeUnknownAccount marks a request whose account cannot be resolved.
	CodeUnknownAccount xerrors.Code = "UNKNOWN_ACCOUNT"
	// CodeUnknownContract marks a contract name absent from the account.
	CodeUnknownContract xerrors.Code = "UNKNOWN_CONTRACT"
	// CodeCall marks a read-only call the node failed to execute.
	CodeCall xerrors.Code = "CALL_FAILURE"
)

const (
	// EmptyAccount is the reserved placeholder with a zero address and no key.
	EmptyAccount = "empty"
	// DefaultAccount is resolved when a request names no account.
	DefaultAccount = "default"
)

func init() {
	xerrors.Register(CodeUnknownAccount, xerrors.Attributes{
		Message:  "unknown account",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotAcceptable,
	})
	xerrors.Register(CodeUnknownContract, xerrors.Attributes{
		Message:  "unknown contract",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusNotFound,
	})
	xerrors.Register(CodeCall, xerrors.Attributes{
		Message:   "contract call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Chains resolves node clients by chain name. An empty name selects the
// default chain.
type Chains interface {
	Client(name string) (web3.Client, bool)
	DefaultChain() string
}

// Registration describes an account to add to the directory. ChainID and
// Chain are optional.
type Registration struct {
	Name       string
	Address    string
	PrivateKey string
	ChainID    *big.Int
	Chain      string
}

// PreloadedContract is a binding added to the default account while seeding.
type PreloadedContract struct {
	Name       string
	Address    string
	Descriptor []byte
}

// chainState holds what sessions on one chain share: nonces are allocated
// per address across every session of the chain.
type chainState struct {
	client  web3.Client
	nonces  *txn.NonceAllocator
	tracker *txn.Tracker
}

// Directory maps account names to sessions.
type Directory struct {
	chains      Chains
	policy      txn.NoncePolicy
	trackerOpts []txn.TrackerOption

	mu       sync.RWMutex
	sessions map[string]*Session
	states   map[string]*chainState
}

// Option customises a Directory.
type Option func(*Directory)

// WithNoncePolicy selects how sessions resolve nonces.
func WithNoncePolicy(policy txn.NoncePolicy) Option {
	return func(d *Directory) {
		if policy != "" {
			d.policy = policy
		}
	}
}

// WithTrackerOptions configures the lifecycle tracker of every chain.
func WithTrackerOptions(opts ...txn.TrackerOption) Option {
	return func(d *Directory) {
		d.trackerOpts = append(d.trackerOpts, opts...)
	}
}

// NewDirectory returns an empty directory. Call Seed before serving requests.
func NewDirectory(chains Chains, opts ...Option) *Directory {
	d := &Directory{
		chains:   chains,
		policy:   txn.NoncePolicySerialized,
		sessions: make(map[string]*Session),
		states:   make(map[string]*chainState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Directory) chainState(name string) (string, *chainState, error) {
	if name == "" {
		name = d.chains.DefaultChain()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.states[name]; ok {
		return name, state, nil
	}
	client, ok := d.chains.Client(name)
	if !ok {
		return "", nil, xerrors.Newf(xerrors.CodeInvalidArgument, "chain %s is not configured", name)
	}
	nonces := txn.NewNonceAllocator(client, d.policy)
	opts := append([]txn.TrackerOption{txn.WithObserver(nonces)}, d.trackerOpts...)
	state := &chainState{
		client:  client,
		nonces:  nonces,
		tracker: txn.NewTracker(client, opts...),
	}
	d.states[name] = state
	return name, state, nil
}

// Register creates a session for reg, replacing any session with the same
// name. When no chain id is given the node's chain id is used.
func (d *Directory) Register(ctx context.Context, reg Registration) (common.Address, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "account name is required")
	}
	if !common.IsHexAddress(strings.TrimSpace(reg.Address)) {
		return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "invalid account address %q", reg.Address)
	}
	address := common.HexToAddress(strings.TrimSpace(reg.Address))

	key := strings.TrimSpace(reg.PrivateKey)
	if key != "" {
		derived, err := txn.AddressOf(key)
		if err != nil {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "private key is malformed")
		}
		if derived != address {
			return common.Address{}, xerrors.Newf(xerrors.CodeInvalidArgument, "private key does not belong to %s", address.Hex())
		}
	}

	chain, state, err := d.chainState(reg.Chain)
	if err != nil {
		return common.Address{}, err
	}

	chainID := reg.ChainID
	if chainID == nil || chainID.Sign() <= 0 {
		chainID, err = state.client.ChainID(ctx)
		if err != nil {
			return common.Address{}, xerrors.Categorize(err, xerrors.CodeNodeFailure, "resolve chain id")
		}
	}

	session := newSession(sessionConfig{
		name:       name,
		address:    address,
		privateKey: key,
		chainID:    chainID,
		chain:      chain,
		client:     state.client,
		nonces:     state.nonces,
		tracker:    state.tracker,
	})

	d.mu.Lock()
	d.sessions[name] = session
	d.mu.Unlock()

	logger.Audit().Info("account registered",
		slog.Any("session", session),
		slog.String("chain", chain),
		slog.String("chain_id", chainID.String()),
		slog.Bool("can_sign", session.CanSign()))
	return address, nil
}

// Resolve looks up a session by name.
func (d *Directory) Resolve(name string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	session, ok := d.sessions[name]
	return session, ok
}

// ResolveOrDefault resolves name, or the default account when name is empty.
func (d *Directory) ResolveOrDefault(name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultAccount
	}
	session, ok := d.Resolve(name)
	if !ok {
		return nil, xerrors.Newf(CodeUnknownAccount, "account %s is not registered", name)
	}
	return session, nil
}

// Names lists registered account names in sorted order.
func (d *Directory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.sessions))
	for name := range d.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Seed installs the reserved placeholder, then the default account, then
// its preloaded contracts. Any failure is an initialization failure.
func (d *Directory) Seed(ctx context.Context, def Registration, contracts []PreloadedContract) error {
	if _, err := d.Register(ctx, Registration{Name: EmptyAccount, Address: common.Address{}.Hex(), ChainID: def.ChainID, Chain: def.Chain}); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "seed placeholder account")
	}

	def.Name = DefaultAccount
	if _, err := d.Register(ctx, def); err != nil {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "seed default account")
	}

	session, _ := d.Resolve(DefaultAccount)
	for _, c := range contracts {
		if _, err := session.AddContract(c.Descriptor, c.Address, c.Name); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "preload contract "+c.Name)
		}
	}
	return nil
}
