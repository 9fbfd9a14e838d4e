package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ruteri/attested-shard-router/interfaces"
)

// ShardRegistryABI is the subset of the registry contract the router reads.
const ShardRegistryABI = `[{"inputs":[],"name":"allInstanceDomainNames","outputs":[{"internalType":"string[]","name":"","type":"string[]"}],"stateMutability":"view","type":"function"}]`

// OnchainSource lists shards registered as instance domain names in a registry contract.
type OnchainSource struct {
	contract *bind.BoundContract
	address  common.Address
	scheme   string
	pinned   map[int]string
}

// NewOnchainSource binds the registry at address. scheme is used for domain
// names that carry none and defaults to fog-view.
func NewOnchainSource(caller bind.ContractCaller, address common.Address, scheme string, pinned map[int]string) (*OnchainSource, error) {
	parsed, err := abi.JSON(strings.NewReader(ShardRegistryABI))
	if err != nil {
		return nil, err
	}
	if scheme == "" {
		scheme = "fog-view"
	}
	return &OnchainSource{
		contract: bind.NewBoundContract(address, parsed, caller, nil, nil),
		address:  address,
		scheme:   scheme,
		pinned:   pinned,
	}, nil
}

func (s *OnchainSource) Name() string { return "onchain:" + s.address.Hex() }

func (s *OnchainSource) Shards(ctx context.Context) ([]interfaces.ShardIdentity, error) {
	var out []interface{}
	if err := s.contract.Call(&bind.CallOpts{Context: ctx}, &out, "allInstanceDomainNames"); err != nil {
		return nil, fmt.Errorf("could not read registry %s: %w", s.address.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected registry output length %d", len(out))
	}
	domains := *abi.ConvertType(out[0], new([]string)).(*[]string)

	shards := make([]interfaces.ShardIdentity, 0, len(domains))
	seen := make(map[interfaces.ShardID]bool, len(domains))
	for _, domain := range domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		uri := domain
		if !strings.Contains(domain, "://") {
			uri = s.scheme + "://" + domain
		}
		id := interfaces.ShardID(domain)
		if seen[id] {
			continue
		}
		seen[id] = true
		shards = append(shards, interfaces.ShardIdentity{ID: id, URI: uri, PinnedMeasurements: s.pinned})
	}
	interfaces.SortShardIdentities(shards)
	return shards, nil
}
