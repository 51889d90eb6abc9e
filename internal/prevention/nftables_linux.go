// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package prevention

import (
	"net/netip"
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/vakthund/internal/errors"
	"grimm.is/vakthund/internal/logging"
)

const (
	nfprotoIPv4 = 2
	nfprotoIPv6 = 10
)

// NFTBackend enforces rules through an inet table holding address sets:
// allowed sources are accepted, blocked sources dropped, in the
// prerouting hook so forwarded device traffic is covered.
type NFTBackend struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	table  *nftables.Table
	sets   map[setKey]*nftables.Set
	rules  map[netip.Addr]Action
	logger *logging.Logger
}

type setKey struct {
	action Action
	v6     bool
}

// NewNFTBackend (re)creates table and its sets and rules.
func NewNFTBackend(table string, logger *logging.Logger) (*NFTBackend, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open netlink connection")
	}

	b := &NFTBackend{
		conn:   conn,
		sets:   make(map[setKey]*nftables.Set),
		rules:  make(map[netip.Addr]Action),
		logger: logger.WithComponent("nftables"),
	}

	// Start clean; a stale table from a previous run would hold old members.
	b.table = &nftables.Table{Family: nftables.TableFamilyINet, Name: table}
	conn.DelTable(b.table)
	_ = conn.Flush()

	b.table = conn.AddTable(b.table)
	chain := conn.AddChain(&nftables.Chain{
		Name:     "filter",
		Table:    b.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityFilter,
	})

	// Allow rules precede block rules.
	for _, action := range []Action{ActionAllow, ActionBlock} {
		for _, v6 := range []bool{false, true} {
			set, err := b.addSet(action, v6)
			if err != nil {
				return nil, err
			}
			b.addRule(chain, set, action, v6)
		}
	}

	if err := conn.Flush(); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to create nftables table %s", table)
	}
	b.logger.Info("nftables backend ready", "table", table)
	return b, nil
}

func (b *NFTBackend) addSet(action Action, v6 bool) (*nftables.Set, error) {
	name, keyType := action.String()+"4", nftables.TypeIPAddr
	if v6 {
		name, keyType = action.String()+"6", nftables.TypeIP6Addr
	}
	set := &nftables.Set{Table: b.table, Name: name, KeyType: keyType}
	if err := b.conn.AddSet(set, nil); err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to add set %s", name)
	}
	b.sets[setKey{action, v6}] = set
	return set, nil
}

func (b *NFTBackend) addRule(chain *nftables.Chain, set *nftables.Set, action Action, v6 bool) {
	proto, offset, length := byte(nfprotoIPv4), uint32(12), uint32(4)
	if v6 {
		proto, offset, length = nfprotoIPv6, 8, 16
	}
	verdict := expr.VerdictAccept
	if action == ActionBlock {
		verdict = expr.VerdictDrop
	}
	b.conn.AddRule(&nftables.Rule{
		Table: b.table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
			&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
			&expr.Counter{},
			&expr.Verdict{Kind: verdict},
		},
	})
}

func (b *NFTBackend) set(src netip.Addr, action Action) *nftables.Set {
	return b.sets[setKey{action, src.Is6()}]
}

func (b *NFTBackend) InstallRule(src netip.Addr, action Action) error {
	src = src.Unmap()
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.rules[src]
	if ok && cur == action {
		return nil
	}
	elem := []nftables.SetElement{{Key: src.AsSlice()}}
	if ok {
		if err := b.conn.SetDeleteElements(b.set(src, cur), elem); err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "failed to queue element removal")
		}
	}
	if err := b.conn.SetAddElements(b.set(src, action), elem); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to queue element")
	}
	if err := b.conn.Flush(); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to install rule"), "source", src.String())
	}
	b.rules[src] = action
	b.logger.Debug("Rule installed", "source", src, "action", action)
	return nil
}

func (b *NFTBackend) RemoveRule(src netip.Addr) error {
	src = src.Unmap()
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.rules[src]
	if !ok {
		return nil
	}
	if err := b.conn.SetDeleteElements(b.set(src, cur), []nftables.SetElement{{Key: src.AsSlice()}}); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to queue element removal")
	}
	if err := b.conn.Flush(); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to remove rule"), "source", src.String())
	}
	delete(b.rules, src)
	b.logger.Debug("Rule removed", "source", src)
	return nil
}

// Close deletes the table.
func (b *NFTBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn.DelTable(b.table)
	if err := b.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to delete nftables table")
	}
	return nil
}
