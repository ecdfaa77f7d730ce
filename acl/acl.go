// Package acl decides which senders may deliver to which recipients.
//
// Rules are evaluated at receive time, per recipient:
//  1. a sender in the recipient's block-set is denied
//  2. if the recipient has an allow-set, only its senders pass
//  3. otherwise the default policy applies
package acl

import (
	"sort"
	"sync"

	"github.com/vinayprograms/swarmbus/config"
)

// Decision is the outcome of a check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Reasons reported in Decision.
const (
	ReasonBlocked      = "blocked"
	ReasonNotAllowed   = "not_in_allow_list"
	ReasonAllowed      = "allowed"
	ReasonDefaultAllow = "default_allow"
	ReasonDefaultDeny  = "default_deny"
	ReasonACLDisabled  = "acl_disabled"
)

// ACL holds per-recipient allow and block sets. It is safe for concurrent use.
type ACL struct {
	mu           sync.RWMutex
	enabled      bool
	defaultAllow bool
	allowed      map[string]map[string]struct{}
	blocked      map[string]map[string]struct{}
}

// New creates an ACL from configuration.
func New(cfg config.ACL) *ACL {
	a := &ACL{
		enabled:      cfg.Enabled,
		defaultAllow: cfg.DefaultAllow,
		allowed:      make(map[string]map[string]struct{}),
		blocked:      make(map[string]map[string]struct{}),
	}
	for recipient, senders := range cfg.Allowed {
		a.Allow(recipient, senders...)
	}
	for recipient, senders := range cfg.Blocked {
		a.Block(recipient, senders...)
	}
	return a
}

// Check decides whether sender may deliver to recipient.
func (a *ACL) Check(sender, recipient string) Decision {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.enabled {
		return Decision{Allowed: true, Reason: ReasonACLDisabled}
	}
	if _, ok := a.blocked[recipient][sender]; ok {
		return Decision{Allowed: false, Reason: ReasonBlocked}
	}
	if allow, ok := a.allowed[recipient]; ok {
		if _, ok := allow[sender]; ok {
			return Decision{Allowed: true, Reason: ReasonAllowed}
		}
		return Decision{Allowed: false, Reason: ReasonNotAllowed}
	}
	if a.defaultAllow {
		return Decision{Allowed: true, Reason: ReasonDefaultAllow}
	}
	return Decision{Allowed: false, Reason: ReasonDefaultDeny}
}

// Allowed is shorthand for Check(sender, recipient).Allowed.
func (a *ACL) Allowed(sender, recipient string) bool {
	return a.Check(sender, recipient).Allowed
}

// Allow adds senders to recipient's allow-set, creating it if needed.
func (a *ACL) Allow(recipient string, senders ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	add(a.allowed, recipient, senders)
}

// Block adds senders to recipient's block-set.
func (a *ACL) Block(recipient string, senders ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	add(a.blocked, recipient, senders)
}

// Unblock removes senders from recipient's block-set.
func (a *ACL) Unblock(recipient string, senders ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	remove(a.blocked, recipient, senders)
}

// ClearAllow removes recipient's allow-set, returning it to the default policy.
func (a *ACL) ClearAllow(recipient string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allowed, recipient)
}

// SetEnabled turns enforcement on or off.
func (a *ACL) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	a.mu.Unlock()
}

// AllowList returns recipient's allow-set in sorted order, or nil.
func (a *ACL) AllowList(recipient string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return members(a.allowed[recipient])
}

// BlockList returns recipient's block-set in sorted order, or nil.
func (a *ACL) BlockList(recipient string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return members(a.blocked[recipient])
}

func add(sets map[string]map[string]struct{}, recipient string, senders []string) {
	set, ok := sets[recipient]
	if !ok {
		set = make(map[string]struct{})
		sets[recipient] = set
	}
	for _, s := range senders {
		set[s] = struct{}{}
	}
}

func remove(sets map[string]map[string]struct{}, recipient string, senders []string) {
	set, ok := sets[recipient]
	if !ok {
		return
	}
	for _, s := range senders {
		delete(set, s)
	}
	if len(set) == 0 {
		delete(sets, recipient)
	}
}

func members(set map[string]struct{}) []string {
	if set == nil {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
