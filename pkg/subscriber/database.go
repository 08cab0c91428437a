package subscriber

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

// ErrNotFound is returned when a subscriber or group id is not provisioned
var ErrNotFound = errors.New("not found")

// OnlineRecord is a group member with a known network address
type OnlineRecord struct {
	SubscriberID uint32
	Addr         *net.UDPAddr
}

// Database holds static subscriber/group membership and the dynamic
// presence table. Safe for concurrent use.
type Database struct {
	subscribers map[uint32]map[uint32]struct{} // su -> groups
	groups      map[uint32]map[uint32]struct{} // grp -> subscribers
	online      map[uint32]*net.UDPAddr
	mu          sync.RWMutex
}

// NewDatabase creates an empty membership store
func NewDatabase() *Database {
	return &Database{
		subscribers: make(map[uint32]map[uint32]struct{}),
		groups:      make(map[uint32]map[uint32]struct{}),
		online:      make(map[uint32]*net.UDPAddr),
	}
}

// HasSubscriber reports whether the subscriber is provisioned
func (d *Database) HasSubscriber(su uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.subscribers[su]
	return ok
}

// HasGroup reports whether the group is provisioned
func (d *Database) HasGroup(grp uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.groups[grp]
	return ok
}

// IsGroupMember reports whether su has signed up to grp
func (d *Database) IsGroupMember(su, grp uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	groups, ok := d.subscribers[su]
	if !ok {
		return false
	}
	_, ok = groups[grp]
	return ok
}

// AddSubscriber provisions a subscriber. Adding an existing id is a no-op.
func (d *Database) AddSubscriber(su uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[su]; !ok {
		d.subscribers[su] = make(map[uint32]struct{})
	}
}

// AddGroup provisions a group. Adding an existing id is a no-op.
func (d *Database) AddGroup(grp uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.groups[grp]; !ok {
		d.groups[grp] = make(map[uint32]struct{})
	}
}

// Signup makes su a member of grp. It silently does nothing when either id
// is unknown, since provisioning order is not guaranteed.
func (d *Database) Signup(su, grp uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	groups, ok := d.subscribers[su]
	if !ok {
		return
	}
	members, ok := d.groups[grp]
	if !ok {
		return
	}
	groups[grp] = struct{}{}
	members[su] = struct{}{}
}

// SetOnline records the subscriber's current address. Last write wins.
func (d *Database) SetOnline(su uint32, addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online[su] = addr
}

// SetOffline removes the subscriber's presence record
func (d *Database) SetOffline(su uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.online, su)
}

// Lookup returns the subscriber's current address, if online
func (d *Database) Lookup(su uint32) (*net.UDPAddr, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.online[su]
	return addr, ok
}

// GroupMembers returns the member ids of grp in ascending order
func (d *Database) GroupMembers(grp uint32) ([]uint32, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members, ok := d.groups[grp]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", grp, ErrNotFound)
	}
	ids := make([]uint32, 0, len(members))
	for su := range members {
		ids = append(ids, su)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// OnlineMembers joins the members of grp with the presence table. Only
// members with a known address are returned, ordered by subscriber id.
// The result is a snapshot owned by the caller.
func (d *Database) OnlineMembers(grp uint32) ([]OnlineRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	members, ok := d.groups[grp]
	if !ok {
		return nil, fmt.Errorf("group %d: %w", grp, ErrNotFound)
	}

	records := make([]OnlineRecord, 0, len(members))
	for su := range members {
		if addr, online := d.online[su]; online {
			records = append(records, OnlineRecord{SubscriberID: su, Addr: addr})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SubscriberID < records[j].SubscriberID })
	return records, nil
}

// OnlineSubscribers returns every online subscriber, ordered by id
func (d *Database) OnlineSubscribers() []OnlineRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	records := make([]OnlineRecord, 0, len(d.online))
	for su, addr := range d.online {
		records = append(records, OnlineRecord{SubscriberID: su, Addr: addr})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].SubscriberID < records[j].SubscriberID })
	return records
}

// Counts returns the number of provisioned subscribers, groups and online subscribers
func (d *Database) Counts() (subscribers, groups, online int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers), len(d.groups), len(d.online)
}
