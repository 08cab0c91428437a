package database

import (
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dbehnke/ptt-trunk/pkg/config"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
)

// ProvisioningRepository handles subscriber, talk-group and membership records
type ProvisioningRepository struct {
	db *gorm.DB
}

// NewProvisioningRepository creates a new provisioning repository
func NewProvisioningRepository(db *gorm.DB) *ProvisioningRepository {
	return &ProvisioningRepository{db: db}
}

// UpsertSubscriber creates or updates a subscriber's alias
func (r *ProvisioningRepository) UpsertSubscriber(sub *Subscriber) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"alias", "updated_at"}),
	}).Create(sub).Error
}

// UpsertTalkGroup creates or updates a talk-group's name
func (r *ProvisioningRepository) UpsertTalkGroup(grp *TalkGroup) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(grp).Error
}

// AddMembership signs subscriber up to a talk-group. Both must exist.
func (r *ProvisioningRepository) AddMembership(subscriberID, groupID uint32) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return addMembership(tx, subscriberID, groupID)
	})
}

func addMembership(tx *gorm.DB, subscriberID, groupID uint32) error {
	if err := tx.First(&Subscriber{}, subscriberID).Error; err != nil {
		return fmt.Errorf("subscriber %d: %w", subscriberID, err)
	}
	if err := tx.First(&TalkGroup{}, groupID).Error; err != nil {
		return fmt.Errorf("talk-group %d: %w", groupID, err)
	}
	m := Membership{SubscriberID: subscriberID, TalkGroupID: groupID}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

// RemoveMembership removes a subscriber from a talk-group
func (r *ProvisioningRepository) RemoveMembership(subscriberID, groupID uint32) error {
	return r.db.Where("subscriber_id = ? AND talk_group_id = ?", subscriberID, groupID).
		Delete(&Membership{}).Error
}

// GetSubscriber retrieves a subscriber by id
func (r *ProvisioningRepository) GetSubscriber(id uint32) (*Subscriber, error) {
	var sub Subscriber
	err := r.db.First(&sub, id).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Subscribers returns all subscribers ordered by id
func (r *ProvisioningRepository) Subscribers() ([]Subscriber, error) {
	var subs []Subscriber
	err := r.db.Order("id").Find(&subs).Error
	return subs, err
}

// TalkGroups returns all talk-groups ordered by id
func (r *ProvisioningRepository) TalkGroups() ([]TalkGroup, error) {
	var groups []TalkGroup
	err := r.db.Order("id").Find(&groups).Error
	return groups, err
}

// Members returns the subscriber ids signed up to a talk-group
func (r *ProvisioningRepository) Members(groupID uint32) ([]uint32, error) {
	var ids []uint32
	err := r.db.Model(&Membership{}).
		Where("talk_group_id = ?", groupID).
		Order("subscriber_id").
		Pluck("subscriber_id", &ids).Error
	return ids, err
}

// Memberships returns every membership row
func (r *ProvisioningRepository) Memberships() ([]Membership, error) {
	var ms []Membership
	err := r.db.Order("talk_group_id, subscriber_id").Find(&ms).Error
	return ms, err
}

// Counts returns the number of subscribers, talk-groups and memberships
func (r *ProvisioningRepository) Counts() (subs, groups, memberships int64, err error) {
	if err = r.db.Model(&Subscriber{}).Count(&subs).Error; err != nil {
		return
	}
	if err = r.db.Model(&TalkGroup{}).Count(&groups).Error; err != nil {
		return
	}
	err = r.db.Model(&Membership{}).Count(&memberships).Error
	return
}

// RecordPresence stores the address and time of a subscriber's last registration
func (r *ProvisioningRepository) RecordPresence(id uint32, addr string, at time.Time) error {
	return r.db.Model(&Subscriber{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_addr": addr, "last_seen": at}).Error
}

// ImportConfig seeds the store from the provisioning section of the
// configuration in one transaction. Existing rows are kept.
func (r *ProvisioningRepository) ImportConfig(p config.ProvisioningConfig) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		for _, id := range p.Subscribers {
			sub := Subscriber{ID: id}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&sub).Error; err != nil {
				return fmt.Errorf("subscriber %d: %w", id, err)
			}
		}
		for _, g := range p.Groups {
			grp := TalkGroup{ID: g.ID, Name: g.Name}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name"}),
			}).Create(&grp).Error; err != nil {
				return fmt.Errorf("talk-group %d: %w", g.ID, err)
			}
			for _, member := range g.Members {
				if err := addMembership(tx, member, g.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LoadInto copies every subscriber, talk-group and membership into the
// in-memory membership store.
func (r *ProvisioningRepository) LoadInto(db *subscriber.Database) error {
	subs, err := r.Subscribers()
	if err != nil {
		return fmt.Errorf("load subscribers: %w", err)
	}
	groups, err := r.TalkGroups()
	if err != nil {
		return fmt.Errorf("load talk-groups: %w", err)
	}
	memberships, err := r.Memberships()
	if err != nil {
		return fmt.Errorf("load memberships: %w", err)
	}

	for _, s := range subs {
		db.AddSubscriber(s.ID)
	}
	for _, g := range groups {
		db.AddGroup(g.ID)
	}
	for _, m := range memberships {
		db.Signup(m.SubscriberID, m.TalkGroupID)
	}
	return nil
}

// DeleteAll removes every provisioning record
func (r *ProvisioningRepository) DeleteAll() error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := all.Delete(&Membership{}).Error; err != nil {
			return err
		}
		if err := all.Delete(&TalkGroup{}).Error; err != nil {
			return err
		}
		return all.Delete(&Subscriber{}).Error
	})
}

func formatID(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}
