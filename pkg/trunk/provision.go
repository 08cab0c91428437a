package trunk

import (
	"github.com/dbehnke/ptt-trunk/pkg/config"
	"github.com/dbehnke/ptt-trunk/pkg/subscriber"
)

// Provision loads the configured subscribers, talk-groups and memberships
// into db. Members that are not listed as subscribers are ignored.
func Provision(db *subscriber.Database, p config.ProvisioningConfig) {
	for _, su := range p.Subscribers {
		db.AddSubscriber(su)
	}
	for _, g := range p.Groups {
		db.AddGroup(g.ID)
		for _, su := range g.Members {
			db.Signup(su, g.ID)
		}
	}
}
