package groups

import (
	"context"
	"errors"

	"github.com/example/ride-pooling/internal/models"
	"github.com/example/ride-pooling/internal/observability"
	"github.com/example/ride-pooling/internal/storage"
)

// DefaultCommunityGroup is the name of the global group shared by every
// rider who has ever had a payment verified.
const DefaultCommunityGroup = "community"

// Projector maintains derived chat-group memberships. Membership is a
// projection of ride state, never the other way round; every operation is
// idempotent so replays and double-triggers are harmless.
type Projector struct {
	Store          storage.GroupStore
	CommunityGroup string
}

func NewProjector(store storage.GroupStore) *Projector {
	return &Projector{Store: store, CommunityGroup: DefaultCommunityGroup}
}

// AddToGroup ensures the named group exists and the user is a member of it.
// Get-or-create rides on the store's unique name constraint, so concurrent
// first calls converge on a single group.
func (p *Projector) AddToGroup(ctx context.Context, name string, kind models.GroupKind, userID string) error {
	_, err := p.ensureMember(ctx, name, kind, userID, "member")
	return err
}

// ProjectPaidRider adds a verified rider to the ride's own group and to the
// global community group. Returns the ride group's id so the caller can
// stamp it onto the ride.
func (p *Projector) ProjectPaidRider(ctx context.Context, ride *models.Ride, riderID string) (string, error) {
	rideGroup, rideErr := p.ensureMember(ctx, RideGroupName(ride.ID), models.GroupRide, riderID, "member")
	var groupID string
	if rideGroup != nil {
		groupID = rideGroup.ID
		// the driver belongs in their own ride group
		if _, err := p.Store.AddMember(ctx, rideGroup.ID, ride.DriverID, "owner"); err != nil {
			rideErr = errors.Join(rideErr, err)
		}
	}
	name := p.CommunityGroup
	if name == "" {
		name = DefaultCommunityGroup
	}
	_, commErr := p.ensureMember(ctx, name, models.GroupCommunity, riderID, "member")
	return groupID, errors.Join(rideErr, commErr)
}

func (p *Projector) ensureMember(ctx context.Context, name string, kind models.GroupKind, userID, role string) (*models.Group, error) {
	g, err := p.Store.EnsureGroup(ctx, name, kind)
	if err != nil {
		return nil, err
	}
	created, err := p.Store.AddMember(ctx, g.ID, userID, role)
	if err != nil {
		return g, err
	}
	if created {
		observability.GroupJoinsTotal.Inc()
	}
	return g, nil
}

func (p *Projector) Members(ctx context.Context, groupID string) ([]models.GroupMember, error) {
	return p.Store.ListMembers(ctx, groupID)
}

func RideGroupName(rideID string) string { return "ride:" + rideID }
