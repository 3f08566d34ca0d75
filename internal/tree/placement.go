// Package tree resolves where a new member attaches in the binary tree and
// links the node in.
package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"settlement-service/internal/apperrors"
	"settlement-service/internal/model"
	"settlement-service/internal/store"
)

// maxWalk bounds every walk so a corrupt link cannot loop forever.
const maxWalk = 1 << 16

// Reader is what placement needs to look at before locking anything.
type Reader interface {
	store.TreeReader
	GetMember(ctx context.Context, id string) (*model.Member, error)
}

// Slot is a free position in the tree.
type Slot struct {
	ParentID string
	Side     model.Leg
}

// Resolver implements the placement policy.
type Resolver struct {
	allowInactiveSponsor bool
	log                  *logrus.Logger
}

// NewResolver returns a Resolver. When allowInactiveSponsor is false,
// registrations under deactivated sponsors fail with a PlacementError.
func NewResolver(allowInactiveSponsor bool, log *logrus.Logger) *Resolver {
	return &Resolver{
		allowInactiveSponsor: allowInactiveSponsor,
		log:                  log,
	}
}

// Resolve finds the slot for a new member under sponsorID. An empty
// requested leg under the sponsor is used directly; otherwise the walk spills
// down that leg, taking the emptier subtree at each occupied node. LegAuto
// starts on the sponsor's emptier side.
func (r *Resolver) Resolve(ctx context.Context, rd Reader, memberID, sponsorID string, leg model.Leg) (Slot, error) {
	fail := func(format string, args ...interface{}) (Slot, error) {
		return Slot{}, &apperrors.PlacementError{
			MemberID:  memberID,
			SponsorID: sponsorID,
			Reason:    fmt.Sprintf(format, args...),
		}
	}

	if leg == "" {
		leg = model.LegAuto
	}
	if !leg.Valid() {
		return fail("unknown leg %q", leg)
	}

	sponsor, err := rd.GetMember(ctx, sponsorID)
	if errors.Is(err, store.ErrNotFound) {
		return fail("sponsor %s does not exist", sponsorID)
	}
	if err != nil {
		return Slot{}, fmt.Errorf("failed to load sponsor: %w", err)
	}
	if !sponsor.Active && !r.allowInactiveSponsor {
		return fail("sponsor %s is inactive", sponsorID)
	}

	node, err := rd.GetNode(ctx, sponsorID)
	if errors.Is(err, store.ErrNotFound) {
		return fail("sponsor %s has no tree node", sponsorID)
	}
	if err != nil {
		return Slot{}, fmt.Errorf("failed to load sponsor node: %w", err)
	}

	if leg == model.LegAuto {
		leg = node.Emptier()
	}

	visited := map[string]bool{node.MemberID: true}
	for i := 0; i < maxWalk; i++ {
		child := node.Child(leg)
		if child == "" {
			if node.Count(leg) != 0 {
				return fail("tree corruption: node %s has %d %s descendants but no %s child",
					node.MemberID, node.Count(leg), leg, leg)
			}
			r.log.WithFields(logrus.Fields{
				"member_id":  memberID,
				"sponsor_id": sponsorID,
				"parent_id":  node.MemberID,
				"side":       leg,
				"depth":      i,
			}).Debug("placement slot resolved")
			return Slot{ParentID: node.MemberID, Side: leg}, nil
		}
		if visited[child] {
			return fail("tree corruption: cycle through node %s", child)
		}
		visited[child] = true

		next, err := rd.GetNode(ctx, child)
		if errors.Is(err, store.ErrNotFound) {
			return fail("tree corruption: node %s links missing child %s", node.MemberID, child)
		}
		if err != nil {
			return Slot{}, fmt.Errorf("failed to load node %s: %w", child, err)
		}
		node = next
		leg = node.Emptier()
	}
	return fail("tree corruption: no free slot within %d levels", maxWalk)
}

// Place creates the node for member in slot, links it to its parent and
// bumps the subtree counts of every ancestor. An empty slot creates the root.
// It returns store.ErrSlotTaken if the slot was filled since it was resolved.
func (r *Resolver) Place(ctx context.Context, tx store.TreeStore, memberID string, slot Slot) (*model.TreeNode, error) {
	node := &model.TreeNode{
		MemberID: memberID,
		ParentID: slot.ParentID,
		Side:     slot.Side,
	}

	if slot.ParentID == "" {
		if err := tx.CreateNode(ctx, node); err != nil {
			return nil, fmt.Errorf("failed to create root node: %w", err)
		}
		return node, nil
	}

	parent, err := tx.GetNode(ctx, slot.ParentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent node: %w", err)
	}
	node.Depth = parent.Depth + 1

	// the node exists before any link to it, so a concurrent walk never
	// follows a dangling child id
	if err := tx.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	if err := tx.AttachChild(ctx, slot.ParentID, slot.Side, memberID); err != nil {
		return nil, err
	}

	cur, side := parent, slot.Side
	for i := 0; i < maxWalk; i++ {
		if err := tx.IncrementSubtreeCount(ctx, cur.MemberID, side); err != nil {
			return nil, fmt.Errorf("failed to update subtree count of %s: %w", cur.MemberID, err)
		}
		if cur.ParentID == "" {
			return node, nil
		}
		side = cur.Side
		if cur, err = tx.GetNode(ctx, cur.ParentID); err != nil {
			return nil, fmt.Errorf("failed to walk to ancestor: %w", err)
		}
	}
	return nil, &apperrors.PlacementError{MemberID: memberID, Reason: "tree corruption: ancestor chain too deep"}
}

// Ancestors returns the tree ancestors of memberID, nearest first, each with
// the side the walk arrived from. limit > 0 caps the number of levels.
func Ancestors(ctx context.Context, rd store.TreeReader, memberID string, limit int) ([]Slot, error) {
	node, err := rd.GetNode(ctx, memberID)
	if err != nil {
		return nil, err
	}

	var out []Slot
	seen := map[string]bool{memberID: true}
	for node.ParentID != "" && (limit <= 0 || len(out) < limit) {
		if seen[node.ParentID] {
			return nil, &apperrors.AggregationConsistencyError{NodeID: node.ParentID, Reason: "cycle in parent links"}
		}
		seen[node.ParentID] = true
		out = append(out, Slot{ParentID: node.ParentID, Side: node.Side})

		if node, err = rd.GetNode(ctx, node.ParentID); err != nil {
			return nil, fmt.Errorf("failed to walk to ancestor: %w", err)
		}
	}
	return out, nil
}
