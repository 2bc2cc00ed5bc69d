// Package identity resolves provider-side identifiers to org-scoped users.
// Resolution is best-effort convergent: concurrent webhooks for the same
// person may briefly create duplicate users, and the oldest-user merge rule
// folds them back together as soon as a shared identifier shows up.
package identity

import (
	"context"
	"log/slog"

	"github.com/revbackhq/revback/internal/apperr"
	"github.com/revbackhq/revback/internal/models"
	"github.com/revbackhq/revback/internal/repository"
)

// IssueTypeMergeCandidate is recorded when resolution merges identities
// that previously pointed at different users.
const IssueTypeMergeCandidate = "merge_candidate"

// Resolver maps identity hints to a single user id.
type Resolver struct {
	users      repository.UserRepository
	identities repository.IdentityRepository
	issues     repository.IssueRepository
	logger     *slog.Logger
}

// NewResolver creates an identity resolver.
func NewResolver(users repository.UserRepository, identities repository.IdentityRepository, issues repository.IssueRepository, logger *slog.Logger) *Resolver {
	return &Resolver{users: users, identities: identities, issues: issues, logger: logger}
}

// Resolve returns the user the hints identify, creating or merging users as
// needed. Hints that matched nothing are linked to the resolved user so the
// next webhook carrying them resolves directly.
func (r *Resolver) Resolve(ctx context.Context, orgID string, hints []models.IdentityHint) (string, error) {
	if len(hints) == 0 {
		return "", apperr.E(apperr.KindValidation, "cannot resolve identity without hints")
	}

	matched := make(map[string]models.IdentityHint) // userID -> one hint that matched it
	var unmatched []models.IdentityHint
	var userIDs []string
	hintOwner := make(map[int]string) // hint index -> owning user

	for i, hint := range hints {
		identity, err := r.identities.Find(ctx, orgID, hint.Source, hint.IDType, hint.ExternalID)
		if err != nil {
			return "", err
		}
		if identity == nil {
			unmatched = append(unmatched, hint)
			continue
		}
		hintOwner[i] = identity.UserID
		if _, seen := matched[identity.UserID]; !seen {
			matched[identity.UserID] = hint
			userIDs = append(userIDs, identity.UserID)
		}
	}

	switch len(userIDs) {
	case 0:
		return r.createUser(ctx, orgID, hints)
	case 1:
		userID := userIDs[0]
		for _, hint := range unmatched {
			if _, err := r.link(ctx, orgID, userID, hint); err != nil {
				return "", err
			}
		}
		return userID, nil
	default:
		return r.merge(ctx, orgID, hints, userIDs, hintOwner, unmatched)
	}
}

// merge folds multiple matched users into the oldest one: losing identity
// rows are re-pointed at the winner and a merge_candidate issue records the
// collision for operator review. Recording the issue never fails resolution.
func (r *Resolver) merge(ctx context.Context, orgID string, hints []models.IdentityHint, userIDs []string, hintOwner map[int]string, unmatched []models.IdentityHint) (string, error) {
	winner, err := r.users.OldestByIDs(ctx, orgID, userIDs)
	if err != nil {
		return "", err
	}
	if winner == nil {
		return "", apperr.Ef(apperr.KindInternal, "matched users %v not found during merge", userIDs)
	}

	var losers []string
	for _, id := range userIDs {
		if id != winner.ID {
			losers = append(losers, id)
		}
	}

	for i, owner := range hintOwner {
		if owner == winner.ID {
			continue
		}
		hint := hints[i]
		if err := r.identities.Reassign(ctx, orgID, hint.Source, hint.IDType, hint.ExternalID, winner.ID); err != nil {
			return "", err
		}
	}
	for _, hint := range unmatched {
		if _, err := r.link(ctx, orgID, winner.ID, hint); err != nil {
			return "", err
		}
	}

	r.recordMergeCandidate(ctx, orgID, winner.ID, losers)
	return winner.ID, nil
}

func (r *Resolver) recordMergeCandidate(ctx context.Context, orgID, winnerID string, losers []string) {
	issue := &models.Issue{
		OrgID:         orgID,
		UserID:        &winnerID,
		IssueType:     IssueTypeMergeCandidate,
		Severity:      models.SeverityInfo,
		Title:         "Identities merged across users",
		Description:   "A webhook carried identifiers previously linked to different users; they now resolve to the oldest user.",
		Confidence:    1.0,
		DetectorID:    "identity_resolver",
		DetectionTier: models.DetectionTierBillingOnly,
		Evidence: map[string]any{
			"winner_user_id":  winnerID,
			"merged_user_ids": losers,
		},
	}
	if err := r.issues.Insert(ctx, issue); err != nil {
		if apperr.IsUniqueViolation(err) {
			return // a merge_candidate issue for this user is already open
		}
		r.logger.Warn("failed to record merge candidate issue",
			"org_id", orgID, "user_id", winnerID, "error", err)
	}
}

// createUser makes a user for hints that matched nobody, seeding the email
// and external user id from the hints when present.
func (r *Resolver) createUser(ctx context.Context, orgID string, hints []models.IdentityHint) (string, error) {
	user := &models.User{OrgID: orgID}
	for _, hint := range hints {
		switch hint.IDType {
		case models.IdentityTypeEmail:
			if user.Email == "" {
				user.Email = hint.ExternalID
			}
		case models.IdentityTypeAppUserID:
			if user.ExternalUserID == "" {
				user.ExternalUserID = hint.ExternalID
			}
		}
	}
	if err := r.users.Create(ctx, user); err != nil {
		return "", err
	}

	resolved := user.ID
	for _, hint := range hints {
		owner, err := r.link(ctx, orgID, resolved, hint)
		if err != nil {
			return "", err
		}
		// A concurrent resolver claimed this identifier first; adopt its
		// user and keep linking the remaining hints there. Our fresh user
		// stays behind with no identities and no entitlements.
		if owner != resolved {
			r.logger.Debug("identity claimed concurrently, adopting existing user",
				"org_id", orgID, "user_id", owner)
			resolved = owner
		}
	}
	return resolved, nil
}

// link inserts one identity row and reports who owns the identifier
// afterwards. A uniqueness race resolves to the existing owner.
func (r *Resolver) link(ctx context.Context, orgID, userID string, hint models.IdentityHint) (string, error) {
	err := r.identities.Insert(ctx, &models.UserIdentity{
		OrgID:      orgID,
		UserID:     userID,
		Source:     hint.Source,
		IDType:     hint.IDType,
		ExternalID: hint.ExternalID,
	})
	if err == nil {
		return userID, nil
	}
	if !apperr.IsUniqueViolation(err) {
		return "", err
	}
	existing, err := r.identities.Find(ctx, orgID, hint.Source, hint.IDType, hint.ExternalID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		// Raced with a concurrent delete; nothing owns it, treat as linked.
		return userID, nil
	}
	return existing.UserID, nil
}
