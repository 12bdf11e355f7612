package services

import (
	"context"
	"errors"
	"log"

	"github.com/UniverseGames8/UniFarm2-sub003/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MaxChainDepth caps every walk of the inviter graph. The parent-code
// pointers are not guaranteed acyclic, so the cap turns a malformed cycle
// into a bounded, terminating walk.
const MaxChainDepth = 20

// ChainResolver resolves the ordered ancestor chain of a participant,
// nearest inviter first, at most MaxChainDepth entries.
type ChainResolver interface {
	ResolveChain(ctx context.Context, participantID string) ([]string, error)
}

// ParticipantDirectory is the lookup surface the iterative resolver needs.
type ParticipantDirectory interface {
	ParticipantByID(ctx context.Context, id string) (*models.Participant, error)
	ParticipantByRefCode(ctx context.Context, code string) (*models.Participant, error)
}

// ParticipantRegistry extends the directory with the writes registration
// and binding need. ReferralService carries the GORM implementation.
type ParticipantRegistry interface {
	ParticipantDirectory
	ParticipantByTelegramID(ctx context.Context, telegramID int64) (*models.Participant, error)
	// InsertParticipant inserts an unbound participant. false means a
	// concurrent registration for the same telegram id won the race.
	InsertParticipant(ctx context.Context, p *models.Participant) (bool, error)
	// ClaimParentRefCode sets the parent code on a still-unbound
	// participant. false means the participant was already bound.
	ClaimParentRefCode(ctx context.Context, participantID, refCode string) (bool, error)
}

// IterativeChainResolver walks the chain one hop at a time. Simple,
// O(depth) round trips; the default for small deployments.
type IterativeChainResolver struct {
	Dir ParticipantDirectory
}

func (r *IterativeChainResolver) ResolveChain(ctx context.Context, participantID string) ([]string, error) {
	cur, err := r.Dir.ParticipantByID(ctx, participantID)
	if err != nil {
		return nil, err
	}

	chain := make([]string, 0, 4)
	for depth := 0; depth < MaxChainDepth; depth++ {
		if cur.ParentRefCode == nil || *cur.ParentRefCode == "" {
			break
		}
		next, err := r.Dir.ParticipantByRefCode(ctx, *cur.ParentRefCode)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Broken link: the code points nowhere. Truncate here
				// rather than failing the caller.
				log.Printf("⚠️ [REFERRAL] broken parent link at depth %d for %s (code=%s)", depth+1, participantID, *cur.ParentRefCode)
				break
			}
			return nil, err
		}
		chain = append(chain, next.ID)
		cur = next
	}
	return chain, nil
}

// RecursiveChainResolver resolves the whole chain in a single
// recursive-closure query. Same contract as the iterative resolver,
// O(1) round trips.
type RecursiveChainResolver struct {
	DB *gorm.DB
}

const chainQuery = `
WITH RECURSIVE chain AS (
    SELECT p.id, p.parent_ref_code, 1 AS depth
    FROM participants p
    JOIN participants src ON src.parent_ref_code = p.ref_code
    WHERE src.id = ? AND p.deleted_at IS NULL
  UNION ALL
    SELECT parent.id, parent.parent_ref_code, c.depth + 1
    FROM chain c
    JOIN participants parent ON parent.ref_code = c.parent_ref_code
    WHERE c.depth < ? AND parent.deleted_at IS NULL
)
SELECT id FROM chain ORDER BY depth ASC LIMIT ?`

func (r *RecursiveChainResolver) ResolveChain(ctx context.Context, participantID string) ([]string, error) {
	var exists int64
	if err := r.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participantID).Count(&exists).Error; err != nil {
		return nil, dbError("resolve chain", err)
	}
	if exists == 0 {
		return nil, notFoundErrorf("participant %s", participantID)
	}

	var ids []string
	if err := r.DB.WithContext(ctx).
		Raw(chainQuery, participantID, MaxChainDepth, MaxChainDepth).
		Scan(&ids).Error; err != nil {
		return nil, dbError("resolve chain", err)
	}
	return ids, nil
}

// ReferralService owns the inviter graph: parent-code binding, chain
// resolution (via a pluggable strategy), the derived edge cache and the
// aggregated downward structure view.
type ReferralService struct {
	DB       *gorm.DB
	Resolver ChainResolver
	Registry ParticipantRegistry
}

func NewReferralService(db *gorm.DB, resolver ChainResolver) *ReferralService {
	s := &ReferralService{DB: db, Resolver: resolver}
	s.Registry = s
	return s
}

// --- ParticipantRegistry ---

func (s *ReferralService) ParticipantByID(ctx context.Context, id string) (*models.Participant, error) {
	var p models.Participant
	if err := s.DB.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErrorf("participant %s", id)
		}
		return nil, dbError("fetch participant", err)
	}
	return &p, nil
}

func (s *ReferralService) ParticipantByRefCode(ctx context.Context, code string) (*models.Participant, error) {
	var p models.Participant
	if err := s.DB.WithContext(ctx).First(&p, "ref_code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErrorf("ref code %s", code)
		}
		return nil, dbError("fetch participant by ref code", err)
	}
	return &p, nil
}

func (s *ReferralService) ParticipantByTelegramID(ctx context.Context, telegramID int64) (*models.Participant, error) {
	var p models.Participant
	if err := s.DB.WithContext(ctx).First(&p, "telegram_id = ?", telegramID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundErrorf("participant tg=%d", telegramID)
		}
		return nil, dbError("fetch participant by telegram id", err)
	}
	return &p, nil
}

// InsertParticipant leans on the unique telegram_id index: the conflict
// clause turns a lost race into RowsAffected 0 instead of an error.
func (s *ReferralService) InsertParticipant(ctx context.Context, p *models.Participant) (bool, error) {
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "telegram_id"}},
		DoNothing: true,
	}).Create(p)
	if res.Error != nil {
		return false, dbError("create participant", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ClaimParentRefCode is the conditional update behind bind-once: only an
// unbound row takes the code.
func (s *ReferralService) ClaimParentRefCode(ctx context.Context, participantID, refCode string) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND parent_ref_code IS NULL", participantID).
		Update("parent_ref_code", refCode)
	if res.Error != nil {
		return false, dbError("bind inviter", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ResolveChain delegates to the configured strategy and opportunistically
// refreshes the derived edge cache on success.
func (s *ReferralService) ResolveChain(ctx context.Context, participantID string) ([]string, error) {
	chain, err := s.Resolver.ResolveChain(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if len(chain) > 0 {
		if cacheErr := s.cacheChain(ctx, participantID, chain); cacheErr != nil {
			log.Printf("⚠️ [REFERRAL] edge cache refresh failed for %s: %v", participantID, cacheErr)
		}
	}
	return chain, nil
}

// cacheChain upserts derived edges for a freshly resolved chain.
// Best effort; the pointer graph stays the source of truth.
func (s *ReferralService) cacheChain(ctx context.Context, participantID string, chain []string) error {
	edges := make([]models.ReferralEdge, 0, len(chain))
	seen := make(map[string]bool, len(chain))
	for i, inviterID := range chain {
		if seen[inviterID] {
			continue
		}
		seen[inviterID] = true
		edges = append(edges, models.ReferralEdge{
			ParticipantID: participantID,
			InviterID:     inviterID,
			Level:         i + 1,
		})
	}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "participant_id"}, {Name: "inviter_id"}},
		DoNothing: true,
	}).Create(&edges).Error
}

// EnsureParticipant finds a participant by Telegram identity, creating an
// unbound one with a fresh public code on first sight. Idempotent under
// concurrent first contacts: the loser of the insert race returns the
// winner's row.
func (s *ReferralService) EnsureParticipant(ctx context.Context, telegramID int64, username string) (*models.Participant, error) {
	p, err := s.Registry.ParticipantByTelegramID(ctx, telegramID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	fresh := &models.Participant{
		TelegramID: &telegramID,
		Username:   username,
		RefCode:    uuid.NewString(),
	}
	inserted, err := s.Registry.InsertParticipant(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.Registry.ParticipantByTelegramID(ctx, telegramID)
	}
	log.Printf("✅ [REFERRAL] Participant %s created (tg=%d, code=%s)", fresh.ID, telegramID, fresh.RefCode)
	return fresh, nil
}

// BindResult reports the effective inviter binding after a bind attempt.
type BindResult struct {
	InviterID     string `json:"inviter_id"`
	ParentRefCode string `json:"parent_ref_code"`
	AlreadyBound  bool   `json:"already_bound"`
}

// BindInviter binds a participant to an inviter's public code. The binding
// is set at most once: a repeat attempt is a no-op that reports the
// existing binding, whatever code it was asked to bind.
func (s *ReferralService) BindInviter(ctx context.Context, participantID, refCode string) (*BindResult, error) {
	if refCode == "" {
		return nil, validationErrorf("ref code is required")
	}

	p, err := s.Registry.ParticipantByID(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p.RefCode == refCode {
		return nil, validationErrorf("cannot use own ref code")
	}

	inviter, err := s.Registry.ParticipantByRefCode(ctx, refCode)
	if err != nil {
		return nil, err
	}

	// Losing the claim (or re-binding) falls through to reporting the
	// stored binding.
	claimed, err := s.Registry.ClaimParentRefCode(ctx, participantID, refCode)
	if err != nil {
		return nil, err
	}
	if claimed {
		log.Printf("✅ [REFERRAL] Bound %s to inviter %s (code=%s)", participantID, inviter.ID, refCode)
		return &BindResult{InviterID: inviter.ID, ParentRefCode: refCode, AlreadyBound: false}, nil
	}

	bound, err := s.Registry.ParticipantByID(ctx, participantID)
	if err != nil {
		return nil, err
	}
	existing := ""
	if bound.ParentRefCode != nil {
		existing = *bound.ParentRefCode
	}
	out := &BindResult{ParentRefCode: existing, AlreadyBound: true}
	if existing != "" {
		if inv, err := s.Registry.ParticipantByRefCode(ctx, existing); err == nil {
			out.InviterID = inv.ID
		}
	}
	return out, nil
}

// GetReferralStructure aggregates the subtree rooted at the owner: for each
// level 1..MaxChainDepth, how many participants sit there and how much
// referral reward that level has produced for the owner. The walk goes
// downward through parent codes (the inverse of chain resolution) and
// refreshes the edge cache as it goes.
func (s *ReferralService) GetReferralStructure(ctx context.Context, ownerID string) ([]models.ReferralLevelStat, error) {
	owner, err := s.ParticipantByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	rewardsByLevel, err := s.referralRewardSums(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	stats := make([]models.ReferralLevelStat, 0, 8)
	frontier := []string{owner.RefCode}
	visited := map[string]bool{owner.ID: true}

	for level := 1; level <= MaxChainDepth && len(frontier) > 0; level++ {
		var children []models.Participant
		if err := s.DB.WithContext(ctx).
			Select("id", "ref_code").
			Where("parent_ref_code IN ?", frontier).
			Find(&children).Error; err != nil {
			return nil, dbError("walk referral subtree", err)
		}

		frontier = frontier[:0]
		edges := make([]models.ReferralEdge, 0, len(children))
		count := int64(0)
		for _, child := range children {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			count++
			frontier = append(frontier, child.RefCode)
			edges = append(edges, models.ReferralEdge{
				ParticipantID: child.ID,
				InviterID:     ownerID,
				Level:         level,
			})
		}
		if count == 0 && rewardsByLevel[level].IsZero() {
			break
		}
		if len(edges) > 0 {
			if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "participant_id"}, {Name: "inviter_id"}},
				DoNothing: true,
			}).Create(&edges).Error; err != nil {
				log.Printf("⚠️ [REFERRAL] edge cache refresh failed for subtree of %s: %v", ownerID, err)
			}
		}

		stats = append(stats, models.ReferralLevelStat{
			Level:        level,
			Count:        count,
			TotalRewards: rewardsByLevel[level].String(),
		})
	}
	return stats, nil
}

func (s *ReferralService) referralRewardSums(ctx context.Context, ownerID string) (map[int]decimal.Decimal, error) {
	var rows []struct {
		Level int
		Total decimal.Decimal
	}
	if err := s.DB.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("level, COALESCE(SUM(amount), 0) AS total").
		Where("participant_id = ? AND type = ? AND status = ?",
			ownerID, models.LedgerTypeReferralReward, models.LedgerStatusConfirmed).
		Group("level").
		Scan(&rows).Error; err != nil {
		return nil, dbError("sum referral rewards", err)
	}
	sums := make(map[int]decimal.Decimal, len(rows))
	for _, r := range rows {
		sums[r.Level] = r.Total
	}
	return sums, nil
}
