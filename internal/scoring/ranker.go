// Package scoring ranks potential partners for a user by shared-interest
// overlap. Interests live in Redis sets in both directions: per-user tag
// sets and per-tag member sets, so scoring one user costs one round trip
// per tag.
package scoring

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

const (
	keyUserInterests = "profile:interests:" // + <user_id> -> Set of tags
	keyInterestUsers = "interest:"          // + <tag> -> Set of user IDs
)

// Candidate is one scored potential partner.
type Candidate struct {
	UserID          string
	Score           int
	SharedInterests []string
}

// Ranker produces an ordered list of potential partners for a user.
type Ranker interface {
	Rank(ctx context.Context, userID string, exclude map[string]bool, limit int) ([]Candidate, error)
}

// InterestRanker is a Ranker over Redis interest sets.
type InterestRanker struct {
	rdb *redis.Client
}

// NewInterestRanker creates an InterestRanker backed by the given Redis client.
func NewInterestRanker(rdb *redis.Client) *InterestRanker {
	return &InterestRanker{rdb: rdb}
}

// SetInterests replaces a user's interest tags in both directions.
func (r *InterestRanker) SetInterests(ctx context.Context, userID string, tags []string) error {
	old, err := r.rdb.SMembers(ctx, keyUserInterests+userID).Result()
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	for _, tag := range old {
		pipe.SRem(ctx, keyInterestUsers+tag, userID)
	}
	pipe.Del(ctx, keyUserInterests+userID)
	for _, tag := range tags {
		pipe.SAdd(ctx, keyUserInterests+userID, tag)
		pipe.SAdd(ctx, keyInterestUsers+tag, userID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Interests returns a user's current interest tags.
func (r *InterestRanker) Interests(ctx context.Context, userID string) ([]string, error) {
	return r.rdb.SMembers(ctx, keyUserInterests+userID).Result()
}

// Rank scores every user sharing at least one interest tag with userID and
// returns them best first. Users in exclude (existing matches, rejected
// pairs, self) are skipped.
func (r *InterestRanker) Rank(ctx context.Context, userID string, exclude map[string]bool, limit int) ([]Candidate, error) {
	tags, err := r.rdb.SMembers(ctx, keyUserInterests+userID).Result()
	if err != nil {
		return nil, err
	}

	tagMembers := make(map[string][]string, len(tags))
	for _, tag := range tags {
		members, err := r.rdb.SMembers(ctx, keyInterestUsers+tag).Result()
		if err != nil {
			continue
		}
		tagMembers[tag] = members
	}

	ranked := scoreCandidates(tagMembers, userID, exclude)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// scoreCandidates counts shared tags per candidate and orders the result by
// score descending, breaking ties by user ID for determinism.
func scoreCandidates(tagMembers map[string][]string, self string, exclude map[string]bool) []Candidate {
	shared := make(map[string][]string)
	for tag, members := range tagMembers {
		for _, id := range members {
			if id == self || exclude[id] {
				continue
			}
			shared[id] = append(shared[id], tag)
		}
	}

	ranked := make([]Candidate, 0, len(shared))
	for id, tags := range shared {
		sort.Strings(tags)
		ranked = append(ranked, Candidate{UserID: id, Score: len(tags), SharedInterests: tags})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	return ranked
}
