package model

import "slices"

// Reaction aggregates every user who reacted with one emoji.
// Count and HasReacted are derived from Users; see NormalizeReactions.
type Reaction struct {
	Emoji      string   `json:"emoji"`
	Count      int      `json:"count"`
	Users      []string `json:"users"`
	HasReacted bool     `json:"hasReacted"`
}

// NormalizeReactions recomputes Count and HasReacted from Users relative to
// currentUser and drops emptied entries.
func NormalizeReactions(rs []Reaction, currentUser string) []Reaction {
	out := make([]Reaction, 0, len(rs))
	for _, r := range rs {
		r.Users = compactUsers(r.Users)
		if len(r.Users) == 0 {
			continue
		}
		r.Count = len(r.Users)
		r.HasReacted = slices.Contains(r.Users, currentUser)
		out = append(out, r)
	}
	return out
}

// HasReacted reports whether user is listed under emoji.
func HasReacted(rs []Reaction, emoji, user string) bool {
	for _, r := range rs {
		if r.Emoji == emoji {
			return slices.Contains(r.Users, user)
		}
	}
	return false
}

// SetReaction adds or removes user from emoji and returns the list normalized
// for that same user. rs is not modified.
func SetReaction(rs []Reaction, emoji, user string, on bool) []Reaction {
	rs = slices.Clone(rs)
	idx := slices.IndexFunc(rs, func(r Reaction) bool { return r.Emoji == emoji })
	switch {
	case on && idx < 0:
		rs = append(rs, Reaction{Emoji: emoji, Users: []string{user}})
	case on:
		if !slices.Contains(rs[idx].Users, user) {
			rs[idx].Users = append(slices.Clone(rs[idx].Users), user)
		}
	case idx >= 0:
		rs[idx].Users = slices.DeleteFunc(slices.Clone(rs[idx].Users), func(u string) bool { return u == user })
	}
	return NormalizeReactions(rs, user)
}

func compactUsers(users []string) []string {
	seen := make(map[string]struct{}, len(users))
	out := users[:0:0]
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
